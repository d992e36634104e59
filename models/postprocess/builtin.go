package postprocess

import "strings"

// cocoNames are the 80 COCO detection classes in the order YOLO models emit them.
// Networks that add a background class at index 0 use a class offset of 1.
var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// vocNames are the 20 Pascal VOC classes.
var vocNames = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa",
	"train", "tvmonitor",
}

var builtinSets = map[string][]string{
	"coco": cocoNames,
	"voc":  vocNames,
}

// BuiltinLabels returns a well known label set by name ("coco" or "voc", case
// insensitive), so common models work without a classes file.
func BuiltinLabels(name string) (Labels, bool) {
	names, ok := builtinSets[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	labels := make(Labels, len(names))
	for i, n := range names {
		labels[i] = n
	}
	return labels, true
}
