package postprocess

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-dnn/images"
	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"gorgonia.org/tensor"
)

// DetectType selects the output layout of a detection network.
type DetectType int

// Supported detection layouts.
const (
	// DetectFasterRCNN is a 1x1xNx7 box list in blob pixels.
	DetectFasterRCNN DetectType = iota
	// DetectYOLO is a list of pre-decoded rows [cx, cy, w, h, obj, scores...], fractional.
	DetectYOLO
	// DetectSSD is a 1x1xNx7 box list in fractional coordinates.
	DetectSSD
	// DetectTPUSSD is the four-tensor boxes, classes, scores, count output.
	DetectTPUSSD
	// DetectRawYOLOFace is a raw YOLOv2 style head with a single class.
	DetectRawYOLOFace
	// DetectRawYOLOv2 is a raw head with softmax classes and anchors in grid units.
	DetectRawYOLOv2
	// DetectRawYOLOv3 is a raw head with logistic classes and anchors in pixels.
	DetectRawYOLOv3
	// DetectRawYOLOv4 is DetectRawYOLOv3 with the scale_x_y center correction.
	DetectRawYOLOv4
	// DetectRawYOLOv3Tiny is DetectRawYOLOv3 for the two-head tiny models.
	DetectRawYOLOv3Tiny
)

var detectTypeNames = [...]string{
	"FasterRCNN", "YOLO", "SSD", "TPUSSD", "RAWYOLOface", "RAWYOLOv2", "RAWYOLOv3", "RAWYOLOv4", "RAWYOLOv3tiny",
}

func (t DetectType) String() string {
	if t < 0 || int(t) >= len(detectTypeNames) {
		return fmt.Sprintf("DetectType(%d)", int(t))
	}
	return detectTypeNames[t]
}

// UnmarshalText parses a detection type name, case insensitive.
func (t *DetectType) UnmarshalText(text []byte) error {
	for i, n := range detectTypeNames {
		if strings.EqualFold(n, string(text)) {
			*t = DetectType(i)
			return nil
		}
	}
	return inference.Configurationf("unknown detect type %q", text)
}

// MarshalText returns the type name.
func (t DetectType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Raw reports whether the type decodes raw YOLO heads and therefore needs anchors.
func (t DetectType) Raw() bool { return t >= DetectRawYOLOFace }

// yoloScaleXY is the YOLOv4 center scale; centers are stretched around the cell middle.
const yoloScaleXY = 1.05

// DetectConfig holds the parameters of the Detect post-processor.
type DetectConfig struct {
	// Type is the output layout. Frozen.
	Type DetectType `json:"detecttype"  yaml:"detecttype"`
	// Anchors for raw YOLO layouts, see ParseAnchors. Frozen.
	Anchors string `json:"anchors"     yaml:"anchors"`
	// ClassOffset is added to the class index before looking up the class name. Frozen.
	ClassOffset int `json:"classoffset" yaml:"classoffset"`
	// Thresh is the minimum detection confidence, in percent.
	Thresh float32 `json:"thresh"      yaml:"thresh"`
	// NMS is the IoU above which overlapping boxes of one class are suppressed, in percent.
	NMS float32 `json:"nms"         yaml:"nms"`
}

// DefaultDetectConfig returns YOLO output, 20% threshold and 45% NMS.
func DefaultDetectConfig() DetectConfig {
	return DetectConfig{Type: DetectYOLO, Thresh: 20, NMS: 45}
}

// Validate checks value ranges and that raw YOLO layouts have anchors.
func (c DetectConfig) Validate() error {
	if c.Thresh < 0 || c.Thresh > 100 {
		return inference.Configurationf("thresh must be in [0, 100], got %g", c.Thresh)
	}
	if c.NMS < 0 || c.NMS > 100 {
		return inference.Configurationf("nms must be in [0, 100], got %g", c.NMS)
	}
	anchors, err := ParseAnchors(c.Anchors)
	if err != nil {
		return err
	}
	if c.Type.Raw() && len(anchors) == 0 {
		return inference.Configurationf("detect type %s needs anchors", c.Type)
	}
	return nil
}

// Detect decodes object detection outputs into boxes.
type Detect struct {
	inference.Guard

	mu      sync.Mutex
	config  DetectConfig
	anchors AnchorSet
	labels  Labels
	results []Detection
}

// NewDetect creates a Detect post-processor.
//
// Arguments:
//   - config: The decoding parameters.
//   - labels: The class names; may be nil.
//
// Returns:
//   - *Detect: The post-processor.
//   - error: ErrConfiguration when the configuration is invalid.
//
// @example
//
//	det, err := postprocess.NewDetect(postprocess.DetectConfig{
//	    Type:    postprocess.DetectRawYOLOv3Tiny,
//	    Anchors: "10,14, 23,27, 37,58; 81,82, 135,169, 344,319",
//	    Thresh:  25,
//	    NMS:     45,
//	}, labels)
func NewDetect(config DetectConfig, labels Labels) (*Detect, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	anchors, _ := ParseAnchors(config.Anchors)
	return &Detect{config: config, anchors: anchors, labels: labels}, nil
}

// Config returns the active configuration.
func (d *Detect) Config() DetectConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// SetConfig replaces the configuration. Changing Type, Anchors or ClassOffset fails with
// ErrFrozen while frozen; the thresholds can always change.
func (d *Detect) SetConfig(config DetectConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if config.Type != d.config.Type || config.Anchors != d.config.Anchors || config.ClassOffset != d.config.ClassOffset {
		if err := d.Check("detecttype/anchors/classoffset"); err != nil {
			return err
		}
	}
	d.anchors, _ = ParseAnchors(config.Anchors)
	d.config = config
	return nil
}

// SetLabels replaces the class names. It fails with ErrFrozen while frozen.
func (d *Detect) SetLabels(labels Labels) error {
	if err := d.Check("classes"); err != nil {
		return err
	}
	d.mu.Lock()
	d.labels = labels
	d.mu.Unlock()
	return nil
}

// Results returns the detections of the last Process call.
func (d *Detect) Results() []Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Detection(nil), d.results...)
}

// Process decodes outs according to the configured layout, maps the boxes to image
// coordinates through pre, clamps them to the image and applies per-class NMS.
func (d *Detect) Process(outs []*tensor.Dense, pre preprocess.PreProcessor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = nil

	if pre == nil {
		return inference.Configurationf("detect needs the pre-processor geometry")
	}
	if len(outs) == 0 {
		return inference.Decodef("detect got no outputs")
	}

	blob := pre.BlobSize(0)
	dec := decoder{
		thresh: d.config.Thresh / 100,
		blobW:  float32(blob.X),
		blobH:  float32(blob.Y),
	}

	var err error
	switch d.config.Type {
	case DetectFasterRCNN:
		err = dec.boxList(outs, false)
	case DetectSSD:
		err = dec.boxList(outs, true)
	case DetectTPUSSD:
		err = dec.tpuSSD(outs)
	case DetectYOLO:
		err = dec.yoloRows(outs)
	default:
		err = dec.rawYOLO(outs, d.anchors, d.config.Type)
	}
	if err != nil {
		return err
	}

	img := pre.ImageSize()
	kept := dec.cands[:0]
	for _, c := range dec.cands {
		x1, y1 := pre.BlobToImage(c.Box.X1, c.Box.Y1, 0)
		x2, y2 := pre.BlobToImage(c.Box.X2, c.Box.Y2, 0)
		c.Box = images.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}.Clamp(img.X, img.Y)
		if c.Box.Empty() {
			continue
		}
		c.Class += d.config.ClassOffset
		c.Label = d.labels.Label(c.Class)
		kept = append(kept, c)
	}

	d.results = ApplyGreedyNMS(kept, NMSConfig{IoUThreshold: d.config.NMS / 100, ClassAware: true})
	return nil
}

// Report sends one line per detection and draws the boxes in their label color.
func (d *Detect) Report(sink Sink, ovl Overlay, overlay, idle bool) {
	results := d.Results()

	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = r.String()
	}
	sendAll(sink, lines)

	if !overlay || idle || ovl == nil {
		return
	}
	for _, r := range results {
		ovl.DrawBox(r.Box, fmt.Sprintf("%s: %.1f%%", r.Label, r.Score*100), StringToRGBA(r.Label, 255))
	}
	ovl.DrawText(fmt.Sprintf("Detected %d objects", len(results)), textColor)
}

// decoder accumulates candidate boxes in blob pixel coordinates.
type decoder struct {
	thresh       float32
	blobW, blobH float32
	cands        []Detection
}

func (dec *decoder) add(box images.Rect, class int, score float32) {
	dec.cands = append(dec.cands, Detection{Box: box, Class: class, Score: score})
}

// boxList decodes rows of [batch, class, conf, x1, y1, x2, y2].
func (dec *decoder) boxList(outs []*tensor.Dense, fractional bool) error {
	sx, sy := float32(1), float32(1)
	if fractional {
		sx, sy = dec.blobW, dec.blobH
	}
	for oi, out := range outs {
		vals, err := inference.Float32s(out)
		if err != nil {
			return err
		}
		if len(vals)%7 != 0 {
			return inference.Decodef("output %d has %d values, want rows of 7", oi, len(vals))
		}
		for i := 0; i < len(vals); i += 7 {
			conf := vals[i+2]
			if conf < dec.thresh {
				continue
			}
			box := images.Rect{X1: vals[i+3] * sx, Y1: vals[i+4] * sy, X2: vals[i+5] * sx, Y2: vals[i+6] * sy}
			dec.add(box, int(vals[i+1]), conf)
		}
	}
	return nil
}

// tpuSSD decodes boxes [N,4] (ymin, xmin, ymax, xmax fractional), classes [N], scores [N]
// and count [1].
func (dec *decoder) tpuSSD(outs []*tensor.Dense) error {
	if len(outs) != 4 {
		return inference.Decodef("TPUSSD needs 4 outputs, got %d", len(outs))
	}
	var data [4][]float32
	for i, out := range outs {
		vals, err := inference.Float32s(out)
		if err != nil {
			return err
		}
		data[i] = vals
	}
	boxes, classes, scores, count := data[0], data[1], data[2], data[3]
	if len(count) < 1 {
		return inference.Decodef("TPUSSD count output is empty")
	}

	n := min(int(count[0]), len(scores), len(classes), len(boxes)/4)
	for i := 0; i < n; i++ {
		if scores[i] < dec.thresh {
			continue
		}
		b := boxes[i*4 : i*4+4]
		box := images.Rect{X1: b[1] * dec.blobW, Y1: b[0] * dec.blobH, X2: b[3] * dec.blobW, Y2: b[2] * dec.blobH}
		dec.add(box, int(classes[i]), scores[i])
	}
	return nil
}

// yoloRows decodes pre-decoded rows [cx, cy, w, h, obj, scores...] in fractional
// coordinates; the confidence is the best class score.
func (dec *decoder) yoloRows(outs []*tensor.Dense) error {
	for oi, out := range outs {
		shape := out.Shape()
		stride := shape[len(shape)-1]
		if stride < 6 {
			return inference.Decodef("output %d rows have %d values, want at least 6", oi, stride)
		}
		vals, err := inference.Float32s(out)
		if err != nil {
			return err
		}
		for i := 0; i+stride <= len(vals); i += stride {
			row := vals[i : i+stride]
			class, conf := ArgMax(row[5:])
			if conf < dec.thresh {
				continue
			}
			box := images.RectFromCenter(row[0]*dec.blobW, row[1]*dec.blobH, row[2]*dec.blobW, row[3]*dec.blobH)
			dec.add(box, class, conf)
		}
	}
	return nil
}

// rawYOLO decodes raw heads of shape [1, A*(5+C), H, W], one anchor group per head.
func (dec *decoder) rawYOLO(outs []*tensor.Dense, anchors AnchorSet, kind DetectType) error {
	softmaxClasses := kind == DetectRawYOLOv2 || kind == DetectRawYOLOFace
	for hi, out := range outs {
		group, err := anchors.Group(hi, len(outs))
		if err != nil {
			return err
		}

		shape := out.Shape()
		if len(shape) < 3 || (len(shape) == 4 && shape[0] != 1) || len(shape) > 4 {
			return inference.Decodef("YOLO output %d has shape %v, want [1, A*(5+C), H, W]", hi, shape)
		}
		ch, gh, gw := shape[len(shape)-3], shape[len(shape)-2], shape[len(shape)-1]
		na := len(group)
		if ch%na != 0 || ch/na < 6 {
			return inference.Decodef("YOLO output %d has %d channels, not a multiple of %d anchors x (5 + classes)", hi, ch, na)
		}
		nc := ch/na - 5

		vals, err := inference.Float32s(out)
		if err != nil {
			return err
		}

		strideX := dec.blobW / float32(gw)
		strideY := dec.blobH / float32(gh)
		plane := gw * gh
		probs := make([]float32, nc)

		for a, anchor := range group {
			base := a * (5 + nc) * plane
			for row := 0; row < gh; row++ {
				for col := 0; col < gw; col++ {
					at := func(k int) float32 { return vals[base+k*plane+row*gw+col] }

					obj := Sigmoid(at(4))
					if obj < dec.thresh {
						continue
					}

					for c := 0; c < nc; c++ {
						probs[c] = at(5 + c)
					}
					var class int
					var score float32
					if softmaxClasses {
						class = Softmax(probs, probs, 1)
						score = probs[class]
					} else {
						class, score = ArgMax(probs)
						score = Sigmoid(score)
					}
					conf := obj * score
					if conf < dec.thresh {
						continue
					}

					sx, sy := Sigmoid(at(0)), Sigmoid(at(1))
					if kind == DetectRawYOLOv4 {
						sx = sx*yoloScaleXY - (yoloScaleXY-1)/2
						sy = sy*yoloScaleXY - (yoloScaleXY-1)/2
					}
					cx := (float32(col) + sx) * strideX
					cy := (float32(row) + sy) * strideY

					w := math32.Exp(at(2)) * anchor.W
					h := math32.Exp(at(3)) * anchor.H
					if softmaxClasses {
						w *= strideX
						h *= strideY
					}
					dec.add(images.RectFromCenter(cx, cy, w, h), class, conf)
				}
			}
		}
	}
	return nil
}
