package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-dnn/images"
)

// Classification is one recognized category of a whole image.
type Classification struct {
	// The class index, with the class offset applied.
	Class int
	// The score in [0, 1] after softmax and score scaling.
	Score float32
	// The class name, or the class index when no name is known.
	Label string
}

// String renders "label: 87.5".
func (c Classification) String() string {
	return fmt.Sprintf("%s: %.1f", c.Label, c.Score*100)
}

// Detection represents a single detected object.
type Detection struct {
	// The bounding box in image pixel coordinates.
	Box images.Rect
	// The confidence score of the detection.
	Score float32
	// The predicted class index, with the class offset applied.
	Class int
	// The class name, or the class index when no name is known.
	Label string
}

// String renders "label: 87.5 x1,y1-x2,y2".
func (d Detection) String() string {
	return fmt.Sprintf("%s: %.1f %s", d.Label, d.Score*100, d.Box)
}
