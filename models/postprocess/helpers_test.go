package postprocess

import (
	"image"
	"image/color"

	"github.com/nvr-ai/go-dnn/images"
	"github.com/nvr-ai/go-dnn/inference"
	"gorgonia.org/tensor"
)

// fakePre maps blob coordinates to image coordinates with a uniform scale.
type fakePre struct {
	img, blob image.Point
	scale     float32
}

func (f *fakePre) Freeze(bool) {}

func (f *fakePre) Process(image.Image, []inference.TensorDescriptor) ([]*tensor.Dense, error) {
	return nil, nil
}

func (f *fakePre) ImageSize() image.Point   { return f.img }
func (f *fakePre) BlobSize(int) image.Point { return f.blob }
func (f *fakePre) Describe(*inference.Info) {}

func (f *fakePre) BlobToImage(x, y float32, _ int) (float32, float32) {
	s := f.scale
	if s == 0 {
		s = 1
	}
	return x * s, y * s
}

type recordingSink struct{ lines []string }

func (s *recordingSink) Send(line string) { s.lines = append(s.lines, line) }

type recordingOverlay struct {
	boxes []images.Rect
	texts []string
	masks int
}

func (o *recordingOverlay) DrawBox(box images.Rect, _ string, _ color.RGBA) { o.boxes = append(o.boxes, box) }
func (o *recordingOverlay) DrawText(line string, _ color.RGBA)              { o.texts = append(o.texts, line) }
func (o *recordingOverlay) DrawMask(*image.RGBA, images.Rect)               { o.masks++ }

func dense(shape []int, vals []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(vals))
}
