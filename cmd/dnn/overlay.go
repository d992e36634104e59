package main

import (
	"image"
	"image/color"

	"github.com/nvr-ai/go-dnn/images"
	"gocv.io/x/gocv"
)

// matOverlay draws pipeline results on a BGR frame.
type matOverlay struct {
	mat  *gocv.Mat
	line int
}

func (o *matOverlay) DrawBox(box images.Rect, label string, c color.RGBA) {
	r := box.Image()
	gocv.Rectangle(o.mat, r, c, 2)
	gocv.PutText(o.mat, label, image.Pt(r.Min.X+3, r.Min.Y+15), gocv.FontHersheySimplex, 0.5, c, 1)
}

func (o *matOverlay) DrawText(line string, c color.RGBA) {
	o.line++
	gocv.PutText(o.mat, line, image.Pt(5, 5+15*o.line), gocv.FontHersheySimplex, 0.45, c, 1)
}

// DrawMask adds the premultiplied mask over dst.
func (o *matOverlay) DrawMask(mask *image.RGBA, dst images.Rect) {
	r := dst.Image().Intersect(image.Rect(0, 0, o.mat.Cols(), o.mat.Rows()))
	if r.Empty() {
		return
	}

	m, err := gocv.ImageToMatRGB(mask)
	if err != nil {
		return
	}
	defer m.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(m, &scaled, r.Size(), 0, 0, gocv.InterpolationNearestNeighbor)

	roi := o.mat.Region(r)
	defer roi.Close()
	gocv.AddWeighted(roi, 1, scaled, 1, 0, &roi)
}
