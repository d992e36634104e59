// Package images - Geometry helpers shared by the decoders.
package images

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// Rect is a bounding box in floating point pixel coordinates.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 float32
}

// RectFromCenter builds a Rect from a center point and a size.
//
// Arguments:
//   - cx, cy: The center of the box.
//   - w, h: The width and height of the box.
//
// Returns:
//   - Rect: The box spanning [cx-w/2, cx+w/2) x [cy-h/2, cy+h/2).
func RectFromCenter(cx, cy, w, h float32) Rect {
	return Rect{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// Width returns the horizontal extent of the box, or 0 when it is inverted.
func (r Rect) Width() float32 { return math32.Max(0, r.X2-r.X1) }

// Height returns the vertical extent of the box, or 0 when it is inverted.
func (r Rect) Height() float32 { return math32.Max(0, r.Y2-r.Y1) }

// Area returns Width() * Height().
func (r Rect) Area() float32 { return r.Width() * r.Height() }

// Center returns the center point of the box.
func (r Rect) Center() (float32, float32) { return (r.X1 + r.X2) / 2, (r.Y1 + r.Y2) / 2 }

// Empty reports whether the box covers no area.
func (r Rect) Empty() bool { return r.X2 <= r.X1 || r.Y2 <= r.Y1 }

// Clamp restricts the box to [0, w] x [0, h].
//
// The result always satisfies 0 <= X1 <= X2 <= w and 0 <= Y1 <= Y2 <= h, even for
// boxes that lie completely outside the image.
//
// Arguments:
//   - w: The image width.
//   - h: The image height.
//
// Returns:
//   - Rect: The clamped box.
func (r Rect) Clamp(w, h int) Rect {
	fw, fh := float32(w), float32(h)
	c := Rect{
		X1: Clamp(r.X1, 0, fw),
		Y1: Clamp(r.Y1, 0, fh),
		X2: Clamp(r.X2, 0, fw),
		Y2: Clamp(r.Y2, 0, fh),
	}
	if c.X2 < c.X1 {
		c.X2 = c.X1
	}
	if c.Y2 < c.Y1 {
		c.Y2 = c.Y1
	}
	return c
}

// Image converts the box to an integer image.Rectangle, rounding outwards.
func (r Rect) Image() image.Rectangle {
	return image.Rect(int(math32.Floor(r.X1)), int(math32.Floor(r.Y1)), int(math32.Ceil(r.X2)), int(math32.Ceil(r.Y2)))
}

// String renders the box as "x1,y1-x2,y2" with one decimal.
func (r Rect) String() string {
	return fmt.Sprintf("%.1f,%.1f-%.1f,%.1f", r.X1, r.Y1, r.X2, r.Y2)
}

// Clamp restricts v to the closed interval [lo, hi].
func Clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CalculateIoU returns the intersection over union of two boxes.
//
// IoU = Area of Intersection / Area of Union, a value between 0.0 (disjoint or
// touching) and 1.0 (identical). Degenerate boxes with no area yield 0.
//
// Arguments:
//   - r: The first box.
//   - o: The other box.
//
// Returns:
//   - float32: The IoU score in [0, 1].
//
// @example
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(a, b) // 25 / 175 = 0.142857
func CalculateIoU(r, o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}

	return interArea / unionArea
}
