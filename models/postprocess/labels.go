package postprocess

import (
	"image/color"
	"strconv"
)

// Labels maps class indices to class names. Loading the file is up to the caller.
type Labels map[int]string

// Label returns the name of class id, or the id itself when it has no name.
func (l Labels) Label(id int) string {
	if name, ok := l[id]; ok {
		return name
	}
	return strconv.Itoa(id)
}

// StringToRGBA hashes label into a color with the given alpha. The same label always
// yields the same color, independent of its class index.
//
// Arguments:
//   - label: The class name.
//   - alpha: The alpha of the returned color.
//
// Returns:
//   - color.RGBA: The color.
func StringToRGBA(label string, alpha uint8) color.RGBA {
	col := int32(-0x7f7f7f80) // 0x80808080
	for i := 0; i < len(label); i++ {
		col = int32(label[i]) + ((col << 5) - col)
	}
	return color.RGBA{
		R: uint8(col >> 16),
		G: uint8(col >> 8),
		B: uint8(col),
		A: alpha,
	}
}
