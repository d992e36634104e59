// Package preprocess - Converts camera frames into network input blobs.
package preprocess

import (
	"image"

	"github.com/nvr-ai/go-dnn/inference"
	"gorgonia.org/tensor"
)

// PreProcessor turns an image into the input tensors of a network and remembers the
// geometry needed to map blob coordinates back to the image.
type PreProcessor interface {
	inference.Freezer

	// Process builds one blob per input descriptor. Ownership of the blobs passes to the
	// caller.
	Process(img image.Image, attrs []inference.TensorDescriptor) ([]*tensor.Dense, error)
	// ImageSize is the size of the last processed image.
	ImageSize() image.Point
	// BlobSize is the width and height of blob i of the last processed image.
	BlobSize(i int) image.Point
	// BlobToImage maps a point in blob i pixel coordinates to image pixel coordinates.
	BlobToImage(x, y float32, i int) (float32, float32)
	// Describe appends diagnostic lines about the last processed image.
	Describe(info *inference.Info)
}
