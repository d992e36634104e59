// Package postprocess - Decodes raw network outputs into classifications, detections and
// segmentation masks.
package postprocess

import (
	"image"
	"image/color"

	"github.com/nvr-ai/go-dnn/images"
	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"gorgonia.org/tensor"
)

// Sink receives one formatted line per result, e.g. a serial port writer.
type Sink interface {
	Send(line string)
}

// Overlay draws results over the displayed frame.
type Overlay interface {
	// DrawBox draws a labeled box in image coordinates.
	DrawBox(box images.Rect, label string, c color.RGBA)
	// DrawText writes one line of text in the info area.
	DrawText(line string, c color.RGBA)
	// DrawMask blends mask over dst, in image coordinates.
	DrawMask(mask *image.RGBA, dst images.Rect)
}

// PostProcessor decodes network outputs and reports the results.
//
// Process keeps its results until the next successful Process, so Report can be called on
// every frame even when no new outputs arrived.
type PostProcessor interface {
	inference.Freezer

	// Process decodes outs. Ownership of outs passes to the post-processor. On error the
	// previous results are cleared.
	Process(outs []*tensor.Dense, pre preprocess.PreProcessor) error
	// Report sends the current results to sink and, when overlay is set and the pipeline is
	// not idle, draws them on ovl. Either destination may be nil.
	Report(sink Sink, ovl Overlay, overlay, idle bool)
}

// textColor is used for overlay text lines.
var textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}

func sendAll(sink Sink, lines []string) {
	if sink == nil {
		return
	}
	for _, l := range lines {
		sink.Send(l)
	}
}
