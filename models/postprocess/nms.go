package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-dnn/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap above which the lower scoring box is suppressed.
	ClassAware   bool    // If true, suppress only within same class.
}

// ApplyGreedyNMS performs greedy Non-Maximum Suppression.
//
// Candidates are sorted by descending score (stable, so equal scores keep their input
// order). The best remaining candidate is kept and every remaining candidate overlapping
// it by more than the threshold is dropped, until none remain. With ClassAware set, only
// candidates of the same class suppress each other.
//
// Arguments:
//   - detections: The candidates, in any order. The slice is reordered.
//   - config: NMS configuration.
//
// Returns:
//   - The kept detections by descending score. If no detections are provided, returns nil.
func ApplyGreedyNMS(detections []Detection, config NMSConfig) []Detection {
	n := len(detections)
	if n == 0 {
		return nil
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})

	filtered := make([]Detection, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && detections[j].Class != anchor.Class {
				continue
			}
			if images.CalculateIoU(anchor.Box, detections[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
