package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
)

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Softmax writes the softmax of in to out (which may alias in) and returns the index of
// the largest input. The maximum is subtracted before exponentiation for stability.
//
// Arguments:
//   - in: The logits.
//   - out: Receives the probabilities; must be at least as long as in.
//   - temperature: Divides the logits; use 1 for a plain softmax.
//
// Returns:
//   - int: The index of the largest value, -1 for empty input.
func Softmax(in, out []float32, temperature float32) int {
	if len(in) == 0 {
		return -1
	}
	if temperature == 0 {
		temperature = 1
	}

	best := 0
	for i, v := range in {
		if v > in[best] {
			best = i
		}
	}
	largest := in[best]

	var sum float32
	for i, v := range in {
		e := math32.Exp((v - largest) / temperature)
		out[i] = e
		sum += e
	}
	for i := range in {
		out[i] /= sum
	}
	return best
}

// ArgMax returns the index and value of the largest element, (-1, 0) for empty input.
// Ties resolve to the lowest index.
func ArgMax(vals []float32) (int, float32) {
	if len(vals) == 0 {
		return -1, 0
	}
	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	return best, vals[best]
}

// TopK returns the indices of the k largest scores, by descending score and ascending index
// for equal scores.
func TopK(scores []float32, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	if k < len(idx) {
		idx = idx[:max(0, k)]
	}
	return idx
}
