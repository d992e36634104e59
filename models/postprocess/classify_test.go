package postprocess

import (
	"testing"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestClassify_TopK(t *testing.T) {
	scores := []float32{0.05, 0.30, 0.10, 0.30, 0.25, 0.90}

	tests := []struct {
		name    string
		top     int
		thresh  float32
		classes []int
	}{
		{name: "top 3", top: 3, thresh: 0, classes: []int{5, 1, 3}},
		{name: "threshold cuts", top: 5, thresh: 26, classes: []int{5, 1, 3}},
		{name: "threshold inclusive", top: 5, thresh: 25, classes: []int{5, 1, 3, 4}},
		{name: "top 1", top: 1, thresh: 0, classes: []int{5}},
		{name: "nothing above", top: 5, thresh: 95, classes: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClassifyConfig()
			cfg.Top, cfg.Thresh = tt.top, tt.thresh
			c, err := NewClassify(cfg, nil)
			require.NoError(t, err)

			require.NoError(t, c.Process([]*tensor.Dense{dense([]int{1, 6}, append([]float32(nil), scores...))}, nil))
			results := c.Results()

			require.LessOrEqual(t, len(results), tt.top)
			var got []int
			for i, r := range results {
				got = append(got, r.Class)
				assert.GreaterOrEqual(t, r.Score*100, tt.thresh)
				if i > 0 {
					prev := results[i-1]
					assert.True(t, prev.Score > r.Score || (prev.Score == r.Score && prev.Class < r.Class))
				}
			}
			assert.Equal(t, tt.classes, got)
		})
	}
}

func TestClassify_ClassOffset(t *testing.T) {
	labels := Labels{0: "background", 1: "cat", 2: "dog"}
	scores := []float32{0.9, 0.05, 0.05}

	for offset, want := range map[int]string{0: "background", 1: "cat", 2: "dog", 5: "5"} {
		cfg := DefaultClassifyConfig()
		cfg.ClassOffset, cfg.Top = offset, 1
		c, err := NewClassify(cfg, labels)
		require.NoError(t, err)

		require.NoError(t, c.Process([]*tensor.Dense{dense([]int{3}, append([]float32(nil), scores...))}, nil))
		results := c.Results()
		require.Len(t, results, 1)
		assert.Equal(t, want, results[0].Label)
		assert.Equal(t, offset, results[0].Class)
	}
}

func TestClassify_SoftmaxScaleAndConcat(t *testing.T) {
	cfg := DefaultClassifyConfig()
	cfg.Softmax = true
	cfg.ScoreScale = 0.5
	cfg.Thresh = 0
	c, err := NewClassify(cfg, Labels{3: "last"})
	require.NoError(t, err)

	outs := []*tensor.Dense{dense([]int{2}, []float32{0, 0}), dense([]int{2}, []float32{0, 0})}
	require.NoError(t, c.Process(outs, nil))

	results := c.Results()
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, i, r.Class, "ties keep ascending class order")
		assert.InDelta(t, 0.125, r.Score, 1e-6)
	}
	assert.Equal(t, "last", results[3].Label)
}

func TestClassify_ErrorsAndReport(t *testing.T) {
	c, err := NewClassify(DefaultClassifyConfig(), Labels{1: "cat"})
	require.NoError(t, err)

	err = c.Process(nil, nil)
	assert.True(t, errors.Is(err, inference.ErrDecode))
	assert.Empty(t, c.Results())

	require.NoError(t, c.Process([]*tensor.Dense{dense([]int{2}, []float32{0.125, 0.875})}, nil))

	sink := &recordingSink{}
	ovl := &recordingOverlay{}
	c.Report(sink, ovl, true, false)
	assert.Equal(t, []string{"cat: 87.5"}, sink.lines)
	assert.Equal(t, []string{"cat: 87.5"}, ovl.texts)

	idle := &recordingOverlay{}
	c.Report(nil, idle, true, true)
	assert.Empty(t, idle.texts)
}

func TestClassify_Freeze(t *testing.T) {
	c, err := NewClassify(DefaultClassifyConfig(), nil)
	require.NoError(t, err)
	c.Freeze(true)

	cfg := c.Config()
	cfg.Thresh = 50
	require.NoError(t, c.SetConfig(cfg), "thresholds stay mutable while frozen")

	cfg.ClassOffset = 1
	assert.True(t, errors.Is(c.SetConfig(cfg), inference.ErrFrozen))
	assert.True(t, errors.Is(c.SetLabels(Labels{}), inference.ErrFrozen))
	assert.Equal(t, float32(50), c.Config().Thresh)
	assert.Equal(t, 0, c.Config().ClassOffset)

	_, err = NewClassify(ClassifyConfig{Top: 0, Thresh: 10}, nil)
	assert.True(t, errors.Is(err, inference.ErrConfiguration))
}
