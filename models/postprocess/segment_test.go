package postprocess

import (
	"image"
	"testing"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestSegment_ClassFirst(t *testing.T) {
	// 3 classes x 2x2 pixels; class 1 wins everywhere except the top-left corner where the
	// background class 0 dominates.
	vals := []float32{
		0.9, 0.1, 0.1, 0.1, // class 0
		0.05, 0.8, 0.7, 0.6, // class 1
		0.05, 0.1, 0.2, 0.3, // class 2
	}
	labels := Labels{0: "background", 1: "person", 2: "car"}
	seg, err := NewSegment(SegmentConfig{Type: SegClasses2, BgID: 0, Alpha: 128}, labels)
	require.NoError(t, err)
	require.NoError(t, seg.Process([]*tensor.Dense{dense([]int{1, 3, 2, 2}, vals)}, nil))

	w, h, classes, scores := seg.ClassMap()
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, h)
	assert.Equal(t, []int{0, 1, 1, 1}, classes)
	assert.InDeltaSlice(t, []float32{0.9, 0.8, 0.7, 0.6}, scores, 1e-6)

	mask := seg.Mask()
	require.NotNil(t, mask)
	assert.Equal(t, uint8(0), mask.RGBAAt(0, 0).A, "background is transparent")

	want := StringToRGBA("person", 128)
	for _, p := range []image.Point{{1, 0}, {0, 1}, {1, 1}} {
		got := mask.RGBAAt(p.X, p.Y)
		assert.Equal(t, uint8(128), got.A)
		assert.Equal(t, uint8(uint16(want.R)*128/255), got.R)
		assert.Equal(t, mask.RGBAAt(1, 0), got, "one class, one color")
	}
}

func TestSegment_ClassLastAndArgMax(t *testing.T) {
	t.Run("class last", func(t *testing.T) {
		// 1x2 pixels, 3 classes each.
		vals := []float32{0.1, 0.2, 0.7, 0.6, 0.3, 0.1}
		seg, err := NewSegment(SegmentConfig{Type: SegClasses, Alpha: 64}, nil)
		require.NoError(t, err)
		require.NoError(t, seg.Process([]*tensor.Dense{dense([]int{1, 1, 2, 3}, vals)}, nil))

		_, _, classes, _ := seg.ClassMap()
		assert.Equal(t, []int{2, 0}, classes)
	})

	t.Run("argmax", func(t *testing.T) {
		ids := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking([]uint8{0, 4, 4, 2, 0, 0}))
		seg, err := NewSegment(SegmentConfig{Type: SegArgMax, BgID: 4, Alpha: 64}, nil)
		require.NoError(t, err)
		require.NoError(t, seg.Process([]*tensor.Dense{ids}, nil))

		w, h, classes, _ := seg.ClassMap()
		assert.Equal(t, 3, w)
		assert.Equal(t, 2, h)
		assert.Equal(t, []int{0, 4, 4, 2, 0, 0}, classes)
		assert.Equal(t, uint8(0), seg.Mask().RGBAAt(1, 0).A)
		assert.Equal(t, uint8(64), seg.Mask().RGBAAt(0, 0).A)
	})

	t.Run("bad batch", func(t *testing.T) {
		seg, err := NewSegment(DefaultSegmentConfig(), nil)
		require.NoError(t, err)
		err = seg.Process([]*tensor.Dense{dense([]int{2, 1, 1, 3}, make([]float32, 6))}, nil)
		assert.True(t, errors.Is(err, inference.ErrDecode))
		assert.Nil(t, seg.Mask())
	})
}

func TestSegment_Report(t *testing.T) {
	seg, err := NewSegment(SegmentConfig{Type: SegClasses2, Alpha: 64}, Labels{1: "road", 2: "tree"})
	require.NoError(t, err)

	sink := &recordingSink{}
	seg.Report(sink, nil, true, false)
	assert.Empty(t, sink.lines, "nothing to report before the first result")

	vals := []float32{
		0, 0, // class 0
		1, 0, // class 1
		0, 1, // class 2
	}
	pre := &fakePre{img: image.Pt(4, 2), blob: image.Pt(2, 1), scale: 2}
	require.NoError(t, seg.Process([]*tensor.Dense{dense([]int{3, 1, 2}, vals)}, pre))

	ovl := &recordingOverlay{}
	seg.Report(sink, ovl, true, false)
	assert.Equal(t, []string{"segment: road,tree"}, sink.lines)
	assert.Equal(t, 1, ovl.masks)

	seg.Report(nil, ovl, true, true)
	assert.Equal(t, 1, ovl.masks, "idle frames draw nothing")

	seg.Freeze(true)
	assert.True(t, errors.Is(seg.SetConfig(SegmentConfig{Type: SegArgMax}), inference.ErrFrozen))
	require.NoError(t, seg.SetConfig(SegmentConfig{Type: SegClasses2, Alpha: 200}))
}

func TestSegment_SetConfigRejectsUnknownType(t *testing.T) {
	seg, err := NewSegment(DefaultSegmentConfig(), nil)
	require.NoError(t, err)

	for _, typ := range []SegType{-1, SegArgMax + 1} {
		err := seg.SetConfig(SegmentConfig{Type: typ, Alpha: 64})
		assert.True(t, errors.Is(err, inference.ErrConfiguration), "type %d: %v", int(typ), err)
	}
	assert.Equal(t, DefaultSegmentConfig(), seg.Config(), "rejected configs leave the active one")

	_, err = NewSegment(SegmentConfig{Type: SegArgMax + 1}, nil)
	assert.True(t, errors.Is(err, inference.ErrConfiguration))
}

func TestSegment_LargeBackgroundID(t *testing.T) {
	ids := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]int32{300, 7}))
	seg, err := NewSegment(SegmentConfig{Type: SegArgMax, BgID: 300, Alpha: 64}, nil)
	require.NoError(t, err)
	require.NoError(t, seg.Process([]*tensor.Dense{ids}, nil))

	_, _, classes, _ := seg.ClassMap()
	assert.Equal(t, []int{300, 7}, classes)
	assert.Equal(t, uint8(0), seg.Mask().RGBAAt(0, 0).A)
	assert.Equal(t, uint8(64), seg.Mask().RGBAAt(1, 0).A)
}

func TestScoresAndLabels(t *testing.T) {
	out := make([]float32, 3)
	best := Softmax([]float32{1000, 1001, 1002}, out, 1)
	assert.Equal(t, 2, best)
	assert.InDelta(t, 1, out[0]+out[1]+out[2], 1e-5)
	assert.InDelta(t, 0.6652, out[2], 1e-3)
	assert.Equal(t, -1, Softmax(nil, nil, 1))

	assert.Equal(t, []int{1, 3, 0}, TopK([]float32{0.2, 0.5, 0.1, 0.5}, 3))
	assert.Equal(t, []int{}, TopK([]float32{1}, 0))
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-7)

	assert.Equal(t, "dog", Labels{7: "dog"}.Label(7))
	assert.Equal(t, "8", Labels{7: "dog"}.Label(8))

	c1 := StringToRGBA("person", 255)
	assert.Equal(t, c1, StringToRGBA("person", 255))
	assert.NotEqual(t, c1, StringToRGBA("car", 255))
	assert.Equal(t, uint8(10), StringToRGBA("person", 10).A)
}
