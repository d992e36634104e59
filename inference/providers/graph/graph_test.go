package graph

import (
	"testing"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func nullEntry() *logrus.Entry {
	log, _ := logtest.NewNullLogger()
	return logrus.NewEntry(log)
}

func double(g *G.ExprGraph, in []*G.Node) ([]*G.Node, error) {
	out, err := G.Add(in[0], in[0])
	if err != nil {
		return nil, err
	}
	return []*G.Node{out}, nil
}

func TestBackend_Double(t *testing.T) {
	b, err := New("32F:1x4", double, nullEntry())
	require.NoError(t, err)

	net := inference.NewNetwork("double", b, inference.WithLogger(nullEntry()))
	require.NoError(t, net.Load())
	defer net.Close()

	outShapes, err := net.OutputShapes()
	require.NoError(t, err)
	require.Len(t, outShapes, 1)
	assert.Equal(t, "2D 1x4 32F", outShapes[0].String())

	for _, in := range [][]float32{{1, 2, 3, 4}, {-1, 0, 0.5, 10}} {
		blob := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(append([]float32(nil), in...)))
		var info inference.Info
		outs, err := net.Process([]*tensor.Dense{blob}, &info)
		require.NoError(t, err)
		require.Len(t, outs, 1)

		want := make([]float32, len(in))
		for i, v := range in {
			want[i] = 2 * v
		}
		assert.Equal(t, want, outs[0].Data(), "the tape resets between frames")
		assert.Equal(t, []string{"- Forward network (graph, 1 outputs)"}, info.Lines())
	}
}

func TestBackend_Errors(t *testing.T) {
	_, err := New("32F:1x4", nil, nil)
	assert.True(t, errors.Is(err, inference.ErrConfiguration))

	_, err = New("", double, nil)
	assert.True(t, errors.Is(err, inference.ErrConfiguration))

	_, err = New("8U:1x4", double, nil)
	assert.True(t, errors.Is(err, inference.ErrConfiguration))

	failing := func(*G.ExprGraph, []*G.Node) ([]*G.Node, error) { return nil, errors.New("boom") }
	b, err := New("32F:4", failing, nullEntry())
	require.NoError(t, err)
	assert.Error(t, b.Load())
	_, err = b.Process(nil, nil)
	assert.True(t, errors.Is(err, inference.ErrBackend))

	b, err = New("32F:4", double, nullEntry())
	require.NoError(t, err)
	require.NoError(t, b.Load())
	_, err = b.Process(nil, nil)
	assert.True(t, errors.Is(err, inference.ErrConfiguration))
	require.NoError(t, b.Close())

	require.NoError(t, b.SetInputs("64F:2"))
	assert.Equal(t, inference.Type64F, b.InputShapes()[0].Type)
	b.Freeze(true)
	assert.True(t, errors.Is(b.SetInputs("32F:4"), inference.ErrFrozen))
}
