package opencv

import (
	"testing"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestParseBackendAndTarget(t *testing.T) {
	backendTests := []struct {
		in   string
		want gocv.NetBackendType
		ok   bool
	}{
		{in: "", want: gocv.NetBackendDefault, ok: true},
		{in: "OpenCV", want: gocv.NetBackendOpenCV, ok: true},
		{in: "InferenceEngine", want: gocv.NetBackendOpenVINO, ok: true},
		{in: "halide"},
	}
	for _, tt := range backendTests {
		got, err := ParseBackend(tt.in)
		if !tt.ok {
			assert.True(t, errors.Is(err, inference.ErrConfiguration), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	targetTests := []struct {
		in   string
		want gocv.NetTargetType
		ok   bool
	}{
		{in: "", want: gocv.NetTargetCPU, ok: true},
		{in: "CPU", want: gocv.NetTargetCPU, ok: true},
		{in: "OpenCL_FP16", want: gocv.NetTargetFP16, ok: true},
		{in: "Myriad", want: gocv.NetTargetVPU, ok: true},
		{in: "TPU"},
	}
	for _, tt := range targetTests {
		got, err := ParseTarget(tt.in)
		if !tt.ok {
			assert.True(t, errors.Is(err, inference.ErrConfiguration), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestBackend_Config(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	entry := logrus.NewEntry(log)

	cfg := inference.DefaultNetworkConfig()
	cfg.Model = "mobilenet.onnx"

	_, err := New(cfg, entry)
	assert.True(t, errors.Is(err, inference.ErrConfiguration), "intensors are required")

	cfg.InTensors = "NCHW:32F:1x3x224x224"
	cfg.DataRoot = t.TempDir()
	b, err := New(cfg, entry)
	require.NoError(t, err)

	_, err = b.Process(nil, nil)
	assert.True(t, errors.Is(err, inference.ErrBackend))
	assert.True(t, errors.Is(b.Load(), inference.ErrConfiguration), "missing model file")
	require.NoError(t, b.Close())

	require.NoError(t, b.SetTarget("OpenCV", "OpenCL"))
	assert.Equal(t, "OpenCL", b.Config().Target)
	assert.True(t, errors.Is(b.SetTarget("OpenCV", "TPU"), inference.ErrConfiguration))
	assert.Equal(t, "OpenCL", b.Config().Target)

	b.Freeze(true)
	assert.True(t, errors.Is(b.SetTarget("Default", "CPU"), inference.ErrFrozen))
}
