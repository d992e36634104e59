package providers

import (
	"testing"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseProviderBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    ProviderBackend
		wantErr bool
	}{
		{in: "", want: CPUProviderBackend},
		{in: "CPU", want: CPUProviderBackend},
		{in: " cuda ", want: CUDAProviderBackend},
		{in: "CoreML", want: CoreMLProviderBackend},
		{in: "openvino", want: OpenVINOProviderBackend},
		{in: "tpu", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProviderBackend(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, inference.ErrConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptimizationConfig_Validate(t *testing.T) {
	def := DefaultOptimizationConfig()
	require.NoError(t, def.Validate())
	assert.GreaterOrEqual(t, def.IntraOpNumThreads, 1)

	tests := []struct {
		name   string
		mutate func(*OptimizationConfig)
	}{
		{name: "graph level", mutate: func(c *OptimizationConfig) { c.GraphOptimization = "max" }},
		{name: "exec mode", mutate: func(c *OptimizationConfig) { c.ExecutionMode = "fast" }},
		{name: "threads", mutate: func(c *OptimizationConfig) { c.IntraOpNumThreads = -1 }},
		{name: "provider", mutate: func(c *OptimizationConfig) {
			c.ExecutionProviders = []ExecutionProviderConfig{{Provider: "tpu"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultOptimizationConfig()
			tt.mutate(&c)
			assert.True(t, errors.Is(c.Validate(), inference.ErrConfiguration))
		})
	}
}

func TestOptimizationConfig_YAML(t *testing.T) {
	doc := `
graphopt: all
execmode: parallel
intraop: 2
providers:
  - provider: CUDA
    required: true
    cuda:
      deviceID: 1
      gpuMemLimit: 1024
  - provider: coreml
    coreml:
      cpuOnly: true
      mlProgram: true
`
	var c OptimizationConfig
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))
	require.NoError(t, c.Validate())
	require.Len(t, c.ExecutionProviders, 2)

	cuda := c.ExecutionProviders[0]
	assert.Equal(t, CUDAProviderBackend, cuda.Provider)
	assert.True(t, cuda.Required)
	assert.Equal(t, map[string]string{"device_id": "1", "gpu_mem_limit": "1024"}, cuda.CUDA.Map())

	coreml := c.ExecutionProviders[1]
	assert.Equal(t, coreMLFlagUseCPUOnly|coreMLFlagCreateMLProgram, coreml.CoreML.Flags())

	var bad OptimizationConfig
	err := yaml.Unmarshal([]byte("providers: [{provider: tpu}]"), &bad)
	assert.Error(t, err)
}

func TestOpenVINOOptions_Map(t *testing.T) {
	assert.Empty(t, OpenVINOOptions{}.Map())
	assert.Equal(t, map[string]string{
		"device_type":    "GPU",
		"precision":      "FP16",
		"num_of_threads": "4",
	}, OpenVINOOptions{DeviceType: "GPU", Precision: "FP16", NumOfThreads: 4}.Map())
}

func TestGetSharedLibPath(t *testing.T) {
	t.Setenv(SharedLibEnv, "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", GetSharedLibPath())
}
