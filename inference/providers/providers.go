// Package providers - ONNX Runtime environment, session options and execution providers.
package providers

import (
	"strings"

	"github.com/nvr-ai/go-dnn/inference"
)

// ProviderBackend represents different ONNX Runtime execution providers.
type ProviderBackend string

const (
	// CPUProviderBackend uses the default CPU kernels. It is always available.
	CPUProviderBackend ProviderBackend = "cpu"

	// CUDAProviderBackend uses NVIDIA CUDA for GPU acceleration.
	CUDAProviderBackend ProviderBackend = "cuda"

	// CoreMLProviderBackend uses Apple CoreML for macOS/iOS acceleration.
	CoreMLProviderBackend ProviderBackend = "coreml"

	// OpenVINOProviderBackend uses Intel OpenVINO for inference optimization.
	OpenVINOProviderBackend ProviderBackend = "openvino"
)

// ParseProviderBackend parses an execution provider name, case insensitive. An empty name
// selects the CPU.
func ParseProviderBackend(s string) (ProviderBackend, error) {
	switch b := ProviderBackend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return CPUProviderBackend, nil
	case CPUProviderBackend, CUDAProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend:
		return b, nil
	default:
		return "", inference.Configurationf("unknown execution provider %q", s)
	}
}

// UnmarshalText parses an execution provider name.
func (b *ProviderBackend) UnmarshalText(text []byte) error {
	v, err := ParseProviderBackend(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ExecutionProviderConfig contains configuration for a specific execution provider.
type ExecutionProviderConfig struct {
	// Provider specifies which execution provider to use.
	Provider ProviderBackend `json:"provider" yaml:"provider"`

	// CUDA options, used when Provider is cuda.
	CUDA CUDAOptions `json:"cuda" yaml:"cuda"`

	// CoreML options, used when Provider is coreml.
	CoreML CoreMLOptions `json:"coreml" yaml:"coreml"`

	// OpenVINO options, used when Provider is openvino.
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`

	// Required fails the session when the provider cannot be enabled. Otherwise the
	// failure is logged and the next provider (ultimately the CPU) takes over.
	Required bool `json:"required" yaml:"required"`
}
