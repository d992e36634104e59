package inference

import "path/filepath"

// NetworkConfig holds the parameters shared by every network backend.
type NetworkConfig struct {
	// DataRoot is prepended to relative model and config paths.
	DataRoot string `json:"dataroot"       yaml:"dataroot"`
	// Config is the optional network structure file (e.g. a darknet .cfg).
	Config string `json:"config"         yaml:"config"`
	// Model is the weights file.
	Model string `json:"model"          yaml:"model"`
	// Backend selects the engine backend (backend specific, e.g. "OpenCV").
	Backend string `json:"backend"        yaml:"backend"`
	// Target selects the compute target (backend specific, e.g. "CPU", "OpenCL").
	Target string `json:"target"         yaml:"target"`
	// InTensors overrides or declares the input tensors, see ParseTensorSpecs.
	InTensors string `json:"intensors"      yaml:"intensors"`
	// OutTensors overrides or declares the output tensors, see ParseTensorSpecs.
	OutTensors string `json:"outtensors"     yaml:"outtensors"`
	// Dequant converts quantized outputs to float32.
	Dequant bool `json:"dequant"        yaml:"dequant"`
	// FlattenOutputs concatenates all outputs into one 1D tensor.
	FlattenOutputs bool `json:"flattenoutputs" yaml:"flattenoutputs"`
}

// DefaultNetworkConfig returns the defaults applied before a configuration is decoded.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Target:  "CPU",
		Dequant: true,
	}
}

// ModelPath returns Model resolved against DataRoot.
func (c NetworkConfig) ModelPath() string { return c.resolve(c.Model) }

// ConfigPath returns Config resolved against DataRoot, or "" when unset.
func (c NetworkConfig) ConfigPath() string { return c.resolve(c.Config) }

func (c NetworkConfig) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.DataRoot == "" {
		return p
	}
	return filepath.Join(c.DataRoot, p)
}

// InputSpecs parses InTensors.
func (c NetworkConfig) InputSpecs() ([]TensorDescriptor, error) { return ParseTensorSpecs(c.InTensors) }

// OutputSpecs parses OutTensors.
func (c NetworkConfig) OutputSpecs() ([]TensorDescriptor, error) {
	return ParseTensorSpecs(c.OutTensors)
}

// Validate checks the fields every backend relies on.
func (c NetworkConfig) Validate() error {
	if c.Model == "" {
		return Configurationf("network model file is required")
	}
	if _, err := c.InputSpecs(); err != nil {
		return err
	}
	if _, err := c.OutputSpecs(); err != nil {
		return err
	}
	return nil
}
