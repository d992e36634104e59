// Package onnx runs networks with ONNX Runtime.
package onnx

import (
	"sync"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/providers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Config holds the parameters of an ONNX Runtime network.
type Config struct {
	inference.NetworkConfig `yaml:",inline"`

	// Optimization holds the session settings and execution providers.
	Optimization providers.OptimizationConfig `json:"optimization" yaml:"optimization"`

	// Library is the ONNX Runtime shared library, see providers.GetSharedLibPath.
	Library string `json:"library" yaml:"library"`
}

// DefaultConfig returns the shared network defaults and the default optimization settings.
func DefaultConfig() Config {
	return Config{
		NetworkConfig: inference.DefaultNetworkConfig(),
		Optimization:  providers.DefaultOptimizationConfig(),
	}
}

// Validate checks the network and optimization settings.
func (c Config) Validate() error {
	if err := c.NetworkConfig.Validate(); err != nil {
		return err
	}
	return c.Optimization.Validate()
}

// Backend runs an ONNX model through a dynamic session. Outputs are allocated by the
// runtime on every call.
type Backend struct {
	inference.Guard

	log *logrus.Entry

	mu     sync.Mutex
	config Config

	session  *ort.DynamicAdvancedSession
	inNames  []string
	outNames []string
	ins      []inference.TensorDescriptor
	outs     []inference.TensorDescriptor
}

// New creates an unloaded ONNX backend.
//
// Arguments:
//   - config: The network and session settings.
//   - log: The logger, the standard logger when nil.
//
// Returns:
//   - *Backend: The backend, ready to be wrapped with inference.NewNetwork.
//   - error: ErrConfiguration for an invalid config.
func New(config Config, log *logrus.Entry) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Backend{config: config, log: log.WithField("backend", "onnx")}, nil
}

// Config returns the active configuration.
func (b *Backend) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// SetOptimization replaces the session settings. They take effect at the next load of a new
// Network. It fails with ErrFrozen while frozen.
func (b *Backend) SetOptimization(opt providers.OptimizationConfig) error {
	if err := b.Check("optimization"); err != nil {
		return err
	}
	if err := opt.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.config.Optimization = opt
	b.mu.Unlock()
	return nil
}

// Load initializes the runtime, reads the model signature and creates the session.
func (b *Backend) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := providers.InitializeEnvironment(b.config.Library, b.log); err != nil {
		return err
	}

	model := b.config.ModelPath()
	inputs, outputs, err := ort.GetInputOutputInfo(model)
	if err != nil {
		return inference.Backendf("reading %s: %v", model, err)
	}

	inSpecs, _ := b.config.InputSpecs()
	outSpecs, _ := b.config.OutputSpecs()
	if b.ins, b.inNames, err = describe(inputs, inSpecs); err != nil {
		return errors.Wrap(err, "inputs")
	}
	if b.outs, b.outNames, err = describe(outputs, outSpecs); err != nil {
		return errors.Wrap(err, "outputs")
	}

	options, err := providers.OptimizedSessionOptions(b.config.Optimization, b.log)
	if err != nil {
		return err
	}
	defer options.Destroy()

	b.session, err = ort.NewDynamicAdvancedSession(model, b.inNames, b.outNames, options)
	if err != nil {
		return inference.Backendf("error creating ORT session: %v", err)
	}

	for _, d := range b.ins {
		b.log.WithField("tensor", d.String()).Debug("input")
	}
	for _, d := range b.outs {
		b.log.WithField("tensor", d.String()).Debug("output")
	}
	return nil
}

// describe converts the model signature to descriptors. Specs, when given, must list every
// tensor and take precedence over the model (dynamic dimensions need them).
func describe(infos []ort.InputOutputInfo, specs []inference.TensorDescriptor) ([]inference.TensorDescriptor, []string, error) {
	if len(specs) > 0 && len(specs) != len(infos) {
		return nil, nil, inference.Configurationf("model has %d tensors but %d specs were given", len(infos), len(specs))
	}

	descs := make([]inference.TensorDescriptor, len(infos))
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		if len(specs) > 0 {
			descs[i] = specs[i]
			continue
		}

		typ, err := dataType(info.DataType)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %q", info.Name)
		}
		d := inference.TensorDescriptor{Type: typ}
		for _, v := range info.Dimensions {
			if v < 1 {
				// Dynamic axis; batch and the like default to 1.
				v = 1
			}
			d.Dims = append(d.Dims, int(v))
		}
		if len(d.Dims) == 4 {
			d.Layout = inference.LayoutAuto
		}
		descs[i] = d
	}
	return descs, names, nil
}

func dataType(t ort.TensorElementDataType) (inference.DataType, error) {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return inference.Type32F, nil
	case ort.TensorElementDataTypeDouble:
		return inference.Type64F, nil
	case ort.TensorElementDataTypeFloat16:
		return inference.Type16F, nil
	case ort.TensorElementDataTypeUint8:
		return inference.Type8U, nil
	case ort.TensorElementDataTypeInt8:
		return inference.Type8S, nil
	case ort.TensorElementDataTypeUint16:
		return inference.Type16U, nil
	case ort.TensorElementDataTypeInt16:
		return inference.Type16S, nil
	case ort.TensorElementDataTypeUint32:
		return inference.Type32U, nil
	case ort.TensorElementDataTypeInt32, ort.TensorElementDataTypeInt64:
		// Int64 outputs (class ids, counts) are narrowed on the way out.
		return inference.Type32S, nil
	default:
		return 0, inference.Configurationf("unsupported element type %v", t)
	}
}

// InputShapes describes the model inputs.
func (b *Backend) InputShapes() []inference.TensorDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ins
}

// OutputShapes describes the model outputs.
func (b *Backend) OutputShapes() []inference.TensorDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outs
}

// Process runs the session on blobs, one per model input in order.
func (b *Backend) Process(blobs []*tensor.Dense, info *inference.Info) ([]*tensor.Dense, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return nil, inference.Backendf("session is not loaded")
	}
	if len(blobs) != len(b.inNames) {
		return nil, inference.Configurationf("network takes %d inputs, got %d blobs", len(b.inNames), len(blobs))
	}

	inputs := make([]ort.Value, 0, len(blobs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for i, blob := range blobs {
		v, err := toValue(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", b.inNames[i])
		}
		inputs = append(inputs, v)
	}

	outputs := make([]ort.Value, len(b.outNames))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, errors.Wrap(err, "run")
	}

	outs := make([]*tensor.Dense, len(outputs))
	for i, v := range outputs {
		t, err := toDense(v)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", b.outNames[i])
		}
		if b.config.Dequant && i < len(b.outs) {
			if t, err = dequantize(t, b.outs[i]); err != nil {
				return nil, err
			}
		}
		outs[i] = t
	}

	info.Bulletf("Forward network (onnxruntime, %d in, %d out)", len(inputs), len(outs))
	return outs, nil
}

// dequantize converts quantized and half float outputs to float32, leaving the rest alone.
func dequantize(t *tensor.Dense, desc inference.TensorDescriptor) (*tensor.Dense, error) {
	if desc.Quant.Type == inference.QuantNone && desc.Type != inference.Type16F {
		return t, nil
	}
	return inference.Dequantize(t, desc)
}

// Close destroys the session.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	if err != nil {
		return inference.Backendf("error destroying ORT session: %v", err)
	}
	return nil
}
