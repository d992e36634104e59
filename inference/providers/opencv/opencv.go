// Package opencv runs networks with the OpenCV DNN module.
package opencv

import (
	"encoding/binary"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

var backends = map[string]gocv.NetBackendType{
	"default":         gocv.NetBackendDefault,
	"opencv":          gocv.NetBackendOpenCV,
	"inferenceengine": gocv.NetBackendOpenVINO,
	"openvino":        gocv.NetBackendOpenVINO,
	"cuda":            gocv.NetBackendCUDA,
}

var targets = map[string]gocv.NetTargetType{
	"cpu":         gocv.NetTargetCPU,
	"opencl":      gocv.NetTargetFP32,
	"opencl_fp16": gocv.NetTargetFP16,
	"myriad":      gocv.NetTargetVPU,
	"cuda":        gocv.NetTargetCUDA,
}

// ParseBackend parses an OpenCV DNN backend name: Default, OpenCV, InferenceEngine
// (alias OpenVINO) or CUDA. Empty selects Default.
func ParseBackend(s string) (gocv.NetBackendType, error) {
	if s == "" {
		return gocv.NetBackendDefault, nil
	}
	b, ok := backends[strings.ToLower(s)]
	if !ok {
		return 0, inference.Configurationf("unknown OpenCV backend %q", s)
	}
	return b, nil
}

// ParseTarget parses an OpenCV DNN target name: CPU, OpenCL, OpenCL_FP16, Myriad or CUDA.
// Empty selects CPU.
func ParseTarget(s string) (gocv.NetTargetType, error) {
	if s == "" {
		return gocv.NetTargetCPU, nil
	}
	t, ok := targets[strings.ToLower(s)]
	if !ok {
		return 0, inference.Configurationf("unknown OpenCV target %q", s)
	}
	return t, nil
}

// Backend runs a single-input model read by gocv.ReadNet. OpenCV does not expose input
// shapes, so the input must be declared with intensors.
type Backend struct {
	inference.Guard

	log *logrus.Entry

	mu       sync.Mutex
	config   inference.NetworkConfig
	net      *gocv.Net
	ins      []inference.TensorDescriptor
	outs     []inference.TensorDescriptor
	outNames []string
}

// New creates an unloaded OpenCV backend.
//
// Arguments:
//   - config: The network settings; InTensors must declare one input.
//   - log: The logger, the standard logger when nil.
//
// Returns:
//   - *Backend: The backend, ready to be wrapped with inference.NewNetwork.
//   - error: ErrConfiguration for an invalid config.
func New(config inference.NetworkConfig, log *logrus.Entry) (*Backend, error) {
	if err := validate(config); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Backend{config: config, log: log.WithField("backend", "opencv")}, nil
}

func validate(config inference.NetworkConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	ins, _ := config.InputSpecs()
	if len(ins) != 1 {
		return inference.Configurationf("OpenCV networks need exactly one input in intensors, got %d", len(ins))
	}
	if _, err := ParseBackend(config.Backend); err != nil {
		return err
	}
	_, err := ParseTarget(config.Target)
	return err
}

// Config returns the active configuration.
func (b *Backend) Config() inference.NetworkConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// SetTarget changes the backend and target used by the next load. It fails with ErrFrozen
// while frozen.
func (b *Backend) SetTarget(backend, target string) error {
	if err := b.Check("target"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.config
	next.Backend, next.Target = backend, target
	if err := validate(next); err != nil {
		return err
	}
	b.config = next
	return nil
}

// Load reads the model and resolves the output layers.
func (b *Backend) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	model, cfg := b.config.ModelPath(), b.config.ConfigPath()
	if _, err := os.Stat(model); err != nil {
		return inference.Configurationf("model file not found: %s", model)
	}

	ins, _ := b.config.InputSpecs()
	outs, _ := b.config.OutputSpecs()
	backend, _ := ParseBackend(b.config.Backend)
	target, _ := ParseTarget(b.config.Target)

	net := gocv.ReadNet(model, cfg)
	if net.Empty() {
		return inference.Backendf("failed to load model %s (may be incompatible with OpenCV DNN)", model)
	}
	net.SetPreferableBackend(backend)
	net.SetPreferableTarget(target)

	var names []string
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		names = append(names, layer.GetName())
		layer.Close()
	}
	if len(names) == 0 {
		net.Close()
		return inference.Backendf("model %s has no output layers", model)
	}

	b.net, b.ins, b.outs, b.outNames = &net, ins, outs, names
	b.log.WithFields(logrus.Fields{"model": model, "outputs": names}).Info("✅ OpenCV network read")
	return nil
}

// InputShapes returns the declared inputs.
func (b *Backend) InputShapes() []inference.TensorDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ins
}

// OutputShapes returns the declared outputs, if any. OpenCV reports output shapes only
// after a forward pass.
func (b *Backend) OutputShapes() []inference.TensorDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outs
}

// Process sets one input per blob and runs a forward pass to every output layer.
func (b *Backend) Process(blobs []*tensor.Dense, info *inference.Info) ([]*tensor.Dense, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.net == nil {
		return nil, inference.Backendf("network is not loaded")
	}
	if len(blobs) != len(b.ins) {
		return nil, inference.Configurationf("network takes %d inputs, got %d blobs", len(b.ins), len(blobs))
	}

	for i, blob := range blobs {
		mat, err := toMat(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "input %d", i)
		}
		b.net.SetInput(mat, "")
		mat.Close()
	}

	mats := b.net.ForwardLayers(b.outNames)
	defer func() {
		for _, m := range mats {
			m.Close()
		}
	}()

	outs := make([]*tensor.Dense, len(mats))
	for i, m := range mats {
		t, err := toDense(m)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", b.outNames[i])
		}
		if b.config.Dequant && i < len(b.outs) && b.outs[i].Quant.Type != inference.QuantNone {
			if t, err = inference.Dequantize(t, b.outs[i]); err != nil {
				return nil, err
			}
		}
		outs[i] = t
	}

	info.Bulletf("Forward network (OpenCV, %d outputs)", len(outs))
	return outs, nil
}

// Close releases the network.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.net == nil {
		return nil
	}
	err := b.net.Close()
	b.net = nil
	return errors.Wrap(err, "close OpenCV network")
}

// toMat copies a blob into an N-dimensional Mat. 8U blobs stay 8U; everything else goes in
// as 32F.
func toMat(t *tensor.Dense) (gocv.Mat, error) {
	sizes := append([]int(nil), t.Shape()...)
	if raw, ok := t.Data().([]uint8); ok {
		return gocv.NewMatWithSizesFromBytes(sizes, gocv.MatTypeCV8U, raw)
	}

	vals, err := inference.Float32s(t)
	if err != nil {
		return gocv.Mat{}, err
	}
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return gocv.NewMatWithSizesFromBytes(sizes, gocv.MatTypeCV32F, buf)
}

// toDense copies a forward pass result into a float32 tensor.
func toDense(m gocv.Mat) (*tensor.Dense, error) {
	src := m
	if m.Type() != gocv.MatTypeCV32F {
		conv := gocv.NewMat()
		defer conv.Close()
		m.ConvertTo(&conv, gocv.MatTypeCV32F)
		src = conv
	}
	vals, err := src.DataPtrFloat32()
	if err != nil {
		return nil, inference.Backendf("reading output: %v", err)
	}
	shape := m.Size()
	if len(shape) == 0 {
		shape = []int{len(vals)}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]float32(nil), vals...))), nil
}
