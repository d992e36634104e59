package providers

import (
	"runtime"
	"strings"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// OptimizationConfig contains the ONNX Runtime session settings.
//
// This configuration enables fine-tuning of ONNX Runtime behavior for the hardware the
// network runs on. Changes take effect at the next session load.
type OptimizationConfig struct {
	// GraphOptimization controls the level of graph optimization: "disable", "basic",
	// "extended" or "all".
	GraphOptimization string `json:"graphopt"  yaml:"graphopt"`

	// ExecutionMode controls sequential vs parallel execution of independent nodes:
	// "sequential" or "parallel".
	ExecutionMode string `json:"execmode"  yaml:"execmode"`

	// IntraOpNumThreads sets threads for parallelizing ops, 0 lets the runtime decide.
	IntraOpNumThreads int `json:"intraop"   yaml:"intraop"`

	// InterOpNumThreads sets threads for parallelizing independent ops, 0 lets the runtime
	// decide.
	InterOpNumThreads int `json:"interop"   yaml:"interop"`

	// ExecutionProviders in priority order. The CPU provider is always the final fallback.
	ExecutionProviders []ExecutionProviderConfig `json:"providers" yaml:"providers"`
}

// DefaultOptimizationConfig returns a production-ready optimization configuration
//
// This configuration provides sensible defaults for an embedded camera: extended graph
// rewrites, sequential execution and half the cores for intra-op parallelism, on the CPU.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		GraphOptimization: "extended",
		ExecutionMode:     "sequential",
		IntraOpNumThreads: max(1, runtime.NumCPU()/2),
		InterOpNumThreads: 1,
	}
}

var graphOptimizationLevels = map[string]ort.GraphOptimizationLevel{
	"disable":  ort.GraphOptimizationLevelDisableAll,
	"basic":    ort.GraphOptimizationLevelEnableBasic,
	"extended": ort.GraphOptimizationLevelEnableExtended,
	"all":      ort.GraphOptimizationLevelEnableAll,
}

var executionModes = map[string]ort.ExecutionMode{
	"sequential": ort.ExecutionModeSequential,
	"parallel":   ort.ExecutionModeParallel,
}

// Validate checks the enumerated fields and the provider list.
func (c OptimizationConfig) Validate() error {
	if _, err := c.graphOptimizationLevel(); err != nil {
		return err
	}
	if _, err := c.executionMode(); err != nil {
		return err
	}
	if c.IntraOpNumThreads < 0 || c.InterOpNumThreads < 0 {
		return inference.Configurationf("thread counts must be >= 0, got intra %d inter %d",
			c.IntraOpNumThreads, c.InterOpNumThreads)
	}
	for _, p := range c.ExecutionProviders {
		if _, err := ParseProviderBackend(string(p.Provider)); err != nil {
			return err
		}
	}
	return nil
}

func (c OptimizationConfig) graphOptimizationLevel() (ort.GraphOptimizationLevel, error) {
	if c.GraphOptimization == "" {
		return ort.GraphOptimizationLevelEnableExtended, nil
	}
	level, ok := graphOptimizationLevels[strings.ToLower(c.GraphOptimization)]
	if !ok {
		return 0, inference.Configurationf("unknown graph optimization level %q", c.GraphOptimization)
	}
	return level, nil
}

func (c OptimizationConfig) executionMode() (ort.ExecutionMode, error) {
	if c.ExecutionMode == "" {
		return ort.ExecutionModeSequential, nil
	}
	mode, ok := executionModes[strings.ToLower(c.ExecutionMode)]
	if !ok {
		return 0, inference.Configurationf("unknown execution mode %q", c.ExecutionMode)
	}
	return mode, nil
}

// OptimizedSessionOptions applies the optimization settings to new ONNX Runtime session
// options.
//
// Execution providers are appended in priority order. A provider that cannot be enabled is
// logged and skipped unless it is marked Required.
//
// Arguments:
//   - config: Optimization configuration to apply
//   - log: Receives provider warnings.
//
// Returns:
//   - *ort.SessionOptions: Configured session options, destroyed by the caller.
//   - error: Configuration error if any
//
// @example
// options, err := OptimizedSessionOptions(DefaultOptimizationConfig(), log)
//
//	if err != nil {
//	    return err
//	}
//
// defer options.Destroy()
func OptimizedSessionOptions(config OptimizationConfig, log *logrus.Entry) (*ort.SessionOptions, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	level, _ := config.graphOptimizationLevel()
	mode, _ := config.executionMode()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, inference.Backendf("failed to create session options: %v", err)
	}

	apply := []struct {
		what string
		fn   func() error
	}{
		{"graph optimization level", func() error { return options.SetGraphOptimizationLevel(level) }},
		{"execution mode", func() error { return options.SetExecutionMode(mode) }},
		{"intra-op threads", func() error { return options.SetIntraOpNumThreads(config.IntraOpNumThreads) }},
		{"inter-op threads", func() error { return options.SetInterOpNumThreads(config.InterOpNumThreads) }},
	}
	for _, a := range apply {
		if err := a.fn(); err != nil {
			options.Destroy()
			return nil, inference.Backendf("failed to set %s: %v", a.what, err)
		}
	}

	for _, p := range config.ExecutionProviders {
		if err := appendExecutionProvider(options, p); err != nil {
			if p.Required {
				options.Destroy()
				return nil, inference.Backendf("failed to enable %s provider: %v", p.Provider, err)
			}
			log.WithError(err).WithField("provider", p.Provider).Warn("⚠️ execution provider unavailable, skipping")
		}
	}

	return options, nil
}

func appendExecutionProvider(options *ort.SessionOptions, p ExecutionProviderConfig) error {
	backend, err := ParseProviderBackend(string(p.Provider))
	if err != nil {
		return err
	}

	switch backend {
	case CoreMLProviderBackend:
		return options.AppendExecutionProviderCoreML(p.CoreML.Flags())
	case OpenVINOProviderBackend:
		return options.AppendExecutionProviderOpenVINO(p.OpenVINO.Map())
	case CUDAProviderBackend:
		cuda, err := p.CUDA.ToNativeProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "append CUDA")
	}

	// CPU provider is always available, no explicit configuration needed.
	return nil
}
