// Package pipeline schedules pre-processing, network inference and post-processing on a
// stream of frames.
package pipeline

import (
	"strings"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"github.com/nvr-ai/go-dnn/inference/providers/onnx"
	"github.com/nvr-ai/go-dnn/models/postprocess"
)

// Processing selects how the network is scheduled against the frame loop.
type Processing int

const (
	// Sync runs pre-processing, network and post-processing in sequence on every frame. Use
	// for networks faster than the frame interval.
	Sync Processing = iota
	// Async runs the network on a background goroutine; its results are picked up by a
	// later frame.
	Async
)

func (p Processing) String() string {
	if p == Sync {
		return "Sync"
	}
	return "Async"
}

// UnmarshalText parses "Sync" or "Async", case insensitive.
func (p *Processing) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "sync":
		*p = Sync
	case "async":
		*p = Async
	default:
		return inference.Configurationf("unknown processing %q", text)
	}
	return nil
}

// MarshalText returns the mode name.
func (p Processing) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Component kinds. Custom leaves the component to SetCustomPreProcessor,
// SetCustomNetwork or SetCustomPostProcessor.
const (
	KindCustom = "Custom"

	PreProcBlob = "Blob"

	NetONNX   = "ONNX"
	NetOpenCV = "OpenCV"
	NetGraph  = "Graph"

	PostProcClassify = "Classify"
	PostProcDetect   = "Detect"
	PostProcSegment  = "Segment"
)

// DefaultRetryInterval is the number of frames between attempts after a pipeline failure.
const DefaultRetryInterval = 30

// Config is a fully resolved pipeline: which components to use and their parameters. Zoo
// lookup happens before a Config is built.
type Config struct {
	// Name identifies the pipeline in logs.
	Name string `json:"name"          yaml:"name"`
	// PreProc is Blob or Custom.
	PreProc string `json:"preproc"       yaml:"preproc"`
	// NetType is ONNX, OpenCV, Graph or Custom.
	NetType string `json:"nettype"       yaml:"nettype"`
	// PostProc is Classify, Detect, Segment or Custom.
	PostProc string `json:"postproc"      yaml:"postproc"`
	// Processing is Sync or Async.
	Processing Processing `json:"processing"    yaml:"processing"`
	// Overlay enables drawing of results.
	Overlay bool `json:"overlay"       yaml:"overlay"`
	// RetryInterval is the number of frames between attempts once the pipeline failed.
	RetryInterval int `json:"retryinterval" yaml:"retryinterval"`
	// Classes is the label file, loaded through the registry's LabelLoader.
	Classes string `json:"classes"       yaml:"classes"`
	// Graph names the builder of a Graph network in the registry.
	Graph string `json:"graph"         yaml:"graph"`

	Blob     preprocess.Config          `json:"blob"     yaml:"blob"`
	Network  onnx.Config                `json:"network"  yaml:"network"`
	Classify postprocess.ClassifyConfig `json:"classify" yaml:"classify"`
	Detect   postprocess.DetectConfig   `json:"detect"   yaml:"detect"`
	Segment  postprocess.SegmentConfig  `json:"segment"  yaml:"segment"`
}

// DefaultConfig returns an async Blob -> ONNX -> Detect pipeline with overlay and the
// defaults of every component. Decode a file over it to override.
func DefaultConfig() Config {
	return Config{
		Name:          "pipeline",
		PreProc:       PreProcBlob,
		NetType:       NetONNX,
		PostProc:      PostProcDetect,
		Processing:    Async,
		Overlay:       true,
		RetryInterval: DefaultRetryInterval,
		Blob:          preprocess.DefaultConfig(),
		Network:       onnx.DefaultConfig(),
		Classify:      postprocess.DefaultClassifyConfig(),
		Detect:        postprocess.DefaultDetectConfig(),
		Segment:       postprocess.DefaultSegmentConfig(),
	}
}

// Validate checks the component kinds and the parameters of the selected components.
func (c Config) Validate() error {
	if c.RetryInterval < 1 {
		return inference.Configurationf("retryinterval must be >= 1, got %d", c.RetryInterval)
	}

	switch c.PreProc {
	case PreProcBlob:
		if err := c.Blob.Validate(); err != nil {
			return err
		}
	case KindCustom:
	default:
		return inference.Configurationf("unknown preproc %q", c.PreProc)
	}

	switch c.NetType {
	case NetONNX:
		if err := c.Network.Validate(); err != nil {
			return err
		}
	case NetOpenCV:
		if err := c.Network.NetworkConfig.Validate(); err != nil {
			return err
		}
	case NetGraph:
		if c.Graph == "" {
			return inference.Configurationf("nettype Graph needs a graph name")
		}
	case KindCustom:
	default:
		return inference.Configurationf("unknown nettype %q", c.NetType)
	}

	switch c.PostProc {
	case PostProcClassify:
		return c.Classify.Validate()
	case PostProcDetect:
		return c.Detect.Validate()
	case PostProcSegment, KindCustom:
		return nil
	default:
		return inference.Configurationf("unknown postproc %q", c.PostProc)
	}
}
