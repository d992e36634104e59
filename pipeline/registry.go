package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"github.com/nvr-ai/go-dnn/inference/providers/graph"
	"github.com/nvr-ai/go-dnn/inference/providers/onnx"
	"github.com/nvr-ai/go-dnn/inference/providers/opencv"
	"github.com/nvr-ai/go-dnn/models/postprocess"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LabelLoader reads a class names file.
type LabelLoader func(path string) (postprocess.Labels, error)

// Registry creates pipeline components from a Config.
//
// The factory keeps component creation in one place, so adding a backend or a
// post-processor only touches this file.
type Registry struct {
	// Labels loads Config.Classes unless it names a builtin set. Without it, classes are
	// shown by index.
	Labels LabelLoader
	// Graphs holds the builders of Graph networks by name.
	Graphs map[string]graph.Builder
}

// NewPreProcessor creates the pre-processor of cfg, nil for Custom.
func (r *Registry) NewPreProcessor(cfg Config) (preprocess.PreProcessor, error) {
	switch cfg.PreProc {
	case PreProcBlob:
		return preprocess.NewBlob(cfg.Blob)
	case KindCustom:
		return nil, nil
	default:
		return nil, inference.Configurationf("unsupported preproc: %s", cfg.PreProc)
	}
}

// NewNetwork creates the unloaded network of cfg, nil for Custom.
//
// Arguments:
//   - cfg: The pipeline configuration.
//   - log: Passed to the network and its backend.
//
// Returns:
//   - *inference.Network: The network in StateUnloaded.
//   - error: ErrConfiguration if the type is unsupported or the parameters are invalid.
func (r *Registry) NewNetwork(cfg Config, log *logrus.Entry) (*inference.Network, error) {
	var backend inference.Backend
	switch cfg.NetType {
	case NetONNX:
		b, err := onnx.New(cfg.Network, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case NetOpenCV:
		b, err := opencv.New(cfg.Network.NetworkConfig, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case NetGraph:
		build, ok := r.Graphs[cfg.Graph]
		if !ok {
			return nil, inference.Configurationf("no graph builder named %q", cfg.Graph)
		}
		b, err := graph.New(cfg.Network.InTensors, build, log)
		if err != nil {
			return nil, err
		}
		backend = b
	case KindCustom:
		return nil, nil
	default:
		return nil, inference.Configurationf("unsupported nettype: %s", cfg.NetType)
	}

	return inference.NewNetwork(networkName(cfg), backend,
		inference.WithLogger(log),
		inference.WithFlattenOutputs(cfg.Network.FlattenOutputs),
	), nil
}

func networkName(cfg Config) string {
	if cfg.NetType == NetGraph {
		return cfg.Graph
	}
	if cfg.Network.Model != "" {
		return strings.TrimSuffix(filepath.Base(cfg.Network.Model), filepath.Ext(cfg.Network.Model))
	}
	return cfg.Name
}

// NewPostProcessor creates the post-processor of cfg, nil for Custom.
func (r *Registry) NewPostProcessor(cfg Config) (postprocess.PostProcessor, error) {
	if cfg.PostProc == KindCustom {
		return nil, nil
	}

	labels, err := r.labels(cfg.Classes)
	if err != nil {
		return nil, err
	}

	switch cfg.PostProc {
	case PostProcClassify:
		return postprocess.NewClassify(cfg.Classify, labels)
	case PostProcDetect:
		return postprocess.NewDetect(cfg.Detect, labels)
	case PostProcSegment:
		return postprocess.NewSegment(cfg.Segment, labels)
	default:
		return nil, inference.Configurationf("unsupported postproc: %s", cfg.PostProc)
	}
}

func (r *Registry) labels(path string) (postprocess.Labels, error) {
	if labels, ok := postprocess.BuiltinLabels(path); ok {
		return labels, nil
	}
	if path == "" || r.Labels == nil {
		return nil, nil
	}
	labels, err := r.Labels(path)
	if err != nil {
		return nil, errors.Wrapf(inference.ErrConfiguration, "loading classes %s: %v", path, err)
	}
	return labels, nil
}
