// Package graph runs custom networks expressed as Gorgonia expression graphs.
package graph

import (
	"fmt"
	"sync"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Builder adds a network to g on top of the input nodes and returns its output nodes.
type Builder func(g *G.ExprGraph, inputs []*G.Node) ([]*G.Node, error)

// Backend compiles the graph produced by a Builder and runs it on a tape machine.
type Backend struct {
	inference.Guard

	log *logrus.Entry

	mu      sync.Mutex
	build   Builder
	vm      G.VM
	inputs  []*G.Node
	values  []G.Value
	ins     []inference.TensorDescriptor
	outs    []inference.TensorDescriptor
}

// New creates an unloaded graph backend.
//
// Arguments:
//   - intensors: The input tensors, see inference.ParseTensorSpecs. Only 32F and 64F.
//   - build: Constructs the network.
//   - log: The logger, the standard logger when nil.
//
// Returns:
//   - *Backend: The backend, ready to be wrapped with inference.NewNetwork.
//   - error: ErrConfiguration for missing or unsupported inputs.
//
// @example
//
//	double := func(g *G.ExprGraph, in []*G.Node) ([]*G.Node, error) {
//		out, err := G.Add(in[0], in[0])
//		return []*G.Node{out}, err
//	}
//	b, err := graph.New("32F:1x4", double, log)
func New(intensors string, build Builder, log *logrus.Entry) (*Backend, error) {
	if build == nil {
		return nil, inference.Configurationf("graph network needs a builder")
	}
	ins, err := parseInputs(intensors)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Backend{build: build, ins: ins, log: log.WithField("backend", "graph")}, nil
}

func parseInputs(intensors string) ([]inference.TensorDescriptor, error) {
	ins, err := inference.ParseTensorSpecs(intensors)
	if err != nil {
		return nil, err
	}
	if len(ins) == 0 {
		return nil, inference.Configurationf("graph network needs intensors")
	}
	for _, d := range ins {
		if d.Type != inference.Type32F && d.Type != inference.Type64F {
			return nil, inference.Configurationf("graph inputs must be 32F or 64F, got %s", d)
		}
	}
	return ins, nil
}

// SetInputs replaces the input declaration used by the next load. It fails with ErrFrozen
// while frozen.
func (b *Backend) SetInputs(intensors string) error {
	if err := b.Check("intensors"); err != nil {
		return err
	}
	ins, err := parseInputs(intensors)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.ins = ins
	b.mu.Unlock()
	return nil
}

// Load builds the graph and compiles it.
func (b *Backend) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := G.NewGraph()
	inputs := make([]*G.Node, len(b.ins))
	for i, d := range b.ins {
		inputs[i] = G.NewTensor(g, d.Type.Dtype(), len(d.Dims), G.WithShape(d.Dims...), G.WithName(fmt.Sprintf("input%d", i)))
	}

	outputs, err := b.build(g, inputs)
	if err != nil {
		return errors.Wrap(err, "building graph")
	}
	if len(outputs) == 0 {
		return inference.Configurationf("graph builder returned no outputs")
	}

	values := make([]G.Value, len(outputs))
	outs := make([]inference.TensorDescriptor, len(outputs))
	for i, n := range outputs {
		G.Read(n, &values[i])
		outs[i] = inference.TensorDescriptor{Dims: append([]int(nil), n.Shape()...), Type: inference.Type32F}
		if n.Dtype() == tensor.Float64 {
			outs[i].Type = inference.Type64F
		}
	}

	b.vm = G.NewTapeMachine(g)
	b.inputs, b.values, b.outs = inputs, values, outs
	b.log.WithField("nodes", len(g.AllNodes())).Info("✅ graph compiled")
	return nil
}

// InputShapes returns the declared inputs.
func (b *Backend) InputShapes() []inference.TensorDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ins
}

// OutputShapes returns the shapes of the builder's output nodes.
func (b *Backend) OutputShapes() []inference.TensorDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outs
}

// Process binds the blobs to the input nodes and runs the tape once.
func (b *Backend) Process(blobs []*tensor.Dense, info *inference.Info) ([]*tensor.Dense, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.vm == nil {
		return nil, inference.Backendf("graph is not compiled")
	}
	if len(blobs) != len(b.inputs) {
		return nil, inference.Configurationf("graph takes %d inputs, got %d blobs", len(b.inputs), len(blobs))
	}

	for i, blob := range blobs {
		if err := G.Let(b.inputs[i], blob); err != nil {
			return nil, errors.Wrapf(err, "binding input %d", i)
		}
	}

	defer b.vm.Reset()
	if err := b.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running tape machine")
	}

	outs := make([]*tensor.Dense, len(b.values))
	for i, v := range b.values {
		d, ok := v.(*tensor.Dense)
		if !ok {
			return nil, inference.Backendf("output %d is %T, not a dense tensor", i, v)
		}
		outs[i] = d.Clone().(*tensor.Dense)
	}

	info.Bulletf("Forward network (graph, %d outputs)", len(outs))
	return outs, nil
}

// Close releases the tape machine.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vm == nil {
		return nil
	}
	err := b.vm.Close()
	b.vm = nil
	return errors.Wrap(err, "closing tape machine")
}
