package inference

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// State is the lifecycle state of a Network.
type State int32

// Network states. Transitions only go forward: Unloaded -> Loading -> Ready | Failed.
const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Backend is the engine-specific part of a network.
//
// Load runs at most once, possibly on a background goroutine. The other methods are only
// called after Load returned nil.
type Backend interface {
	// Load reads the model and prepares the engine.
	Load() error
	// InputShapes describes the tensors Process expects.
	InputShapes() []TensorDescriptor
	// OutputShapes describes the tensors Process returns.
	OutputShapes() []TensorDescriptor
	// Process runs one inference. Diagnostic lines may be appended to info.
	Process(blobs []*tensor.Dense, info *Info) ([]*tensor.Dense, error)
	// Close releases engine resources.
	Close() error
}

// Freezer is implemented by components whose structural parameters can be locked.
type Freezer interface {
	Freeze(doit bool)
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *logrus.Entry) NetworkOption {
	return func(n *Network) { n.log = log }
}

// WithFlattenOutputs concatenates all outputs into a single 1D float32 tensor.
func WithFlattenOutputs(doit bool) NetworkOption {
	return func(n *Network) { n.flatten = doit }
}

// Network wraps a Backend with a load-once lifecycle that is safe to observe from any
// goroutine while a background load is running.
type Network struct {
	name    string
	backend Backend
	log     *logrus.Entry
	flatten bool

	state   atomic.Int32
	closing atomic.Bool

	// mu orders load start against teardown.
	mu      sync.Mutex
	started bool
	loaded  chan struct{}
	err     error

	closeOnce sync.Once
	closeErr  error
}

// NewNetwork wraps backend in an unloaded Network.
//
// Arguments:
//   - name: A short name used in logs and diagnostics.
//   - backend: The engine-specific implementation.
//   - opts: Optional settings.
//
// Returns:
//   - *Network: The network in StateUnloaded.
//
// @example
//
//	net := inference.NewNetwork("yolo", backend, inference.WithLogger(log))
//	net.LoadAsync()
func NewNetwork(name string, backend Backend, opts ...NetworkOption) *Network {
	n := &Network{
		name:    name,
		backend: backend,
		loaded:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = logrus.NewEntry(logrus.StandardLogger())
	}
	n.log = n.log.WithField("network", name)
	return n
}

// Name returns the name given at construction.
func (n *Network) Name() string { return n.name }

// Backend returns the wrapped backend.
func (n *Network) Backend() Backend { return n.backend }

// State returns the current lifecycle state.
func (n *Network) State() State { return State(n.state.Load()) }

// Err returns the load error once the network is Failed, nil otherwise.
func (n *Network) Err() error {
	if n.State() != StateFailed {
		return nil
	}
	return n.err
}

// Ready reports whether the load completed successfully and no teardown is pending.
func (n *Network) Ready() bool {
	return n.State() == StateReady && !n.closing.Load()
}

// Load loads the network synchronously. Only the first call to Load or LoadAsync starts a
// load; later calls wait for nothing and return the current load error, if any.
func (n *Network) Load() error {
	if !n.begin() {
		return n.Err()
	}
	n.run()
	return n.Err()
}

// LoadAsync starts loading the network on a background goroutine and returns immediately.
func (n *Network) LoadAsync() {
	if n.begin() {
		go n.run()
	}
}

func (n *Network) begin() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closing.Load() {
		return false
	}
	n.started = true
	n.state.Store(int32(StateLoading))
	return true
}

func (n *Network) run() {
	defer close(n.loaded)

	start := time.Now()
	n.log.Info("⏳ loading network")

	if err := n.load(); err != nil {
		n.err = err
		n.state.Store(int32(StateFailed))
		n.log.WithError(err).Error("❌ network load failed")
		return
	}

	n.state.Store(int32(StateReady))
	n.log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("✅ network loaded")
}

func (n *Network) load() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Backendf("panic while loading %s: %v", n.name, r)
		}
	}()

	if err := n.backend.Load(); err != nil {
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrBackend) {
			return err
		}
		return Backendf("loading %s: %v", n.name, err)
	}
	return nil
}

// WaitBeforeDestroy marks the network for teardown and blocks until any load in progress
// has finished. Once it returns no load can start and Ready reports false.
func (n *Network) WaitBeforeDestroy() {
	n.mu.Lock()
	n.closing.Store(true)
	started := n.started
	n.mu.Unlock()

	if started {
		<-n.loaded
	}
}

// Close waits for any load in progress and releases the backend. It is safe to call more
// than once.
func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		n.WaitBeforeDestroy()
		if err := n.backend.Close(); err != nil {
			n.closeErr = Backendf("closing %s: %v", n.name, err)
		}
		n.log.Debug("network closed")
	})
	return n.closeErr
}

// Freeze locks or unlocks the structural parameters of the backend, when it has any.
func (n *Network) Freeze(doit bool) {
	if f, ok := n.backend.(Freezer); ok {
		f.Freeze(doit)
	}
}

// InputShapes describes the expected inputs. It fails with ErrNotReady before Ready.
func (n *Network) InputShapes() ([]TensorDescriptor, error) {
	if !n.Ready() {
		return nil, errors.Wrapf(ErrNotReady, "%s is %s", n.name, n.State())
	}
	return n.backend.InputShapes(), nil
}

// OutputShapes describes the produced outputs. It fails with ErrNotReady before Ready.
func (n *Network) OutputShapes() ([]TensorDescriptor, error) {
	if !n.Ready() {
		return nil, errors.Wrapf(ErrNotReady, "%s is %s", n.name, n.State())
	}
	return n.backend.OutputShapes(), nil
}

// Process runs one inference on blobs.
//
// When the network is not ready it returns no outputs, no error and leaves info
// untouched; callers show a loading message instead.
//
// Arguments:
//   - blobs: The input tensors, one per input descriptor. Ownership passes to the network.
//   - info: Receives diagnostic lines. May be nil.
//
// Returns:
//   - []*tensor.Dense: The output tensors, owned by the caller.
//   - error: ErrBackend or ErrDecode on failure.
func (n *Network) Process(blobs []*tensor.Dense, info *Info) ([]*tensor.Dense, error) {
	if !n.Ready() {
		return nil, nil
	}

	outs, err := n.backend.Process(blobs, info)
	if err != nil {
		if errors.Is(err, ErrDecode) || errors.Is(err, ErrBackend) {
			return nil, err
		}
		return nil, Backendf("%s: %v", n.name, err)
	}

	if n.flatten {
		flat, err := Flatten(outs)
		if err != nil {
			return nil, err
		}
		outs = []*tensor.Dense{flat}
	}
	return outs, nil
}
