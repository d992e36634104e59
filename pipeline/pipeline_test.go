package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"github.com/nvr-ai/go-dnn/inference/providers/graph"
	"github.com/nvr-ai/go-dnn/models/postprocess"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const testInputs = "NCHW:32F:1x3x4x4"

func nullEntry() *logrus.Entry {
	log, _ := logtest.NewNullLogger()
	return logrus.NewEntry(log)
}

// fakeBackend echoes its inputs after an optional delay.
type fakeBackend struct {
	delay   time.Duration
	gate    chan struct{}
	loadErr error

	mu     sync.Mutex
	err    error
	panics bool

	inflight    atomic.Int32
	maxInflight atomic.Int32
	calls       atomic.Int32
	closed      atomic.Int32
}

func (b *fakeBackend) Load() error {
	if b.gate != nil {
		<-b.gate
	}
	return b.loadErr
}

func (b *fakeBackend) InputShapes() []inference.TensorDescriptor {
	attrs, _ := inference.ParseTensorSpecs(testInputs)
	return attrs
}

func (b *fakeBackend) OutputShapes() []inference.TensorDescriptor { return b.InputShapes() }

func (b *fakeBackend) Process(blobs []*tensor.Dense, info *inference.Info) ([]*tensor.Dense, error) {
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		m := b.maxInflight.Load()
		if n <= m || b.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	b.calls.Add(1)
	time.Sleep(b.delay)

	b.mu.Lock()
	err, panics := b.err, b.panics
	b.mu.Unlock()
	if panics {
		panic("kaboom")
	}
	if err != nil {
		return nil, err
	}
	info.Bullet("fake forward")
	return blobs, nil
}

func (b *fakeBackend) Close() error {
	b.closed.Add(1)
	return nil
}

func (b *fakeBackend) fail(err error, panics bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err, b.panics = err, panics
}

// recorder is a post-processor that counts its calls. It is only used from the frame
// goroutine.
type recorder struct {
	inference.Guard
	processed int
	reported  int
	lastShape tensor.Shape
	err       error
}

func (r *recorder) Process(outs []*tensor.Dense, _ preprocess.PreProcessor) error {
	r.processed++
	if len(outs) > 0 {
		r.lastShape = outs[0].Shape().Clone()
	}
	return r.err
}

func (r *recorder) Report(sink postprocess.Sink, _ postprocess.Overlay, _, _ bool) {
	r.reported++
	if sink != nil {
		sink.Send(fmt.Sprintf("results %d", r.processed))
	}
}

type lineSink struct{ lines []string }

func (s *lineSink) Send(line string) { s.lines = append(s.lines, line) }

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(1, 1, color.RGBA{R: 10, A: 255})
	return img
}

func newTestPipeline(t *testing.T, reg *Registry, log *logrus.Entry, backend *fakeBackend, mode Processing) (*Pipeline, *recorder) {
	t.Helper()
	if log == nil {
		log = nullEntry()
	}

	p := New(reg, log)
	t.Cleanup(func() { _ = p.Close() })

	pre, err := preprocess.NewBlob(preprocess.DefaultConfig())
	require.NoError(t, err)
	post := &recorder{}

	p.SetCustomPreProcessor(pre)
	p.SetCustomPostProcessor(post)
	p.SetCustomNetwork(inference.NewNetwork("fake", backend, inference.WithLogger(nullEntry())))
	p.SetProcessing(mode)
	require.Eventually(t, p.Ready, time.Second, time.Millisecond)
	return p, post
}

func hasPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func TestPipeline_Sync(t *testing.T) {
	p, post := newTestPipeline(t, nil, nil, &fakeBackend{}, Sync)

	sink := &lineSink{}
	for i := 1; i <= 2; i++ {
		var info inference.Info
		p.Process(testImage(), sink, nil, &info, false)

		assert.Equal(t, i, post.processed)
		assert.Equal(t, i, post.reported)

		lines := info.Lines()
		assert.Contains(t, lines, "* Pre-Processing")
		assert.Contains(t, lines, "* Network")
		assert.Contains(t, lines, "- fake forward")
		assert.Contains(t, lines, "* Processing")
		assert.True(t, hasPrefix(lines, "- PreProc: "))
		assert.True(t, hasPrefix(lines, "- Network: "))
		assert.True(t, hasPrefix(lines, "- PstProc: "))
		assert.Contains(t, lines[len(lines)-1], "fps)")
	}
	assert.Equal(t, []string{"results 1", "results 2"}, sink.lines)
	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, post.lastShape)
}

func TestPipeline_AsyncFrameTimeExcludesNetwork(t *testing.T) {
	backend := &fakeBackend{delay: 80 * time.Millisecond}
	p, post := newTestPipeline(t, nil, nil, backend, Async)

	frames := 0
	deadline := time.Now().Add(5 * time.Second)
	for post.processed < 3 && time.Now().Before(deadline) {
		var info inference.Info
		p.Process(testImage(), nil, nil, &info, false)
		frames++

		assert.Less(t, p.FrameTime(), 40*time.Millisecond, "frame %d waited on the network", frames)
		assert.Contains(t, info.Lines(), "* Processing")
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, 3, post.processed)
	assert.Greater(t, frames, post.processed, "frames keep flowing while the network runs")
	assert.Equal(t, frames, post.reported, "last results are reported on every frame")
	assert.Equal(t, int32(1), backend.maxInflight.Load())
}

func TestPipeline_AsyncNetworkInfo(t *testing.T) {
	p, post := newTestPipeline(t, nil, nil, &fakeBackend{}, Async)

	var info inference.Info
	p.Process(testImage(), nil, nil, &info, false)
	assert.Contains(t, info.Lines(), "- Total: -", "nothing completed yet")

	require.Eventually(t, func() bool {
		info.Reset()
		p.Process(testImage(), nil, nil, &info, false)
		return post.processed > 0
	}, time.Second, time.Millisecond)

	assert.Contains(t, info.Lines(), "- fake forward")
	assert.NotContains(t, info.Lines(), "- Total: -")
}

func TestPipeline_NotReady(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}

	p := New(nil, nullEntry())
	defer p.Close()

	var info inference.Info
	p.Process(testImage(), nil, nil, &info, false)
	assert.Equal(t, []string{"* Network", "- No pre-processor"}, info.Lines())

	pre, err := preprocess.NewBlob(preprocess.DefaultConfig())
	require.NoError(t, err)
	post := &recorder{}
	p.SetCustomPreProcessor(pre)
	p.SetCustomPostProcessor(post)
	p.SetCustomNetwork(inference.NewNetwork("fake", backend))

	info.Reset()
	p.Process(testImage(), nil, nil, &info, false)
	assert.Equal(t, []string{"* Network", "- Loading..."}, info.Lines())
	assert.Zero(t, post.processed)
	assert.False(t, p.Ready())

	close(gate)
	require.Eventually(t, p.Ready, time.Second, time.Millisecond)
}

func TestPipeline_LoadFailed(t *testing.T) {
	backend := &fakeBackend{loadErr: errors.New("no such model")}
	net := inference.NewNetwork("fake", backend, inference.WithLogger(nullEntry()))

	p := New(nil, nullEntry())
	defer p.Close()
	pre, err := preprocess.NewBlob(preprocess.DefaultConfig())
	require.NoError(t, err)
	p.SetCustomPreProcessor(pre)
	p.SetCustomPostProcessor(&recorder{})
	p.SetCustomNetwork(net)

	require.Eventually(t, func() bool { return net.State() == inference.StateFailed }, time.Second, time.Millisecond)

	var info inference.Info
	p.Process(testImage(), nil, nil, &info, false)
	lines := info.Lines()
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "- Load failed: "))
	assert.Contains(t, lines[1], "no such model")
}

func TestPipeline_FailureThrottle(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	p, post := newTestPipeline(t, nil, logrus.NewEntry(logger), &fakeBackend{}, Sync)

	cfg := p.Config()
	cfg.RetryInterval = 3
	require.NoError(t, p.Apply(cfg), "custom kinds keep the installed components")
	require.Eventually(t, p.Ready, time.Second, time.Millisecond)

	post.err = errors.New("bad outputs")
	var attempts []bool
	for i := 0; i < 7; i++ {
		before := post.processed
		var info inference.Info
		p.Process(testImage(), nil, nil, &info, false)
		attempts = append(attempts, post.processed > before)
		assert.Equal(t, []string{"* Error", "- post-processing: bad outputs"}, info.Lines())
	}
	assert.Equal(t, []bool{true, false, false, true, false, false, true}, attempts)

	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged, "a failure is logged once")

	// The next attempt is two frames away.
	post.err = nil
	var info inference.Info
	for i := 0; i < 3; i++ {
		info.Reset()
		p.Process(testImage(), nil, nil, &info, false)
	}
	assert.Contains(t, info.Lines(), "* Processing")

	processed := post.processed
	p.Process(testImage(), nil, nil, nil, false)
	assert.Equal(t, processed+1, post.processed, "the flag clears after a successful frame")
}

func TestPipeline_PanicsAreCaught(t *testing.T) {
	tests := []struct {
		name string
		mode Processing
	}{
		{name: "sync", mode: Sync},
		{name: "async", mode: Async},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{}
			backend.fail(nil, true)
			p, post := newTestPipeline(t, nil, nil, backend, tt.mode)

			var info inference.Info
			require.NotPanics(t, func() {
				require.Eventually(t, func() bool {
					info.Reset()
					p.Process(testImage(), nil, nil, &info, false)
					return hasPrefix(info.Lines(), "* Error")
				}, time.Second, time.Millisecond)
			})
			assert.Contains(t, strings.Join(info.Lines(), "\n"), "kaboom")
			assert.Zero(t, post.processed)
		})
	}
}

func TestPipeline_NetworkErrorAsync(t *testing.T) {
	backend := &fakeBackend{}
	backend.fail(inference.Backendf("device lost"), false)
	p, _ := newTestPipeline(t, nil, nil, backend, Async)

	var info inference.Info
	require.Eventually(t, func() bool {
		info.Reset()
		p.Process(testImage(), nil, nil, &info, false)
		return hasPrefix(info.Lines(), "* Error")
	}, time.Second, time.Millisecond)
	assert.Contains(t, info.Lines()[1], "device lost")
}

func double(_ *G.ExprGraph, in []*G.Node) ([]*G.Node, error) {
	out, err := G.Add(in[0], in[0])
	if err != nil {
		return nil, err
	}
	return []*G.Node{out}, nil
}

func TestPipeline_HotSwap(t *testing.T) {
	reg := &Registry{Graphs: map[string]graph.Builder{"double": double}}
	backend := &fakeBackend{delay: 100 * time.Millisecond}
	p, post := newTestPipeline(t, reg, nil, backend, Async)

	// Leave an inference in flight.
	p.Process(testImage(), nil, nil, nil, false)
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)

	cfg := p.Config()
	cfg.NetType = NetGraph
	cfg.Graph = "double"
	cfg.Network.InTensors = testInputs
	require.NoError(t, p.Apply(cfg))

	assert.Equal(t, int32(1), backend.closed.Load(), "old network closed")
	assert.Zero(t, backend.inflight.Load())
	assert.Zero(t, post.processed, "pending result discarded")
	assert.Equal(t, NetGraph, p.Config().NetType)

	require.Eventually(t, p.Ready, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		p.Process(testImage(), nil, nil, nil, false)
		return post.processed > 0
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, tensor.Shape{1, 3, 4, 4}, post.lastShape)
	assert.Equal(t, int32(1), backend.calls.Load(), "old backend not used after the swap")
}

func TestPipeline_ApplyInvalidKeepsPipeline(t *testing.T) {
	backend := &fakeBackend{}
	p, _ := newTestPipeline(t, nil, nil, backend, Sync)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown postproc", mutate: func(c *Config) { c.PostProc = "Pose" }},
		{name: "unknown graph", mutate: func(c *Config) { c.NetType, c.Graph = NetGraph, "missing" }},
		{name: "opencv without inputs", mutate: func(c *Config) { c.NetType, c.Network.Model = NetOpenCV, "m.onnx" }},
		{name: "zero retry", mutate: func(c *Config) { c.RetryInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := p.Config()
			tt.mutate(&cfg)
			err := p.Apply(cfg)
			assert.True(t, errors.Is(err, inference.ErrConfiguration), "got %v", err)
			assert.True(t, p.Ready())
			assert.Zero(t, backend.closed.Load())
		})
	}
}

func TestPipeline_Freeze(t *testing.T) {
	p, post := newTestPipeline(t, nil, nil, &fakeBackend{}, Sync)
	pre, err := preprocess.NewBlob(preprocess.DefaultConfig())
	require.NoError(t, err)
	p.SetCustomPreProcessor(pre)

	p.Freeze(true)
	assert.True(t, post.Frozen())
	assert.True(t, errors.Is(pre.SetConfig(preprocess.DefaultConfig()), inference.ErrFrozen))

	next := &recorder{}
	p.SetCustomPostProcessor(next)
	assert.True(t, next.Frozen(), "components installed while frozen are frozen")

	p.Freeze(false)
	assert.False(t, next.Frozen())
	assert.NoError(t, pre.SetConfig(preprocess.DefaultConfig()))
}

func TestPipeline_Close(t *testing.T) {
	backend := &fakeBackend{delay: 50 * time.Millisecond}
	p, _ := newTestPipeline(t, nil, nil, backend, Async)

	p.Process(testImage(), nil, nil, nil, false)
	require.NoError(t, p.Close())

	assert.Zero(t, backend.inflight.Load(), "pending inference resolved")
	assert.Equal(t, int32(1), backend.closed.Load())
	assert.False(t, p.Ready())

	var info inference.Info
	p.Process(testImage(), nil, nil, &info, false)
	assert.Equal(t, []string{"* Network", "- No network"}, info.Lines())
}
