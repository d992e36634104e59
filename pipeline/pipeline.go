package pipeline

import (
	"image"
	"strings"
	"sync"
	"time"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/nvr-ai/go-dnn/inference/preprocess"
	"github.com/nvr-ai/go-dnn/models/postprocess"
	"github.com/nvr-ai/go-dnn/profiler"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

// task is one network inference running on a background goroutine. Its fields are owned
// by the goroutine until done is closed.
type task struct {
	done    chan struct{}
	outs    []*tensor.Dense
	err     error
	info    inference.Info
	pre     time.Duration
	elapsed time.Duration
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Pipeline runs a pre-processor, a network and a post-processor on every frame.
//
// All methods are safe for concurrent use. Process is meant to be called from a single
// frame loop; the other methods take the same frame lock, so a hot-swap never interleaves
// with a frame.
type Pipeline struct {
	log      *logrus.Entry
	registry *Registry

	mu     sync.Mutex
	config Config
	pre    preprocess.PreProcessor
	net    *inference.Network
	post   postprocess.PostProcessor
	frozen bool

	// At most one inference in flight in Async mode.
	pending      *task
	netInfo      inference.Info
	asyncNetInfo inference.Info

	tpre, tnet, tpost  profiler.Stopwatch
	preTime, postTime  time.Duration
	netTimes, totTimes *profiler.Rolling
	frameTime          time.Duration

	threw   bool
	skipped int
	errInfo inference.Info
}

// New creates an empty pipeline. Components are installed by Apply or the SetCustom
// methods.
//
// Arguments:
//   - registry: Creates components for Apply. Nil uses an empty registry.
//   - log: The pipeline logger. Nil uses the standard logger.
//
// Returns:
//   - *Pipeline: A pipeline that is not Ready until all three components are installed.
//
// @example
//
//	p := pipeline.New(&pipeline.Registry{Labels: loadLabels}, log)
//	if err := p.Apply(cfg); err != nil {
//	    return err
//	}
//	for frame := range frames {
//	    var info inference.Info
//	    p.Process(frame, sink, nil, &info, false)
//	}
func New(registry *Registry, log *logrus.Entry) *Pipeline {
	if registry == nil {
		registry = &Registry{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cfg := DefaultConfig()
	cfg.PreProc, cfg.NetType, cfg.PostProc = KindCustom, KindCustom, KindCustom

	return &Pipeline{
		log:      log.WithField("component", "pipeline"),
		registry: registry,
		config:   cfg,
		netTimes: profiler.NewRolling(profiler.DefaultWindow),
		totTimes: profiler.NewRolling(profiler.DefaultWindow),
	}
}

// Config returns the current configuration.
func (p *Pipeline) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Ready reports whether all three components are installed and the network is loaded.
func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyLocked()
}

func (p *Pipeline) readyLocked() bool {
	return p.pre != nil && p.net != nil && p.post != nil && p.net.Ready()
}

// FrameTime returns how long the last call to Process took.
func (p *Pipeline) FrameTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameTime
}

// Apply replaces the pipeline components with those described by cfg.
//
// The new components are created and validated before anything changes, so an invalid
// configuration leaves the running pipeline intact. Then, holding the frame lock, the
// pending inference is awaited and discarded, the old network is closed and the new one
// starts loading in the background. Custom kinds keep the currently installed component.
//
// Arguments:
//   - cfg: The resolved configuration.
//
// Returns:
//   - error: ErrConfiguration if cfg is invalid or a component cannot be created.
func (p *Pipeline) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := p.log.WithField("pipe", cfg.Name)
	pre, err := p.registry.NewPreProcessor(cfg)
	if err != nil {
		return err
	}
	post, err := p.registry.NewPostProcessor(cfg)
	if err != nil {
		return err
	}
	net, err := p.registry.NewNetwork(cfg, log)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.discardPending()
	if cfg.PreProc == KindCustom {
		pre = p.pre
	}
	if cfg.PostProc == KindCustom {
		post = p.post
	}
	if cfg.NetType == KindCustom {
		net = p.net
	} else {
		p.closeNetwork()
	}

	p.config = cfg
	p.log = log
	p.pre, p.post = pre, post
	p.installNetwork(net)
	p.freezeAll()
	p.resetStats()

	log.WithFields(logrus.Fields{
		"preproc":    cfg.PreProc,
		"nettype":    cfg.NetType,
		"postproc":   cfg.PostProc,
		"processing": cfg.Processing,
	}).Info("🔄 pipeline configured")
	return nil
}

// SetCustomPreProcessor installs pre as the pre-processor.
func (p *Pipeline) SetCustomPreProcessor(pre preprocess.PreProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discardPending()
	p.pre = pre
	p.config.PreProc = KindCustom
	p.freezeAll()
	p.resetStats()
}

// SetCustomNetwork installs net, closes the previous network and starts loading net in
// the background.
func (p *Pipeline) SetCustomNetwork(net *inference.Network) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discardPending()
	if p.net != net {
		p.closeNetwork()
	}
	p.config.NetType = KindCustom
	p.installNetwork(net)
	p.freezeAll()
	p.resetStats()
}

// SetCustomPostProcessor installs post as the post-processor.
func (p *Pipeline) SetCustomPostProcessor(post postprocess.PostProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discardPending()
	p.post = post
	p.config.PostProc = KindCustom
	p.freezeAll()
	p.resetStats()
}

// SetProcessing switches between Sync and Async. A pending inference is awaited and its
// result discarded.
func (p *Pipeline) SetProcessing(mode Processing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discardPending()
	p.config.Processing = mode
}

// Freeze locks or unlocks the structural parameters of all three components together.
func (p *Pipeline) Freeze(doit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frozen = doit
	p.freezeAll()
}

// Close waits for the pending inference and closes the network.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.discardPending()
	var err error
	if p.net != nil {
		err = p.net.Close()
		p.net = nil
	}
	p.log.Debug("pipeline closed")
	return err
}

func (p *Pipeline) installNetwork(net *inference.Network) {
	p.net = net
	if net != nil {
		net.LoadAsync()
	}
}

func (p *Pipeline) closeNetwork() {
	if p.net == nil {
		return
	}
	if err := p.net.Close(); err != nil {
		p.log.WithError(err).Warn("⚠️ closing network")
	}
	p.net = nil
}

func (p *Pipeline) discardPending() {
	if p.pending == nil {
		return
	}
	<-p.pending.done
	p.pending = nil
}

func (p *Pipeline) freezeAll() {
	if p.pre != nil {
		p.pre.Freeze(p.frozen)
	}
	if p.net != nil {
		p.net.Freeze(p.frozen)
	}
	if p.post != nil {
		p.post.Freeze(p.frozen)
	}
}

func (p *Pipeline) resetStats() {
	p.netInfo.Reset()
	p.asyncNetInfo.Reset()
	p.netTimes.Reset()
	p.totTimes.Reset()
	p.preTime, p.postTime = 0, 0
	p.threw, p.skipped = false, 0
	p.errInfo.Reset()
}

// Process runs the pipeline on one frame.
//
// Errors and panics of any stage are caught here: they are logged on the first failure,
// shown as "* Error" lines in info, and further attempts are limited to one every
// RetryInterval frames until a frame succeeds.
//
// Arguments:
//   - img: The camera frame.
//   - sink: Receives one line per result. May be nil.
//   - ovl: Draws results when the overlay is enabled. May be nil.
//   - info: Receives diagnostic lines. May be nil.
//   - idle: Suppresses overlay drawing.
func (p *Pipeline) Process(img image.Image, sink postprocess.Sink, ovl postprocess.Overlay, info *inference.Info, idle bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	defer func() { p.frameTime = time.Since(start) }()

	if p.threw {
		p.skipped++
		if p.skipped < p.config.RetryInterval {
			info.Append(&p.errInfo)
			return
		}
		p.skipped = 0
	}

	if !p.readyLocked() {
		p.describeNotReady(info)
		return
	}

	if err := p.run(img, sink, ovl, info, idle); err != nil {
		p.fail(err, info)
		return
	}
	if p.threw {
		p.threw = false
		p.log.Info("✅ pipeline recovered")
	}
}

func (p *Pipeline) run(img image.Image, sink postprocess.Sink, ovl postprocess.Overlay, info *inference.Info, idle bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()

	if p.config.Processing == Sync {
		err = p.runSync(img)
	} else {
		err = p.runAsync(img)
	}
	if err != nil {
		return err
	}

	p.post.Report(sink, ovl, p.config.Overlay, idle)
	if p.config.Processing == Sync {
		p.describe(info, &p.netInfo)
	} else {
		p.describe(info, &p.asyncNetInfo)
	}
	return nil
}

func (p *Pipeline) runSync(img image.Image) error {
	blobs, preTime, err := p.preProcess(img)
	if err != nil {
		return err
	}

	p.netInfo.Reset()
	p.tnet.Start()
	outs, err := p.net.Process(blobs, &p.netInfo)
	netTime := p.tnet.Stop()
	if err != nil {
		return errors.Wrap(err, "network")
	}
	return p.postProcess(outs, preTime, netTime)
}

// runAsync collects a finished inference, then submits the current frame if the network
// is free. The frame path never waits on the network.
func (p *Pipeline) runAsync(img image.Image) error {
	if t := p.pending; t != nil && t.finished() {
		p.pending = nil
		p.asyncNetInfo.Reset()
		p.asyncNetInfo.Append(&t.info)
		if t.err != nil {
			return errors.Wrap(t.err, "network")
		}
		if err := p.postProcess(t.outs, t.pre, t.elapsed); err != nil {
			return err
		}
	}

	if p.pending != nil {
		return nil
	}

	blobs, preTime, err := p.preProcess(img)
	if err != nil {
		return err
	}
	p.pending = p.submit(blobs, preTime)
	return nil
}

func (p *Pipeline) submit(blobs []*tensor.Dense, preTime time.Duration) *task {
	t := &task{done: make(chan struct{}), pre: preTime}
	net := p.net

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.outs, t.err = nil, inference.Backendf("panic in %s: %v", net.Name(), r)
			}
		}()

		var sw profiler.Stopwatch
		sw.Start()
		t.outs, t.err = net.Process(blobs, &t.info)
		t.elapsed = sw.Stop()
	}()
	return t
}

func (p *Pipeline) preProcess(img image.Image) ([]*tensor.Dense, time.Duration, error) {
	attrs, err := p.net.InputShapes()
	if err != nil {
		return nil, 0, err
	}

	p.tpre.Start()
	blobs, err := p.pre.Process(img, attrs)
	elapsed := p.tpre.Stop()
	if err != nil {
		return nil, elapsed, errors.Wrap(err, "pre-processing")
	}
	return blobs, elapsed, nil
}

func (p *Pipeline) postProcess(outs []*tensor.Dense, preTime, netTime time.Duration) error {
	// A network torn down mid-flight returns nothing.
	if outs == nil {
		return nil
	}

	p.tpost.Start()
	err := p.post.Process(outs, p.pre)
	postTime := p.tpost.Stop()
	if err != nil {
		return errors.Wrap(err, "post-processing")
	}

	p.preTime, p.postTime = preTime, postTime
	p.netTimes.Add(netTime)
	p.totTimes.Add(preTime + netTime + postTime)
	return nil
}

func (p *Pipeline) describe(info, netInfo *inference.Info) {
	if info == nil {
		return
	}

	p.pre.Describe(info)
	info.Header("Network")
	info.Append(netInfo)

	info.Header("Processing")
	if p.totTimes.Len() == 0 {
		info.Bullet("PreProc: -")
		info.Bullet("Network: -")
		info.Bullet("PstProc: -")
		info.Bullet("Total: -")
		return
	}
	total := p.totTimes.Average()
	info.Bulletf("PreProc: %s", profiler.FormatDuration(p.preTime))
	info.Bulletf("Network: %s", profiler.FormatDuration(p.netTimes.Average()))
	info.Bulletf("PstProc: %s", profiler.FormatDuration(p.postTime))
	info.Bulletf("Total: %s (%.1f fps)", profiler.FormatDuration(total), profiler.FPS(total))
}

func (p *Pipeline) describeNotReady(info *inference.Info) {
	info.Header("Network")
	switch {
	case p.pre == nil:
		info.Bullet("No pre-processor")
	case p.net == nil:
		info.Bullet("No network")
	case p.post == nil:
		info.Bullet("No post-processor")
	case p.net.State() == inference.StateFailed:
		info.Bulletf("Load failed: %v", p.net.Err())
	default:
		info.Bullet("Loading...")
	}
}

func (p *Pipeline) fail(err error, info *inference.Info) {
	entry := p.log.WithError(err).WithField("retry", p.config.RetryInterval)
	if p.threw {
		entry.Debug("pipeline still failing")
	} else {
		entry.Error("❌ pipeline failed")
	}

	p.threw = true
	p.skipped = 0
	p.errInfo.Reset()
	p.errInfo.Header("Error")
	for _, line := range strings.Split(err.Error(), "\n") {
		p.errInfo.Bullet(line)
	}
	info.Append(&p.errInfo)
}
