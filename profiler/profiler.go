// Package profiler times pipeline stages and keeps rolling averages of the results.
package profiler

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWindow is the number of samples a Rolling average keeps.
const DefaultWindow = 100

// Stopwatch measures one stage of one frame. The zero value is stopped.
type Stopwatch struct {
	start   time.Time
	elapsed time.Duration
}

// Start begins timing.
func (s *Stopwatch) Start() { s.start = time.Now() }

// Stop ends timing and returns the elapsed time, 0 if the stopwatch was never started.
func (s *Stopwatch) Stop() time.Duration {
	if s.start.IsZero() {
		return 0
	}
	s.elapsed = time.Since(s.start)
	s.start = time.Time{}
	return s.elapsed
}

// Elapsed returns the duration measured by the last Stop.
func (s *Stopwatch) Elapsed() time.Duration { return s.elapsed }

// Rolling tracks timing statistics over the most recent samples.
type Rolling struct {
	mu        sync.Mutex
	window    int
	durations []time.Duration
	totalTime time.Duration
	count     int64
}

// NewRolling creates a rolling average over the last window samples (DefaultWindow when
// window < 1).
func NewRolling(window int) *Rolling {
	if window < 1 {
		window = DefaultWindow
	}
	return &Rolling{window: window, durations: make([]time.Duration, 0, window)}
}

// Add records one sample, evicting the oldest once the window is full.
func (r *Rolling) Add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.durations) == r.window {
		// Remove oldest sample
		r.totalTime -= r.durations[0]
		r.durations = append(r.durations[:0], r.durations[1:]...)
	}
	r.durations = append(r.durations, d)
	r.totalTime += d
	r.count++
}

// Average returns the mean of the samples in the window, 0 when empty.
func (r *Rolling) Average() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.durations) == 0 {
		return 0
	}
	return r.totalTime / time.Duration(len(r.durations))
}

// Len returns the number of samples in the window.
func (r *Rolling) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.durations)
}

// Count returns the number of samples ever added.
func (r *Rolling) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// MinMax returns the extremes of the samples in the window.
func (r *Rolling) MinMax() (lo, hi time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.durations {
		if i == 0 || d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return lo, hi
}

// Reset drops all samples.
func (r *Rolling) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations = r.durations[:0]
	r.totalTime = 0
	r.count = 0
}

// Profiler keeps a Rolling average per named operation.
type Profiler struct {
	mu         sync.Mutex
	window     int
	startTime  time.Time
	operations map[string]*Rolling
}

// New creates a profiler whose operations average over window samples.
func New(window int) *Profiler {
	return &Profiler{window: window, startTime: time.Now(), operations: map[string]*Rolling{}}
}

// Operation returns the rolling average of name, creating it on first use.
func (p *Profiler) Operation(name string) *Rolling {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.operations[name]
	if !ok {
		r = NewRolling(p.window)
		p.operations[name] = r
	}
	return r
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track
//
// Returns:
//   - A function to call when the operation completes; it returns the measured duration.
func (p *Profiler) StartOperation(name string) func() time.Duration {
	r := p.Operation(name)
	start := time.Now()
	return func() time.Duration {
		d := time.Since(start)
		r.Add(d)
		return d
	}
}

// Report logs the average of every operation and the process memory use.
func (p *Profiler) Report(log *logrus.Entry) {
	p.mu.Lock()
	names := make([]string, 0, len(p.operations))
	for name := range p.operations {
		names = append(names, name)
	}
	uptime := time.Since(p.startTime)
	p.mu.Unlock()
	sort.Strings(names)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := logrus.Fields{
		"uptime":     uptime.Truncate(time.Second),
		"goroutines": runtime.NumGoroutine(),
		"heap":       formatBytes(mem.HeapAlloc),
	}
	for _, name := range names {
		r := p.Operation(name)
		if r.Len() > 0 {
			fields[name] = FormatDuration(r.Average())
		}
	}
	log.WithFields(fields).Info("📊 profiler report")
}

// FormatDuration renders d with one decimal in the most readable unit, e.g. "12.3ms".
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.1fus", float64(d)/float64(time.Microsecond))
	}
}

// FPS returns the frame rate matching a per-frame duration, 0 for d <= 0.
func FPS(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(time.Second) / float64(d)
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
