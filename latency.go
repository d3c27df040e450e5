package xqueue

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyWatcher is notified when a received message spent at least its
// threshold in the queue.
type LatencyWatcher interface {
	OnThresholdExceeded(elapsed time.Duration)
}

// LatencyWatcherFunc is an Adapter that lets a plain function satisfy LatencyWatcher.
type LatencyWatcherFunc func(elapsed time.Duration)

func (f LatencyWatcherFunc) OnThresholdExceeded(elapsed time.Duration) { f(elapsed) }

type latencyRegistration struct {
	threshold time.Duration
	watcher   LatencyWatcher
}

// LatencyMonitor holds threshold registrations. Registrations are never
// removed; readers see an immutable snapshot swapped in on every Register.
type LatencyMonitor struct {
	mu    sync.Mutex // serializes writers
	regs  atomic.Pointer[[]latencyRegistration]
	onErr func(recovered any)
}

// NewLatencyMonitor returns an empty monitor.
func NewLatencyMonitor() *LatencyMonitor {
	return &LatencyMonitor{}
}

// Register adds an independent watcher. Identical thresholds are not merged.
func (m *LatencyMonitor) Register(threshold time.Duration, w LatencyWatcher) error {
	if threshold < 0 {
		return ErrInvalidThreshold
	}
	if w == nil {
		return ErrNilWatcher
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var cur []latencyRegistration
	if p := m.regs.Load(); p != nil {
		cur = *p
	}
	next := make([]latencyRegistration, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, latencyRegistration{threshold: threshold, watcher: w})
	m.regs.Store(&next)
	return nil
}

// Len returns the number of registrations.
func (m *LatencyMonitor) Len() int {
	if p := m.regs.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Evaluate computes residence time at millisecond resolution and invokes,
// in registration order, every watcher whose threshold is met. It returns
// the number of watchers notified. A panicking watcher does not stop the rest.
func (m *LatencyMonitor) Evaluate(enqueuedAtMs int64, now time.Time) int {
	p := m.regs.Load()
	if p == nil || len(*p) == 0 {
		return 0
	}

	elapsed := time.Duration(now.UnixMilli()-enqueuedAtMs) * time.Millisecond
	if elapsed < 0 {
		return 0
	}

	fired := 0
	for _, r := range *p {
		if elapsed < r.threshold {
			continue
		}
		m.notify(r.watcher, elapsed)
		fired++
	}
	return fired
}

func (m *LatencyMonitor) notify(w LatencyWatcher, elapsed time.Duration) {
	defer func() {
		if r := recover(); r != nil && m.onErr != nil {
			m.onErr(r)
		}
	}()
	w.OnThresholdExceeded(elapsed)
}
