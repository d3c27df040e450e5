package xqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWatcher struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (w *recordingWatcher) OnThresholdExceeded(elapsed time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, elapsed)
}

func (w *recordingWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func TestLatencyMonitor_OnlyExceededThresholdsFire(t *testing.T) {
	m := NewLatencyMonitor()
	short := &recordingWatcher{}
	decade := &recordingWatcher{}
	require.NoError(t, m.Register(1000*time.Millisecond, short))
	require.NoError(t, m.Register(315569259747*time.Millisecond, decade))

	now := time.UnixMilli(1700000002000)
	fired := m.Evaluate(1700000000000, now)

	assert.Equal(t, 1, fired)
	require.Equal(t, 1, short.count())
	assert.Equal(t, 2000*time.Millisecond, short.calls[0])
	assert.Equal(t, 0, decade.count())
}

func TestLatencyMonitor_ThresholdIsInclusive(t *testing.T) {
	m := NewLatencyMonitor()
	w := &recordingWatcher{}
	require.NoError(t, m.Register(time.Second, w))

	now := time.UnixMilli(10_000)
	assert.Equal(t, 0, m.Evaluate(9_001, now))
	assert.Equal(t, 1, m.Evaluate(9_000, now))
}

func TestLatencyMonitor_DuplicatesAreIndependent(t *testing.T) {
	m := NewLatencyMonitor()
	w := &recordingWatcher{}
	require.NoError(t, m.Register(time.Second, w))
	require.NoError(t, m.Register(time.Second, w))
	assert.Equal(t, 2, m.Len())

	assert.Equal(t, 2, m.Evaluate(0, time.UnixMilli(5000)))
	assert.Equal(t, 2, w.count())
}

func TestLatencyMonitor_RegistrationOrder(t *testing.T) {
	m := NewLatencyMonitor()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, m.Register(0, LatencyWatcherFunc(func(time.Duration) {
			order = append(order, i)
		})))
	}
	m.Evaluate(0, time.UnixMilli(1))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLatencyMonitor_FutureTimestampFiresNothing(t *testing.T) {
	m := NewLatencyMonitor()
	w := &recordingWatcher{}
	require.NoError(t, m.Register(0, w))

	assert.Equal(t, 0, m.Evaluate(2000, time.UnixMilli(1000)))
	assert.Equal(t, 0, w.count())
}

func TestLatencyMonitor_Empty(t *testing.T) {
	m := NewLatencyMonitor()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.Evaluate(0, time.Now()))
}

func TestLatencyMonitor_RegisterRejects(t *testing.T) {
	m := NewLatencyMonitor()
	assert.ErrorIs(t, m.Register(-time.Millisecond, &recordingWatcher{}), ErrInvalidThreshold)
	assert.ErrorIs(t, m.Register(time.Second, nil), ErrNilWatcher)
	assert.Equal(t, 0, m.Len())
}

func TestLatencyMonitor_PanicIsolated(t *testing.T) {
	m := NewLatencyMonitor()
	var recovered atomic.Int32
	m.onErr = func(any) { recovered.Add(1) }

	after := &recordingWatcher{}
	require.NoError(t, m.Register(0, LatencyWatcherFunc(func(time.Duration) { panic("boom") })))
	require.NoError(t, m.Register(0, after))

	assert.NotPanics(t, func() { m.Evaluate(0, time.UnixMilli(10)) })
	assert.Equal(t, int32(1), recovered.Load())
	assert.Equal(t, 1, after.count())
}

func TestLatencyMonitor_ConcurrentRegisterEvaluate(t *testing.T) {
	m := NewLatencyMonitor()
	var hits atomic.Int64
	w := LatencyWatcherFunc(func(time.Duration) { hits.Add(1) })

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = m.Register(0, w)
			}
		}()
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.Evaluate(0, time.UnixMilli(1))
			}
		}
	}()
	wg.Wait()
	close(stop)
	readers.Wait()

	assert.Equal(t, writers*perWriter, m.Len())
	hits.Store(0)
	assert.Equal(t, writers*perWriter, m.Evaluate(0, time.UnixMilli(1)))
	assert.Equal(t, int64(writers*perWriter), hits.Load())
}
