package xqueue

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	defaultPoolWorkers = 4
	defaultPoolBuffer  = 1000
)

// observerJob pairs an event with the observer set captured at notify time.
type observerJob struct {
	event     Event
	observers []Observer
}

// ObserverPool dispatches events to observers off the message path.
// A full buffer drops the event; Send and Receive never wait on observers.
type ObserverPool struct {
	jobs    chan observerJob
	quit    chan struct{}
	workers int
	wg      sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers dispatch goroutines over a buffer of
// bufferSize events. Non-positive values fall back to 4 and 1000.
func NewObserverPool(workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = defaultPoolWorkers
	}
	if bufferSize < 1 {
		bufferSize = defaultPoolBuffer
	}

	op := &ObserverPool{
		jobs:    make(chan observerJob, bufferSize),
		quit:    make(chan struct{}),
		workers: workers,
	}
	op.wg.Add(workers)
	for range workers {
		go op.run()
	}
	return op
}

// Notify queues e for observers and returns immediately.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	if op.closed.Load() {
		op.dropped.Add(1)
		return
	}

	job := observerJob{event: e, observers: append([]Observer(nil), observers...)}
	select {
	case op.jobs <- job:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() {
	defer op.wg.Done()
	for {
		select {
		case job := <-op.jobs:
			op.dispatch(job)
		case <-op.quit:
			// finish whatever was queued before Close
			for {
				select {
				case job := <-op.jobs:
					op.dispatch(job)
				default:
					return
				}
			}
		}
	}
}

func (op *ObserverPool) dispatch(job observerJob) {
	for _, obs := range job.observers {
		if obs != nil {
			op.safeCall(obs, job.event)
		}
	}
	op.processed.Add(1)
}

func (op *ObserverPool) safeCall(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			op.panics.Add(1)
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits for the queue to drain or for
// ctx to end, whichever comes first. Later calls return nil.
func (op *ObserverPool) Close(ctx context.Context) error {
	if op.closed.Swap(true) {
		return nil
	}
	close(op.quit)

	drained := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.jobs),
		Workers:      op.workers,
		BufferSize:   cap(op.jobs),
	}
}
