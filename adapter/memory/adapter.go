package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trickstertwo/xqueue"
)

const TransportName = "memory"

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xqueue.RegisterTransport(TransportName, func(cfg map[string]any) (xqueue.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xqueue/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the queue capacity (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per Receive (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxDeliveries drops a message once it was Nacked this many times,
	// like a redrive policy without a dead-letter queue (default: 5).
	MaxDeliveries int
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxDeliveries:   max(1, getInt("max_deliveries", 5)),
	}
}

// Transport implements xqueue.Transport with a single in-process queue
// (dev/testing). Messages sent before anyone receives stay buffered; every
// message goes to exactly one Receive worker.
type Transport struct {
	cfg Config

	queue  chan *entry
	sendCh chan *sendTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu lets Close wait out Sends that are mid-flight.
	sendMu sync.RWMutex
	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	sent        atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
}

type entry struct {
	id         string
	body       string
	sentAt     time.Time
	deliveries int
}

type sendTask struct {
	ctx  context.Context
	body string
	done xqueue.SendCompletion
}

var _ xqueue.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport and starts its send dispatcher.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries < 1 {
		cfg.MaxDeliveries = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		queue:   make(chan *entry, cfg.BufferSize),
		sendCh:  make(chan *sendTask, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &transportMetrics{},
	}

	t.wg.Add(1)
	go t.dispatch()
	return t
}

// Send queues body for the dispatcher, which assigns the message ID and
// reports completion from its own goroutine.
func (t *Transport) Send(ctx context.Context, body string, done xqueue.SendCompletion) error {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()

	if t.closed.Load() {
		return ErrClosed
	}
	task := &sendTask{ctx: ctx, body: body, done: done}
	select {
	case t.sendCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrClosed
	}
}

func (t *Transport) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case task := <-t.sendCh:
			e := &entry{id: uuid.NewString(), body: task.body, sentAt: time.Now()}
			select {
			case t.queue <- e:
				t.metrics.sent.Add(1)
				complete(task, e.id, nil)
			case <-task.ctx.Done():
				complete(task, "", task.ctx.Err())
			case <-t.ctx.Done():
				complete(task, "", ErrClosed)
			}
		}
	}
}

func complete(task *sendTask, id string, err error) {
	if task.done != nil {
		task.done(id, err)
	}
}

// Receive starts Concurrency workers pulling from the queue.
func (t *Transport) Receive(ctx context.Context, handler func(xqueue.Delivery)) (xqueue.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if handler == nil {
		return nil, errors.New("memory transport: nil handler")
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, handler func(xqueue.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case e := <-t.queue:
			if e == nil {
				continue
			}
			e.deliveries++
			d := &memDelivery{
				tr: t,
				e:  e,
				msg: &xqueue.Message{
					ID:         e.id,
					Body:       e.body,
					ReceivedAt: time.Now(),
					Attributes: map[string]string{
						"receive_count":  strconv.Itoa(e.deliveries),
						"sent_timestamp": strconv.FormatInt(e.sentAt.UnixMilli(), 10),
					},
				},
			}
			t.metrics.consumed.Add(1)
			handler(d)
		}
	}
}

// Close stops the dispatcher; pending sends complete with ErrClosed.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()

	t.sendMu.Lock()
	t.sendMu.Unlock() //nolint:staticcheck // barrier for in-flight Sends

	t.wg.Wait()
	for {
		select {
		case task := <-t.sendCh:
			complete(task, "", ErrClosed)
		default:
			return nil
		}
	}
}

// Len reports how many messages wait in the queue.
func (t *Transport) Len() int { return len(t.queue) }

// Stats returns transport telemetry.
type Stats struct {
	Sent        uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:        t.metrics.sent.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Dropped:     t.metrics.dropped.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type memDelivery struct {
	tr      *Transport
	e       *entry
	msg     *xqueue.Message
	ackOnce sync.Once
}

func (d *memDelivery) Message() *xqueue.Message { return d.msg }

// Ack removes the message for good.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack puts the message back on the queue, after RedeliveryDelay if set.
// A message already delivered MaxDeliveries times is dropped instead.
// Nack never blocks the calling worker: a full queue is waited out in the
// background so the worker can keep draining it.
func (d *memDelivery) Nack(_ context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)
		if d.e.deliveries >= d.tr.cfg.MaxDeliveries {
			d.tr.metrics.dropped.Add(1)
			return
		}
		d.tr.requeue(d.e, d.tr.cfg.RedeliveryDelay)
	})
	return nil
}

// requeue puts e back on the queue. Redelivered counts only entries that made
// it back; an entry abandoned by Close counts as dropped.
func (t *Transport) requeue(e *entry, delay time.Duration) {
	if delay <= 0 {
		select {
		case t.queue <- e:
			t.metrics.redelivered.Add(1)
			return
		default:
		}
	}

	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-t.ctx.Done():
				t.metrics.dropped.Add(1)
				return
			}
		}
		select {
		case t.queue <- e:
			t.metrics.redelivered.Add(1)
		case <-t.ctx.Done():
			t.metrics.dropped.Add(1)
		}
	}()
}
