package zmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq4 "github.com/pebbe/zmq4"

	"github.com/trickstertwo/xqueue"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("zmq transport is closed")

// Transport moves envelopes over a ZeroMQ PUSH/PULL pair. ZeroMQ has no
// broker-side acknowledgement: Ack is bookkeeping and Nack pushes the frame
// again until MaxDeliveries is reached.
type Transport struct {
	cfg Config

	sendCh chan *sendTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendMu sync.RWMutex
	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	sent        atomic.Uint64
	sendErrors  atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
	badFrames   atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Sent        uint64
	SendErrors  uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64
	BadFrames   uint64
}

type sendTask struct {
	ctx  context.Context
	f    frame
	done xqueue.SendCompletion
}

var _ xqueue.Transport = (*Transport)(nil)

// NewTransport opens the PUSH socket (when PushEndpoint is set) and starts
// the goroutine that owns it. ZeroMQ sockets are not goroutine-safe, so all
// writes go through that single goroutine.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		sendCh:  make(chan *sendTask, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &transportMetrics{},
	}

	if cfg.PushEndpoint != "" {
		push, err := t.openPush()
		if err != nil {
			cancel()
			return nil, err
		}
		t.wg.Add(1)
		go t.pusher(push)
	}
	return t, nil
}

func (t *Transport) openPush() (*zmq4.Socket, error) {
	push, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, fmt.Errorf("zmq: push socket: %w", err)
	}
	if err := push.SetSndhwm(t.cfg.SendHWM); err != nil {
		_ = push.Close()
		return nil, fmt.Errorf("zmq: set sndhwm: %w", err)
	}
	if err := push.SetSndtimeo(t.cfg.PollInterval); err != nil {
		_ = push.Close()
		return nil, fmt.Errorf("zmq: set sndtimeo: %w", err)
	}
	if err := push.SetLinger(0); err != nil {
		_ = push.Close()
		return nil, fmt.Errorf("zmq: set linger: %w", err)
	}

	if t.cfg.BindPush {
		err = push.Bind(t.cfg.PushEndpoint)
	} else {
		err = push.Connect(t.cfg.PushEndpoint)
	}
	if err != nil {
		_ = push.Close()
		return nil, fmt.Errorf("zmq: push endpoint %s: %w", t.cfg.PushEndpoint, err)
	}
	return push, nil
}

// Send assigns the message ID and queues the frame for the push goroutine.
func (t *Transport) Send(ctx context.Context, body string, done xqueue.SendCompletion) error {
	if t.cfg.PushEndpoint == "" {
		return errors.New("zmq: no push endpoint configured")
	}
	return t.enqueue(ctx, &sendTask{
		ctx:  ctx,
		f:    frame{ID: uuid.NewString(), Body: body, SentAt: time.Now().UnixMilli()},
		done: done,
	})
}

func (t *Transport) enqueue(ctx context.Context, task *sendTask) error {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()

	if t.closed.Load() {
		return ErrClosed
	}
	select {
	case t.sendCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrClosed
	}
}

func (t *Transport) pusher(push *zmq4.Socket) {
	defer t.wg.Done()
	defer push.Close()

	for {
		select {
		case <-t.ctx.Done():
			return
		case task := <-t.sendCh:
			err := t.push(push, task)
			if err != nil {
				t.metrics.sendErrors.Add(1)
			} else {
				t.metrics.sent.Add(1)
			}
			if task.done != nil {
				if err != nil {
					task.done("", err)
				} else {
					task.done(task.f.ID, nil)
				}
			}
		}
	}
}

// push writes one frame, retrying while the peer's HWM is full.
func (t *Transport) push(push *zmq4.Socket, task *sendTask) error {
	b, err := encodeFrame(task.f)
	if err != nil {
		return err
	}
	for {
		if err := task.ctx.Err(); err != nil {
			return err
		}
		_, err := push.SendBytes(b, 0)
		if err == nil {
			return nil
		}
		if zmq4.AsErrno(err) != zmq4.Errno(syscall.EAGAIN) {
			return fmt.Errorf("zmq: send: %w", err)
		}
		select {
		case <-t.ctx.Done():
			return ErrClosed
		default:
		}
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

// Receive opens a PULL socket and hands each frame to one of Concurrency workers.
func (t *Transport) Receive(ctx context.Context, handler func(xqueue.Delivery)) (xqueue.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.cfg.PullEndpoint == "" {
		return nil, errors.New("zmq: no pull endpoint configured")
	}

	pull, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, fmt.Errorf("zmq: pull socket: %w", err)
	}
	if err := pull.SetRcvtimeo(t.cfg.PollInterval); err != nil {
		_ = pull.Close()
		return nil, fmt.Errorf("zmq: set rcvtimeo: %w", err)
	}
	_ = pull.SetLinger(0)
	if t.cfg.ConnectPull {
		err = pull.Connect(t.cfg.PullEndpoint)
	} else {
		err = pull.Bind(t.cfg.PullEndpoint)
	}
	if err != nil {
		_ = pull.Close()
		return nil, fmt.Errorf("zmq: pull endpoint %s: %w", t.cfg.PullEndpoint, err)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	workCh := make(chan *delivery, t.cfg.Concurrency*2)

	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(workCh)
		defer pull.Close()
		t.pullLoop(innerCtx, pull, workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) pullLoop(ctx context.Context, pull *zmq4.Socket, workCh chan<- *delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		default:
		}

		b, err := pull.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) != zmq4.Errno(syscall.EAGAIN) {
				select {
				case <-time.After(t.cfg.PollInterval):
				case <-ctx.Done():
					return
				}
			}
			continue
		}
		f, err := decodeFrame(b)
		if err != nil {
			t.metrics.badFrames.Add(1)
			continue
		}
		f.Deliveries++
		t.metrics.consumed.Add(1)

		d := &delivery{
			t: t,
			f: f,
			msg: &xqueue.Message{
				ID:         f.ID,
				Body:       f.Body,
				ReceivedAt: time.Now(),
				Attributes: map[string]string{
					"receive_count":  strconv.Itoa(f.Deliveries),
					"sent_timestamp": strconv.FormatInt(f.SentAt, 10),
				},
			},
		}
		select {
		case workCh <- d:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the push goroutine; queued sends complete with ErrClosed.
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
			if task.done != nil {
				task.done("", ErrClosed)
			}
		default:
			return nil
		}
	}
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:        t.metrics.sent.Load(),
		SendErrors:  t.metrics.sendErrors.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Dropped:     t.metrics.dropped.Load(),
		BadFrames:   t.metrics.badFrames.Load(),
	}
}

type delivery struct {
	t       *Transport
	f       frame
	msg     *xqueue.Message
	ackOnce sync.Once
}

func (d *delivery) Message() *xqueue.Message { return d.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.t.metrics.acked.Add(1)
	})
	return nil
}

// Nack pushes the frame back through the PUSH socket with its delivery
// count carried along, or drops it after MaxDeliveries.
func (d *delivery) Nack(ctx context.Context, _ error) error {
	var err error
	d.ackOnce.Do(func() {
		d.t.metrics.nacked.Add(1)
		if d.f.Deliveries >= d.t.cfg.MaxDeliveries || d.t.cfg.PushEndpoint == "" {
			d.t.metrics.dropped.Add(1)
			return
		}
		d.t.metrics.redelivered.Add(1)
		err = d.t.enqueue(ctx, &sendTask{ctx: d.t.ctx, f: d.f})
	})
	return err
}
