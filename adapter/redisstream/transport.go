package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xqueue"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("redis-streams transport is closed")

type transport struct {
	cfg    Config
	client *redis.Client

	sendCh chan *sendTask
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendMu sync.RWMutex
	closed atomic.Bool

	dpool sync.Pool // *delivery

	metrics *transportMetrics
}

type transportMetrics struct {
	sent          atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	sendErrors    atomic.Uint64
	consumeErrors atomic.Uint64
	claimed       atomic.Uint64
}

type sendTask struct {
	ctx  context.Context
	body string
	done xqueue.SendCompletion
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Sent          uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	SendErrors    uint64
	ConsumeErrors uint64
	Claimed       uint64
}

// NewTransport connects to Redis and starts the sender goroutines.
func NewTransport(cfg Config) (xqueue.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := ping(pingCtx, rdb); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return newTransport(cfg, rdb), nil
}

func newTransport(cfg Config, client *redis.Client) *transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		cfg:     cfg,
		client:  client,
		sendCh:  make(chan *sendTask, cfg.BatchSize*cfg.SendWorkers),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}

	for i := 0; i < cfg.SendWorkers; i++ {
		t.wg.Add(1)
		go t.sender()
	}
	return t
}

// Send queues body for a sender goroutine; completion carries the stream entry ID.
func (t *transport) Send(ctx context.Context, body string, done xqueue.SendCompletion) error {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()

	if t.closed.Load() {
		return ErrClosed
	}
	select {
	case t.sendCh <- &sendTask{ctx: ctx, body: body, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrClosed
	}
}

// sender drains whatever is queued (up to BatchSize) and pipelines the XADDs.
func (t *transport) sender() {
	defer t.wg.Done()

	batch := make([]*sendTask, 0, t.cfg.BatchSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		case task := <-t.sendCh:
			batch = append(batch[:0], task)
		fill:
			for len(batch) < t.cfg.BatchSize {
				select {
				case next := <-t.sendCh:
					batch = append(batch, next)
				default:
					break fill
				}
			}
			t.flush(batch)
		}
	}
}

func (t *transport) flush(batch []*sendTask) {
	pipe := t.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(batch))

	for i, task := range batch {
		if err := task.ctx.Err(); err != nil {
			continue
		}
		args := &redis.XAddArgs{
			Stream: t.cfg.Stream,
			ID:     "*",
			Values: map[string]any{fieldBody: task.body},
		}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		cmds[i] = pipe.XAdd(t.ctx, args)
	}

	// Per-command results are inspected below.
	_, _ = pipe.Exec(t.ctx)

	for i, task := range batch {
		var (
			id  string
			err error
		)
		if cmds[i] == nil {
			err = task.ctx.Err()
		} else {
			id, err = cmds[i].Result()
		}
		if err != nil {
			t.metrics.sendErrors.Add(1)
		} else {
			t.metrics.sent.Add(1)
		}
		if task.done != nil {
			task.done(id, err)
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

// Receive listens to the stream through the consumer group with
// configurable concurrency and batching.
func (t *transport) Receive(ctx context.Context, handler func(xqueue.Delivery)) (xqueue.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	if t.cfg.AutoCreate {
		if err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redis-streams: create group %q: %w", t.cfg.Group, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := t.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	pollerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			close(pollerDone)
			wg.Done()
		}()

		t.pollerLoop(innerCtx, workCh)
	}()

	if t.cfg.claimEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, workCh, pollerDone)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			<-pollerDone
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads from the stream and distributes entries to workers.
func (t *transport) pollerLoop(ctx context.Context, workCh chan<- *delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	wait := minPollBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// BLOCK elapsed with nothing new
				wait = minPollBackoff
				continue
			}

			t.metrics.consumeErrors.Add(1)
			if !sleepCtx(ctx, wait) {
				return
			}
			wait = min(wait*2, maxPollBackoff)
			continue
		}
		wait = minPollBackoff

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if !t.dispatch(ctx, workCh, msg) {
					return
				}
			}
		}
	}
}

// dispatch wraps one stream entry into a delivery; false means ctx ended.
func (t *transport) dispatch(ctx context.Context, workCh chan<- *delivery, msg redis.XMessage) bool {
	d := t.newDelivery()
	d.t = t
	d.id = msg.ID
	d.msg = decodeEntry(t.cfg.Stream, msg.ID, msg.Values)
	d.onceAck = &sync.Once{}

	t.metrics.consumed.Add(1)

	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

func (t *transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	*d = delivery{}
	return d
}

func (t *transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// claimLoop periodically claims entries idle on dead consumers and
// feeds them through the same worker pool.
func (t *transport) claimLoop(ctx context.Context, workCh chan<- *delivery, pollerDone <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.cfg.Stream,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				t.metrics.consumeErrors.Add(1)
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case <-pollerDone:
				// workCh is closed once the poller exits
				return
			default:
			}
			t.metrics.claimed.Add(1)
			if !t.dispatch(ctx, workCh, msg) {
				return
			}
		}
	}
}

// Stats snapshots the transport counters.
func (t *transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		SendErrors:    t.metrics.sendErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
		Claimed:       t.metrics.claimed.Load(),
	}
}

// Close stops the senders, fails queued sends with ErrClosed and closes the client.
func (t *transport) Close(_ context.Context) error {
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
			return t.client.Close()
		}
	}
}

func ping(ctx context.Context, rdb *redis.Client) error {
	pong, err := rdb.Ping(ctx).Result()
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("redis-streams: ping %s timed out: %w", rdb.Options().Addr, err)
	case err != nil:
		return fmt.Errorf("redis-streams: ping %s: %w", rdb.Options().Addr, err)
	case !strings.EqualFold(pong, "PONG"):
		return fmt.Errorf("redis-streams: unexpected ping reply %q", pong)
	}
	return nil
}

// sleepCtx waits for d; false means ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
