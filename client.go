package xqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Client)(nil)

// observerDrainTimeout bounds Close when the caller's ctx has no deadline.
const observerDrainTimeout = 5 * time.Second

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// ErrorHandler is told about failures that belong to a single message and
// that the receive stream survives: envelope parse errors, bad timestamps
// and asynchronous send failures.
type ErrorHandler func(messageID string, err error)

// Client is the Facade that wraps payloads in envelopes, guards the size
// ceiling and watches queue residence time on top of a Transport.
type Client struct {
	transport    Transport
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	onError      ErrorHandler
	latency      *LatencyMonitor
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *clientMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// clientMetrics uses lock-free atomics for telemetry.
type clientMetrics struct {
	sentCount       atomic.Uint64
	sendFailedCount atomic.Uint64
	receivedCount   atomic.Uint64
	ackCount        atomic.Uint64
	nackCount       atomic.Uint64
	tooLargeCount   atomic.Uint64
	parseErrCount   atomic.Uint64
	latencyCount    atomic.Uint64
	errorCount      atomic.Uint64
	processingNs    atomic.Int64
}

// SendOption customizes a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	onSent func(messageID string)
}

// OnSent registers a callback invoked once with the transport-assigned
// message ID after a successful enqueue. It runs on a transport goroutine
// and is never called on failure.
func OnSent(fn func(messageID string)) SendOption {
	return func(o *sendOptions) { o.onSent = fn }
}

// Send validates, wraps and enqueues payload. Size and synchronous transport
// errors are returned directly; the outcome of the enqueue itself arrives on
// the returned Receipt.
func (c *Client) Send(ctx context.Context, payload string, opts ...SendOption) (*Receipt, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	if err := CheckSize(payload); err != nil {
		c.metrics.tooLargeCount.Add(1)
		c.metrics.errorCount.Add(1)
		c.notifyAsync(Event{Type: Error, Size: len(payload), Err: err})
		return nil, err
	}

	var so sendOptions
	for _, o := range opts {
		if o != nil {
			o(&so)
		}
	}

	wire, err := EncodeEnvelope(payload, c.clock.Now())
	if err != nil {
		c.metrics.errorCount.Add(1)
		c.notifyAsync(Event{Type: Error, Size: len(payload), Err: err})
		return nil, fmt.Errorf("xqueue: encode envelope: %w", err)
	}

	size := len(payload)
	rcpt := newReceipt()
	start := c.clock.Now()
	c.notifyAsync(Event{Type: SendStart, Size: size})

	err = c.transport.Send(ctx, string(wire), func(messageID string, sendErr error) {
		c.completeSend(rcpt, so.onSent, start, size, messageID, sendErr)
	})
	if err != nil {
		terr := &TransportError{Op: "send", Err: err}
		c.metrics.sendFailedCount.Add(1)
		c.metrics.errorCount.Add(1)
		c.notifyAsync(Event{Type: SendDone, Size: size, Duration: c.clock.Since(start), Err: terr})
		return nil, terr
	}
	return rcpt, nil
}

// completeSend runs on the transport's completion goroutine.
func (c *Client) completeSend(rcpt *Receipt, onSent func(string), start time.Time, size int, messageID string, sendErr error) {
	duration := c.clock.Since(start)

	if sendErr != nil {
		terr := &TransportError{Op: "send", Err: sendErr}
		if !rcpt.resolve("", terr, nil) {
			return
		}
		c.metrics.sendFailedCount.Add(1)
		c.notifyAsync(Event{Type: SendDone, Size: size, Duration: duration, Err: terr})
		c.reportError("", terr)
		return
	}

	resolved := rcpt.resolve(messageID, nil, func() {
		if onSent == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				c.metrics.errorCount.Add(1)
				c.logger.Warn().Str("message_id", messageID).Msg("xqueue: send callback panic (recovered)")
			}
		}()
		onSent(messageID)
	})
	if !resolved {
		return
	}
	c.metrics.sentCount.Add(1)
	c.recordProcessingTime(duration.Nanoseconds())
	c.notifyAsync(Event{Type: SendDone, MessageID: messageID, Size: size, Duration: duration})
}

// Receive binds handler to the transport's delivery stream. For each message
// the envelope is decoded, handler runs, and only then are latency watchers
// evaluated. A message that fails to decode is Nacked and reported without
// disturbing the stream.
func (c *Client) Receive(ctx context.Context, handler ReceiveHandler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	// Always enable panic recovery first for dependability.
	base := RecoveryMiddleware()(handler)
	wh := Chain(base, c.middlewares...)

	hctx := injectClock(injectLogger(ctx, c.logger), c.clock)

	sub, err := c.transport.Receive(ctx, func(d Delivery) {
		c.deliver(hctx, d, wh)
	})
	if err != nil {
		c.metrics.errorCount.Add(1)
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return sub, nil
}

func (c *Client) deliver(ctx context.Context, d Delivery, h ReceiveHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Msg("xqueue: delivery panic (recovered)")
			c.metrics.errorCount.Add(1)
			_ = d.Nack(context.Background(), ErrHandlerPanic)
		}
	}()

	msg := d.Message()
	c.metrics.receivedCount.Add(1)
	c.notifyAsync(Event{Type: ReceiveStart, MessageID: msg.ID})

	env, err := DecodeEnvelope([]byte(msg.Body))
	if err != nil {
		c.metrics.parseErrCount.Add(1)
		c.reportError(msg.ID, err)
		c.metrics.nackCount.Add(1)
		c.ackWithTimeout(ctx, d, false, err)
		c.notifyAsync(Event{Type: ReceiveDone, MessageID: msg.ID, Err: err})
		c.notifyAsync(Event{Type: Nack, MessageID: msg.ID, Err: err})
		return
	}

	start := c.clock.Now()
	herr := h(ctx, msg.ID, env.Payload.String())
	duration := c.clock.Since(start)
	c.recordProcessingTime(duration.Nanoseconds())

	residence, known := c.evaluateLatency(msg.ID, env)

	c.notifyAsync(Event{
		Type:           ReceiveDone,
		MessageID:      msg.ID,
		Duration:       duration,
		Residence:      residence,
		ResidenceKnown: known,
		Err:            herr,
	})

	if herr == nil {
		c.metrics.ackCount.Add(1)
		c.ackWithTimeout(ctx, d, true, nil)
		c.notifyAsync(Event{Type: Ack, MessageID: msg.ID})
		return
	}

	c.metrics.nackCount.Add(1)
	c.ackWithTimeout(ctx, d, false, herr)
	c.notifyAsync(Event{Type: Nack, MessageID: msg.ID, Err: herr})
}

// evaluateLatency returns the observed residence time. known is false when
// no watcher is registered (the timestamp is not even parsed then) or the
// timestamp is unusable.
func (c *Client) evaluateLatency(messageID string, env Envelope) (residence time.Duration, known bool) {
	if c.latency.Len() == 0 {
		return 0, false
	}

	enqueuedAt, err := env.EnqueuedAt()
	if err != nil {
		c.metrics.parseErrCount.Add(1)
		c.reportError(messageID, err)
		return 0, false
	}

	now := c.clock.Now()
	fired := c.latency.Evaluate(enqueuedAt, now)
	residence = time.Duration(now.UnixMilli()-enqueuedAt) * time.Millisecond
	if fired > 0 {
		c.metrics.latencyCount.Add(uint64(fired))
		c.notifyAsync(Event{Type: LatencyExceeded, MessageID: messageID, Residence: residence, ResidenceKnown: true})
	}
	return residence, true
}

// RegisterLatencyWatcher adds a watcher fired for every received message
// whose residence time is at least threshold.
func (c *Client) RegisterLatencyWatcher(threshold time.Duration, w LatencyWatcher) error {
	return c.latency.Register(threshold, w)
}

func (c *Client) reportError(messageID string, err error) {
	c.metrics.errorCount.Add(1)
	c.logger.Warn().Err(err).Str("message_id", messageID).Msg("xqueue: message error")
	c.notifyAsync(Event{Type: Error, MessageID: messageID, Err: err})

	if c.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn().Msg("xqueue: error handler panic (recovered)")
		}
	}()
	c.onError(messageID, err)
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (c *Client) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if c.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			c.metrics.errorCount.Add(1)
			c.notifyAsync(Event{Type: Error, MessageID: d.Message().ID, Err: &TransportError{Op: "ack", Err: err}})
			c.logger.Warn().Err(err).Msg("xqueue: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		c.metrics.errorCount.Add(1)
		c.notifyAsync(Event{Type: Error, MessageID: d.Message().ID, Err: &TransportError{Op: "nack", Err: err}})
		c.logger.Warn().Err(err).Msg("xqueue: nack failed")
	}
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	var dropped uint64
	if c.observerPool != nil {
		dropped = c.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:                c.metrics.sentCount.Load(),
		SendFailed:          c.metrics.sendFailedCount.Load(),
		Received:            c.metrics.receivedCount.Load(),
		Acked:               c.metrics.ackCount.Load(),
		Nacked:              c.metrics.nackCount.Load(),
		TooLarge:            c.metrics.tooLargeCount.Load(),
		ParseErrors:         c.metrics.parseErrCount.Load(),
		LatencyAlerts:       c.metrics.latencyCount.Load(),
		Errors:              c.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(c.metrics.processingNs.Load()) / 1e6,
	}
}

// Health checks client health for Kubernetes probes.
func (c *Client) Health(_ context.Context) HealthStatus {
	now := c.clock.Now()
	if c.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "client is closed",
		}
	}

	metrics := c.GetMetrics()
	status := "healthy"

	// Degraded if error rate > 5%
	if total := metrics.Sent + metrics.SendFailed + metrics.Received; metrics.Errors > 0 && total > 0 {
		if float64(metrics.Errors)/float64(total) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
	}
}

// Close drains the observer pool and closes the transport. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.observerPool != nil {
			drainCtx := ctx
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(ctx, observerDrainTimeout)
				defer cancel()
			}
			if err := c.observerPool.Close(drainCtx); err != nil {
				c.logger.Warn().Err(err).Msg("xqueue: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := c.transport.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("xqueue: transport close failed")
			closeErr = &TransportError{Op: "close", Err: err}
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (c *Client) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (c *Client) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for i, o := range c.observers {
		if o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands e to the observer pool without blocking.
func (c *Client) notifyAsync(e Event) {
	if c.observerPool == nil || c.closed.Load() {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	c.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average.
func (c *Client) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := c.metrics.processingNs.Load()
	if current == 0 {
		c.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	c.metrics.processingNs.Store(newAvg)
}
