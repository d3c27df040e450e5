package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xqueue"
)

// Use builds a Client over a fresh in-memory transport.
//
// Example:
//
//	client := memory.Use(memory.Config{
//	    BufferSize:  4096,
//	    Concurrency: 8,
//	},
//	    memory.WithLogger(logger),
//	    memory.WithLatencyWatcher(time.Second, alert),
//	)
func Use(cfg Config, opts ...Option) *xqueue.Client {
	cb := xqueue.NewClientBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(cb)
		}
	}

	client, err := cb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return client
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_deliveries":   c.MaxDeliveries,
	}
}

// Option configures the xqueue.Client when calling Use.
type Option func(*xqueue.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xqueue.ClientBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xqueue.ClientBuilder) { b.WithClock(c) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xqueue.Middleware) Option {
	return func(b *xqueue.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xqueue.ClientBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xqueue.Observer) Option {
	return func(b *xqueue.ClientBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xqueue.ClientBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithErrorHandler receives per-message failures.
func WithErrorHandler(h xqueue.ErrorHandler) Option {
	return func(b *xqueue.ClientBuilder) { b.WithErrorHandler(h) }
}

// WithLatencyWatcher pre-registers a residence time watcher.
func WithLatencyWatcher(threshold time.Duration, w xqueue.LatencyWatcher) Option {
	return func(b *xqueue.ClientBuilder) { b.WithLatencyWatcher(threshold, w) }
}
