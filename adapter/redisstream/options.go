package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xqueue"
)

// Option configures the xqueue.Client construction when calling Use.
type Option func(*xqueue.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xqueue.ClientBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xqueue.ClientBuilder) { b.WithClock(c) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xqueue.Middleware) Option {
	return func(b *xqueue.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xqueue.ClientBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xqueue.Observer) Option {
	return func(b *xqueue.ClientBuilder) { b.WithObserver(obs...) }
}

func WithErrorHandler(h xqueue.ErrorHandler) Option {
	return func(b *xqueue.ClientBuilder) { b.WithErrorHandler(h) }
}

func WithLatencyWatcher(threshold time.Duration, w xqueue.LatencyWatcher) Option {
	return func(b *xqueue.ClientBuilder) { b.WithLatencyWatcher(threshold, w) }
}
