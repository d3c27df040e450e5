package zmq

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xqueue"
)

const TransportName = "zmq"

func init() {
	if err := xqueue.RegisterTransport(TransportName, func(cfg map[string]any) (xqueue.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xqueue: failed to register transport %q: %w", TransportName, err))
	}
}

// Option configures the xqueue.Client construction when calling Use.
type Option func(*xqueue.ClientBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xqueue.ClientBuilder) { b.WithLogger(l) }
}

func WithMiddleware(mw ...xqueue.Middleware) Option {
	return func(b *xqueue.ClientBuilder) { b.WithMiddleware(mw...) }
}

func WithObserver(obs ...xqueue.Observer) Option {
	return func(b *xqueue.ClientBuilder) { b.WithObserver(obs...) }
}

func WithErrorHandler(h xqueue.ErrorHandler) Option {
	return func(b *xqueue.ClientBuilder) { b.WithErrorHandler(h) }
}

func WithLatencyWatcher(threshold time.Duration, w xqueue.LatencyWatcher) Option {
	return func(b *xqueue.ClientBuilder) { b.WithLatencyWatcher(threshold, w) }
}

// Use builds a Client over ZeroMQ. It panics when sockets cannot be opened.
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
		panic(fmt.Errorf("zmq.Use: %w", err))
	}
	return client
}
