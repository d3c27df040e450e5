package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xqueue"
)

const TransportName = "redis-streams"

func init() {
	if err := xqueue.RegisterTransport(TransportName, func(cfg map[string]any) (xqueue.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xqueue: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Client over Redis Streams. It panics when the transport
// cannot connect.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return client
}
