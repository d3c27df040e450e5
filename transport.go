package xqueue

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Delivery encapsulates a received message with Ack/Nack semantics.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Subscription represents an active receive stream that can be closed.
type Subscription interface {
	Close() error
}

// SendCompletion reports the outcome of an accepted send. Transports call it
// exactly once, from a goroutine they own.
type SendCompletion func(messageID string, err error)

// Transport is the Strategy interface for queue backends.
type Transport interface {
	// Send hands body to the queue. A non-nil return means the message was
	// rejected up front and done will not be called.
	Send(ctx context.Context, body string, done SendCompletion) error
	// Receive drives delivery in background and honors ctx. handler may be
	// called concurrently.
	Receive(ctx context.Context, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name, known: Transports()}
	}
	return f(cfg)
}

// Transports lists registered transport names in sorted order.
func Transports() []string {
	transportRegistryMu.RLock()
	defer transportRegistryMu.RUnlock()
	names := make([]string, 0, len(transportRegistry))
	for name := range transportRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
