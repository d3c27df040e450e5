package xqueue

import (
	"context"
	"sync"
)

// Receipt is the future returned by Send. It resolves exactly once, when the
// transport reports the outcome of the enqueue.
type Receipt struct {
	once sync.Once
	done chan struct{}
	id   string
	err  error
}

func newReceipt() *Receipt {
	return &Receipt{done: make(chan struct{})}
}

// resolve runs fn and publishes the outcome. Later calls are ignored and
// report false.
func (r *Receipt) resolve(id string, err error, fn func()) bool {
	resolved := false
	r.once.Do(func() {
		resolved = true
		r.id = id
		r.err = err
		if fn != nil {
			fn()
		}
		close(r.done)
	})
	return resolved
}

// Done is closed once the outcome is known.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Wait blocks until the outcome is known or ctx ends.
func (r *Receipt) Wait(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// MessageID returns the transport-assigned ID, or "" while pending or on failure.
func (r *Receipt) MessageID() string {
	select {
	case <-r.done:
		return r.id
	default:
		return ""
	}
}

// Err returns the send failure (a *TransportError), or nil while pending or on success.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
