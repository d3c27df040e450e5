package xqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
)

var errTransient = errors.New("transient")

func TestRetryMiddleware_SucceedsEventually(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 4,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	})(func(context.Context, string, string) error {
		if calls.Add(1) < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, h(context.Background(), "id", "p"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryMiddleware_GivesUp(t *testing.T) {
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{MaxAttempts: 2})(func(context.Context, string, string) error {
		calls.Add(1)
		return errTransient
	})

	assert.ErrorIs(t, h(context.Background(), "id", "p"), errTransient)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryMiddleware_RetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return errors.Is(err, errTransient) },
	})(func(context.Context, string, string) error {
		calls.Add(1)
		return permanent
	})

	assert.ErrorIs(t, h(context.Background(), "id", "p"), permanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(10 * time.Millisecond)(func(ctx context.Context, _ string, _ string) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, h(context.Background(), "id", "p"), context.DeadlineExceeded)

	fast := TimeoutMiddleware(time.Second)(func(context.Context, string, string) error { return nil })
	assert.NoError(t, fast(context.Background(), "id", "p"))
}

func TestTimeoutMiddleware_Panic(t *testing.T) {
	h := TimeoutMiddleware(time.Second)(func(context.Context, string, string) error { panic("boom") })
	assert.ErrorIs(t, h(context.Background(), "id", "p"), ErrHandlerPanic)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, string, string) error { panic("boom") })
	err := h(context.Background(), "id", "p")
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "boom")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next ReceiveHandler) ReceiveHandler {
			return func(ctx context.Context, id, p string) error {
				order = append(order, name)
				return next(ctx, id, p)
			}
		}
	}
	h := Chain(func(context.Context, string, string) error {
		order = append(order, "handler")
		return nil
	}, mw("first"), nil, mw("second"))

	require.NoError(t, h(context.Background(), "id", "p"))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(50*time.Millisecond, 300*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, b(1))
	assert.Equal(t, 100*time.Millisecond, b(2))
	assert.Equal(t, 200*time.Millisecond, b(3))
	assert.Equal(t, 300*time.Millisecond, b(4))
	assert.Equal(t, 300*time.Millisecond, b(10))

	uncapped := ExponentialBackoff(time.Millisecond, 0)
	assert.Equal(t, 8*time.Millisecond, uncapped(4))
}

func TestRetryMiddleware_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	h := RetryMiddleware(RetryConfig{
		MaxAttempts: 10,
		Backoff:     func(int) time.Duration { return time.Hour },
	})(func(context.Context, string, string) error {
		calls.Add(1)
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, h(ctx, "id", "p"), errTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoggingMiddleware_PassesThrough(t *testing.T) {
	h := LoggingMiddleware()(func(context.Context, string, string) error { return errTransient })
	assert.ErrorIs(t, h(context.Background(), "id", "p"), errTransient)

	ok := LoggingMiddleware()(func(context.Context, string, string) error { return nil })
	assert.NoError(t, ok(context.Background(), "id", "p"))

	ctx := injectLogger(context.Background(), xlog.Default())
	assert.ErrorIs(t, h(ctx, "id", "p"), errTransient)
	assert.NoError(t, ok(ctx, "id", "p"))
}
