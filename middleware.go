package xqueue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/trickstertwo/xclock"
)

// ReceiveHandler processes one decoded payload. Return error to trigger Nack.
type ReceiveHandler func(ctx context.Context, messageID, payload string) error

// Middleware composes processing concerns around a ReceiveHandler.
type Middleware func(next ReceiveHandler) ReceiveHandler

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// ExponentialBackoff doubles base on every attempt; a positive ceiling caps the wait.
func ExponentialBackoff(base, ceiling time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if ceiling > 0 && d >= ceiling {
				return ceiling
			}
		}
		if ceiling > 0 && d > ceiling {
			return ceiling
		}
		return d
	}
}

// RetryMiddleware re-runs the handler in place, before the message is acked
// or nacked.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(1, cfg.MaxAttempts)
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	return func(next ReceiveHandler) ReceiveHandler {
		return func(ctx context.Context, messageID, payload string) error {
			var err error
			for i := 1; ; i++ {
				if err = next(ctx, messageID, payload); err == nil {
					return nil
				}
				if ctx.Err() != nil || i == attempts || !shouldRetry(err) {
					return err
				}
				if l, ok := LoggerFromContext(ctx); ok {
					l.Debug().Err(err).Str("message_id", messageID).Msg("xqueue: retrying handler")
				}
				if cfg.Backoff == nil {
					continue
				}
				wait := cfg.Backoff(i)
				if cfg.Jitter > 0 {
					wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
				}
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return err
				case <-timer.C:
				}
			}
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded, it returns context.DeadlineExceeded and the message is Nacked.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next ReceiveHandler) ReceiveHandler { return next }
	}
	return func(next ReceiveHandler) ReceiveHandler {
		return func(ctx context.Context, messageID, payload string) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, messageID, payload)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next ReceiveHandler) ReceiveHandler {
		return func(ctx context.Context, messageID, payload string) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, messageID, payload)
		}
	}
}

// LoggingMiddleware logs each handler run with its duration using the
// logger injected into the handler context.
func LoggingMiddleware() Middleware {
	return func(next ReceiveHandler) ReceiveHandler {
		return func(ctx context.Context, messageID, payload string) error {
			l, ok := LoggerFromContext(ctx)
			if !ok {
				return next(ctx, messageID, payload)
			}
			clk, ok := ClockFromContext(ctx)
			if !ok {
				clk = xclock.Default()
			}
			start := clk.Now()
			err := next(ctx, messageID, payload)
			elapsed := clk.Since(start)
			if err != nil {
				l.Warn().Err(err).Str("message_id", messageID).Dur("dur", elapsed).Msg("xqueue: handler failed")
			} else {
				l.Debug().Str("message_id", messageID).Dur("dur", elapsed).Msg("xqueue: handler done")
			}
			return err
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h ReceiveHandler, mws ...Middleware) ReceiveHandler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
