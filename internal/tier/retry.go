package tier

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/membank/membank/internal/memory"
)

// Retry policy shared by all tier adapters. Only transient errors are
// retried; constraint violations and malformed queries surface immediately.
const (
	// MaxRetries caps retry attempts for transient errors.
	MaxRetries = 3

	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// WithRetry runs fn, retrying KindTransientStore failures with exponential
// backoff up to MaxRetries. The caller's context bounds the whole budget:
// backoff sleeps observe ctx, so retries never restart the deadline.
//
// A transient error that exhausts its retries is surfaced as
// KindStoreUnavailable.
func WithRetry(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0 // attempts capped by MaxRetries, time by ctx

	var attempt int
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(memory.Wrap(memory.KindStoreUnavailable, "", "deadline exceeded", err))
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !memory.IsTransient(err) {
			return backoff.Permanent(err)
		}

		attempt++
		logger.Warn("transient store error, retrying",
			"op", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx))

	if err == nil {
		return nil
	}
	if memory.IsTransient(err) {
		return memory.Wrap(memory.KindStoreUnavailable, "", "retries exhausted for "+op, err)
	}
	return err
}
