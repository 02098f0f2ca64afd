/*
retry.go - Bounded retry with backoff

PURPOSE:
  One generic retry utility applied uniformly at the per-transaction
  dispatch boundary, instead of ad hoc retry-with-sleep loops at each call
  site. Attempts are bounded and the backoff doubles up to a cap.
*/
package keeper

import (
	"context"
	"time"
)

// RetryConfig bounds a retried operation.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialBackoff is the sleep after the first failure; each subsequent
	// failure doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetry is the dispatch-boundary policy: three tries, short waits.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Retry runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The last error is returned; context cancellation wins over retrying.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}
