package keeper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda/position-keeper/keeper"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// GIVEN: An operation that fails twice then succeeds
	// WHEN: Retrying with three attempts
	// THEN: The call succeeds and stops retrying

	cfg := keeper.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	calls := 0

	err := keeper.Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustedAttemptsReturnLastError(t *testing.T) {
	cfg := keeper.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	calls := 0
	lastErr := errors.New("still broken")

	err := keeper.Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		return lastErr
	})

	assert.ErrorIs(t, err, lastErr)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellationWins(t *testing.T) {
	// GIVEN: A failing operation and a context that is cancelled mid-backoff
	// WHEN: Retrying
	// THEN: Cancellation is returned instead of more attempts

	cfg := keeper.RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := keeper.Retry(ctx, cfg, func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "cancellation during backoff must stop attempts")
}

func TestRetry_ZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	err := keeper.Retry(context.Background(), keeper.RetryConfig{}, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
