package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("TransientThenSuccess", func(t *testing.T) {
		var delays []time.Duration
		p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Sleep: noSleep(&delays)}

		calls := 0
		got, err := Execute(ctx, p, func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", NewTransientError("test", 503, "unavailable", nil)
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	})

	t.Run("RejectedStopsAfterOneCall", func(t *testing.T) {
		var delays []time.Duration
		p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: noSleep(&delays)}

		calls := 0
		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, NewRejectedError("test", 400, "invalid_recipient", "bad number")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, delays)
		assert.Equal(t, ErrorKindRejected, KindOf(err))
	})

	t.Run("ConfigurationStopsAfterOneCall", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, Sleep: func(context.Context, time.Duration) error { return nil }}

		calls := 0
		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, NewConfigurationError("test", "missing key")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, ErrorKindConfiguration, KindOf(err))
	})

	t.Run("ExhaustionWrapsLastError", func(t *testing.T) {
		var delays []time.Duration
		p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep(&delays)}

		last := NewTransientError("test", 502, "bad gateway", nil)
		calls := 0
		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, last
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, delays, 2)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		pe, ok := AsProviderError(err)
		require.True(t, ok)
		assert.Same(t, last, pe)
	})

	t.Run("UntypedErrorsAreTransient", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}

		calls := 0
		_, err := Execute(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("connection reset")
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("CancelledContextStopsRetrying", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

		calls := 0
		_, err := Execute(cctx, p, func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, NewTransientError("test", 503, "unavailable", nil)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 200*time.Millisecond, p.Backoff(1, nil))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2, nil))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3, nil))
	assert.Equal(t, time.Second, p.Backoff(4, nil))
	assert.Equal(t, time.Second, p.Backoff(10, nil))

	t.Run("RetryAfterRaisesDelayUpToMax", func(t *testing.T) {
		pe := NewTransientError("test", 429, "slow down", nil)
		pe.RetryAfter = 700 * time.Millisecond
		assert.Equal(t, 700*time.Millisecond, p.Backoff(1, pe))

		pe.RetryAfter = time.Minute
		assert.Equal(t, time.Second, p.Backoff(1, pe))
	})
}

func TestProviderErrorMessage(t *testing.T) {
	err := NewRejectedError("messaging", 400, "invalid_recipient", "number is not reachable")
	assert.Equal(t, "messaging rejected_by_provider (http 400) [invalid_recipient]: number is not reachable", err.Error())

	wrapped := NewTransientError("messaging", 0, "request failed", errors.New("dial tcp: timeout"))
	assert.Contains(t, wrapped.Error(), "dial tcp: timeout")
	assert.Equal(t, ErrorKindTransient, KindOf(wrapped))
}
