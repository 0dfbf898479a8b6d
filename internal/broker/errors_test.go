package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"explicit transient", Transient(errors.New("venue hiccup")), true},
		{"explicit permanent", Permanent(errors.New("order rejected")), false},
		{"wrapped transient", fmt.Errorf("place order: %w", Transient(errors.New("x"))), true},
		{"breaker open", gobreaker.ErrOpenState, true},
		{"breaker throttled", gobreaker.ErrTooManyRequests, true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limit", errors.New("429 rate limit exceeded"), true},
		{"venue throttle code", errors.New("EAPI:1015 too fast"), true},
		{"recv window drift", errors.New("code -1021: timestamp outside recvWindow"), true},
		{"plain failure", errors.New("insufficient balance"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := WithRetry(ctx, fastRetryConfig(), func() error {
			attempts++
			if attempts < 3 {
				return Transient(errors.New("flaky"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent error aborts immediately", func(t *testing.T) {
		attempts := 0
		rejected := Permanent(errors.New("order rejected"))
		err := WithRetry(ctx, fastRetryConfig(), func() error {
			attempts++
			return rejected
		})
		require.ErrorIs(t, err, rejected)
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts := 0
		err := WithRetry(ctx, fastRetryConfig(), func() error {
			attempts++
			return Transient(errors.New("still down"))
		})
		require.ErrorContains(t, err, "after 4 attempts")
		assert.Equal(t, 4, attempts)
	})

	t.Run("cancellation stops the loop", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := WithRetry(cancelled, fastRetryConfig(), func() error {
			return Transient(errors.New("never seen"))
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
