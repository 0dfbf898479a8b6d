package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrNoPosition is returned when the symbol has no open position
var ErrNoPosition = errors.New("no open position")

// Error wraps a broker failure with its retry classification. Transient
// failures (network, rate limits, venue 5xx) schedule a retry; permanent
// failures (rejected order, bad symbol, auth) do not.
type Error struct {
	Err       error
	Transient bool
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Transient marks an error as retryable
func Transient(err error) error {
	return &Error{Err: err, Transient: true}
}

// Permanent marks an error as non-retryable
func Permanent(err error) error {
	return &Error{Err: err, Transient: false}
}

// IsTransient classifies a broker error. Wrapped *Error carries an explicit
// classification; everything else falls back to message inspection for the
// usual network and venue throttling failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"EAPI:1015", // venue throttling
		"EAPI:1003",
		"-1001", // venue internal error
		"-1021", // recvWindow drift
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryConfig configures exponential backoff for broker calls
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the retry policy used for order operations
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// WithRetry executes op with exponential backoff, aborting on non-transient
// errors and context cancellation.
func WithRetry(ctx context.Context, config RetryConfig, op func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msg("Broker call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Broker call failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("broker call failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
