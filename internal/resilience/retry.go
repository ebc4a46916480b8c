package resilience

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig tunes the retry loop
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            bool // add up to 25% random jitter to each backoff
}

// DefaultRetryConfig returns the defaults used around external calls
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is retried until it succeeds or attempts run out
type RetryableFunc func(ctx context.Context) error

// Retry runs fn with exponential backoff. Backoff sleeps respect the
// context; a cancelled context stops retrying immediately and returns
// the context's error wrapped with the last attempt's error.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable func(error) bool) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if config.Jitter {
			sleep += time.Duration(rand.Float64() * 0.25 * float64(backoff))
		}
		if sleep > config.MaxBackoff {
			sleep = config.MaxBackoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableNetworkError reports whether an error looks like a
// transient network or upstream failure worth retrying.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"unavailable",
		"network is unreachable",
		"no route to host",
		"timeout",
		"deadline exceeded",
		"too many requests",
		"rate limit",
		"502",
		"503",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
