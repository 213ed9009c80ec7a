package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryConfig holds configuration for the exponential backoff retry logic.
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first one
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Maximum delay cap
	Multiplier  float64       // Growth factor between delays

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the defaults: 3 attempts, 4s doubling, capped at 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   4 * time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
}

// RetryableFunc is a function that can be retried.
// It should return a non-nil error to trigger a retry.
type RetryableFunc func(ctx context.Context) error

// RetryError is returned once every attempt has failed.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: %d attempt(s) failed: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry executes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. Failures are returned as *RetryError carrying the
// number of attempts made. Context cancellation stops the loop at every step.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	cfg = cfg.normalize()

	var lastErr error
	attempt := 0

	for attempt < cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-timer.C:
		}
	}

	return &RetryError{Attempts: attempt, Err: lastErr}
}

// Delay returns the wait after the given (1-based) failed attempt:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay. The sequence is
// non-decreasing.
func (cfg RetryConfig) Delay(attempt int) time.Duration {
	cfg = cfg.normalize()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func (cfg RetryConfig) normalize() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return cfg
}
