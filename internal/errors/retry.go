package errors

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (not including the
	// initial attempt).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// Jitter adds randomness to delays to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig is the transient-transport policy: up to 3 retries with
// exponential backoff between 2s and 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RateLimitRetryConfig is the rate-limit policy: a single retry after the
// given delay.
func RateLimitRetryConfig(delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxRetries:   1,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

func (cfg RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0
	if cfg.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)
}

// shouldRetry decides whether an attempt error is worth repeating.
// Taxonomy errors consult their retryable flag; context errors never retry;
// unknown errors are retried and left for the caller to classify.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	var cur error = err
	for cur != nil {
		if e, ok := cur.(*Error); ok {
			return e.Retryable
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	return true
}

// Retry executes fn with exponential backoff.
// Non-retryable taxonomy errors stop immediately and propagate unchanged.
// When all attempts are exhausted the last error is wrapped with the attempt
// count.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function returning a value with retry logic.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	exhausted := false

	op := func() error {
		r, err := fn()
		if err != nil {
			if !shouldRetry(err) {
				return backoff.Permanent(err)
			}
			exhausted = true
			return err
		}
		exhausted = false
		result = r
		return nil
	}

	if err := backoff.Retry(op, cfg.backOff(ctx)); err != nil {
		var zero T
		if exhausted && err != context.Canceled && err != context.DeadlineExceeded {
			return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, err)
		}
		return zero, err
	}
	return result, nil
}
