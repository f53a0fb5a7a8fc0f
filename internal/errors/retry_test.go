package errors

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: an operation that fails twice with a retryable kind
	var calls atomic.Int64
	fn := func() error {
		if calls.Add(1) < 3 {
			return New(KindTransient, "temporary hiccup", nil)
		}
		return nil
	}

	// When: retrying with budget for three attempts
	err := Retry(context.Background(), fastRetryConfig(3), fn)

	// Then: it eventually succeeds
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestRetry_NonRetryableKindStopsImmediately(t *testing.T) {
	// Given: an operation failing with a terminal kind
	var calls atomic.Int64
	authErr := New(KindProviderAuth, "invalid api key", nil)
	fn := func() error {
		calls.Add(1)
		return authErr
	}

	// When: retrying
	err := Retry(context.Background(), fastRetryConfig(3), fn)

	// Then: exactly one attempt was made and the error is unchanged
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, IsKind(err, KindProviderAuth))
	assert.NotContains(t, err.Error(), "failed after")
}

func TestRetry_ExhaustionWrapsLastError(t *testing.T) {
	var calls atomic.Int64
	fn := func() error {
		calls.Add(1)
		return New(KindRemoteUnavailable, "connection refused", nil)
	}

	err := Retry(context.Background(), fastRetryConfig(2), fn)

	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load(), "initial attempt plus two retries")
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.True(t, IsKind(err, KindRemoteUnavailable))
}

func TestRetry_ContextCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	fn := func() error {
		if calls.Add(1) == 1 {
			cancel()
		}
		return New(KindTransient, "still failing", nil)
	}

	err := Retry(ctx, RetryConfig{MaxRetries: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, fn)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int64(2))
}

func TestRetryWithResult_ReturnsValueFromLastAttempt(t *testing.T) {
	var calls atomic.Int64
	fn := func() ([]float32, error) {
		if calls.Add(1) < 2 {
			return nil, New(KindTimeout, "deadline exceeded", nil)
		}
		return []float32{0.1, 0.2}, nil
	}

	vec, err := RetryWithResult(context.Background(), fastRetryConfig(2), fn)

	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRateLimitRetryConfig_SingleRetry(t *testing.T) {
	cfg := RateLimitRetryConfig(time.Millisecond)

	var calls atomic.Int64
	fn := func() error {
		calls.Add(1)
		return New(KindRateLimited, "429", nil)
	}

	err := Retry(context.Background(), cfg, fn)

	require.Error(t, err)
	assert.Equal(t, int64(2), calls.Load(), "initial attempt plus exactly one retry")
}
