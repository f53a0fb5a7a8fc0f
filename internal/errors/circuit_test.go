package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a breaker allowing three failures
	b := NewBreaker("qdrant", 3, time.Minute)
	boom := New(KindTransport, "connection reset", nil)

	// When: recording three consecutive failures
	for i := 0; i < 3; i++ {
		assert.True(t, b.Allow())
		b.Record(boom)
	}

	// Then: the breaker is open and rejects calls
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("milvus", 3, time.Minute)
	boom := New(KindTransport, "boom", nil)

	b.Record(boom)
	b.Record(boom)
	b.Record(nil)

	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	// Given: an open breaker with a tiny cooldown
	b := NewBreaker("elastic", 1, 10*time.Millisecond)
	b.Record(New(KindRemoteUnavailable, "503", nil))
	require.Equal(t, BreakerOpen, b.State())

	// When: the cooldown elapses
	time.Sleep(20 * time.Millisecond)

	// Then: a probe is allowed and a success closes the breaker
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestGuard_RejectsWhenOpen(t *testing.T) {
	b := NewBreaker("pinecone", 1, time.Minute)
	b.Record(New(KindTransport, "reset", nil))

	called := false
	_, err := Guard(b, func() (int, error) {
		called = true
		return 42, nil
	})

	require.Error(t, err)
	assert.False(t, called, "open breaker must not invoke the call")
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, IsKind(err, KindRemoteUnavailable))
}

func TestGuard_PassesThroughResultAndRecords(t *testing.T) {
	b := NewBreaker("weaviate", 2, time.Minute)

	got, err := Guard(b, func() (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 0, b.Failures())

	_, err = Guard(b, func() (string, error) {
		return "", New(KindTransport, "boom", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, b.Failures())
}
