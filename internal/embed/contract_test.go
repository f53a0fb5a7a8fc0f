package embed

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// stubRetrySleep replaces the retry sleep with a recorder so retry
// tests run without real waits.
func stubRetrySleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := retrySleep
	retrySleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	t.Cleanup(func() { retrySleep = orig })
	return &waits
}

func TestTruncateText_CutsAtRuneBoundary(t *testing.T) {
	// Given: a text of multibyte runes longer than the limit
	text := "héllo wörld ünïcode"

	// When: truncating to 8 runes
	got := truncateText(text, 8, "m1")

	// Then: exactly 8 runes survive, no byte-level mangling
	assert.Equal(t, "héllo wö", got)
}

func TestTruncateText_UnderLimitUnchanged(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 100, "m1"))
	assert.Equal(t, "no limit", truncateText("no limit", 0, "m1"))
}

func TestMaxCharsOption(t *testing.T) {
	def := 8000

	assert.Equal(t, def, maxCharsOption(ModelConfig{}, def))
	assert.Equal(t, 500, maxCharsOption(ModelConfig{Options: map[string]any{"max_chars": 500}}, def))
	assert.Equal(t, 500, maxCharsOption(ModelConfig{Options: map[string]any{"max_chars": float64(500)}}, def))
	assert.Equal(t, 500, maxCharsOption(ModelConfig{Options: map[string]any{"max_chars": "500"}}, def))
	assert.Equal(t, def, maxCharsOption(ModelConfig{Options: map[string]any{"max_chars": "junk"}}, def))
	assert.Equal(t, def, maxCharsOption(ModelConfig{Options: map[string]any{"max_chars": -1}}, def))
}

func TestClassifyStatus_MapsKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   mmerrors.Kind
	}{
		{http.StatusUnauthorized, mmerrors.KindProviderAuth},
		{http.StatusForbidden, mmerrors.KindProviderAuth},
		{http.StatusNotFound, mmerrors.KindModelNotFound},
		{http.StatusRequestTimeout, mmerrors.KindTimeout},
		{http.StatusTooManyRequests, mmerrors.KindRateLimited},
		{http.StatusInternalServerError, mmerrors.KindRemoteUnavailable},
		{http.StatusServiceUnavailable, mmerrors.KindRemoteUnavailable},
		{http.StatusBadRequest, mmerrors.KindTransport},
	}
	for _, tc := range cases {
		err := classifyStatus("test", tc.status, "boom", nil)
		assert.True(t, mmerrors.IsKind(err, tc.kind),
			"status %d should map to %s, got %s", tc.status, tc.kind, mmerrors.KindOf(err))
	}
}

func TestClassifyStatus_CarriesRetryAfter(t *testing.T) {
	// Given: a 429 with a Retry-After header
	header := http.Header{}
	header.Set("Retry-After", "7")

	// When: classifying
	err := classifyStatus("test", http.StatusTooManyRequests, "slow down", header)

	// Then: the hint survives into the retry layer
	assert.Equal(t, 7*time.Second, retryAfterHint(err, 2*time.Second))
}

func TestRetryAfterHint_FallsBack(t *testing.T) {
	plain := mmerrors.Newf(mmerrors.KindRateLimited, "limited")
	assert.Equal(t, 2*time.Second, retryAfterHint(plain, 2*time.Second))

	junk := mmerrors.Newf(mmerrors.KindRateLimited, "limited").WithDetail("retry_after", "soonish")
	assert.Equal(t, 5*time.Second, retryAfterHint(junk, 5*time.Second))
}

func TestRetryEmbedCall_RateLimitRetriesOnce(t *testing.T) {
	waits := stubRetrySleep(t)

	// Given: a call that is rate limited on every attempt
	var calls atomic.Int64
	fn := func(context.Context) error {
		calls.Add(1)
		return mmerrors.Newf(mmerrors.KindRateLimited, "limited")
	}

	// When: running through the retry policy
	err := retryEmbedCall(context.Background(), false, fn)

	// Then: exactly one retry happened, with the single-call fallback wait
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindRateLimited))
	assert.Equal(t, int64(2), calls.Load())
	require.Len(t, *waits, 1)
	assert.Equal(t, singleRateLimitWait, (*waits)[0])
}

func TestRetryEmbedCall_RateLimitThenSuccess(t *testing.T) {
	waits := stubRetrySleep(t)

	var calls atomic.Int64
	fn := func(context.Context) error {
		if calls.Add(1) == 1 {
			return mmerrors.Newf(mmerrors.KindRateLimited, "limited")
		}
		return nil
	}

	err := retryEmbedCall(context.Background(), true, fn)

	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	require.Len(t, *waits, 1)
	assert.Equal(t, batchRateLimitWait, (*waits)[0], "batch calls use the batch fallback wait")
}

func TestRetryEmbedCall_TransientRetriesWithBackoff(t *testing.T) {
	waits := stubRetrySleep(t)

	// Given: three transport failures before success
	var calls atomic.Int64
	fn := func(context.Context) error {
		if calls.Add(1) <= 3 {
			return mmerrors.Newf(mmerrors.KindTransport, "connection reset")
		}
		return nil
	}

	err := retryEmbedCall(context.Background(), false, fn)

	require.NoError(t, err)
	assert.Equal(t, int64(4), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, *waits)
}

func TestRetryEmbedCall_TransportExhausted(t *testing.T) {
	stubRetrySleep(t)

	var calls atomic.Int64
	fn := func(context.Context) error {
		calls.Add(1)
		return mmerrors.Newf(mmerrors.KindRemoteUnavailable, "down")
	}

	err := retryEmbedCall(context.Background(), false, fn)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindRemoteUnavailable))
	assert.Equal(t, int64(1+maxTransportRetries), calls.Load())
}

func TestRetryEmbedCall_OtherErrorsUnchanged(t *testing.T) {
	waits := stubRetrySleep(t)

	var calls atomic.Int64
	fn := func(context.Context) error {
		calls.Add(1)
		return mmerrors.Newf(mmerrors.KindProviderAuth, "bad key")
	}

	err := retryEmbedCall(context.Background(), false, fn)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindProviderAuth))
	assert.Equal(t, int64(1), calls.Load(), "non-retryable errors return immediately")
	assert.Empty(t, *waits)
}

func TestRetryEmbedCall_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryEmbedCall(ctx, false, func(context.Context) error { return nil })

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindCancelled))
}

func TestEmbedWindows_RespectsBatchSize(t *testing.T) {
	// Given: five texts and a window size of two
	var windows [][]string
	call := func(_ context.Context, texts []string) ([][]float32, error) {
		windows = append(windows, texts)
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = []float32{float32(len(text))}
		}
		return out, nil
	}

	// When: embedding through windows
	vecs, err := embedWindows(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"}, 2, call)

	// Then: three windows in order, results concatenated in order
	require.NoError(t, err)
	require.Len(t, windows, 3)
	assert.Equal(t, []string{"a", "bb"}, windows[0])
	assert.Equal(t, []string{"ccc", "dddd"}, windows[1])
	assert.Equal(t, []string{"eeeee"}, windows[2])
	require.Len(t, vecs, 5)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(5), vecs[4][0])
}

func TestEmbedWindow_SplitsOnRepeatedRateLimit(t *testing.T) {
	stubRetrySleep(t)

	// Given: a provider that rate limits any window above one text
	var singleCalls atomic.Int64
	call := func(_ context.Context, texts []string) ([][]float32, error) {
		if len(texts) > 1 {
			return nil, mmerrors.Newf(mmerrors.KindRateLimited, "limited")
		}
		singleCalls.Add(1)
		return [][]float32{{float32(len(texts[0]))}}, nil
	}

	// When: embedding a window of four
	vecs, err := embedWindow(context.Background(), []string{"a", "bb", "ccc", "dddd"}, call)

	// Then: the window split down to single texts and order survived
	require.NoError(t, err)
	assert.Equal(t, int64(4), singleCalls.Load())
	require.Len(t, vecs, 4)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])
	assert.Equal(t, float32(4), vecs[3][0])
}

func TestEmbedWindow_CountMismatchIsError(t *testing.T) {
	stubRetrySleep(t)

	call := func(_ context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1}}, nil
	}

	_, err := embedWindow(context.Background(), []string{"a", "b"}, call)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransport))
}

func TestEmbedBatchFiltered_EmptyTextsGetZeroVectors(t *testing.T) {
	// Given: a batch with empty and whitespace entries
	var sent []string
	call := func(_ context.Context, texts []string) ([][]float32, error) {
		sent = append(sent, texts...)
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 1, 1}
		}
		return out, nil
	}

	// When: embedding the batch
	vecs, err := embedBatchFiltered(context.Background(), []string{"a", "", "b", "   "}, 3, 10, call)

	// Then: only real texts reached the provider
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sent)
	require.Len(t, vecs, 4)
	assert.Equal(t, []float32{1, 1, 1}, vecs[0])
	assert.Equal(t, []float32{0, 0, 0}, vecs[1])
	assert.Equal(t, []float32{1, 1, 1}, vecs[2])
	assert.Equal(t, []float32{0, 0, 0}, vecs[3])
}

func TestEmbedBatchFiltered_AllEmptySkipsProvider(t *testing.T) {
	called := false
	call := func(_ context.Context, texts []string) ([][]float32, error) {
		called = true
		return nil, nil
	}

	vecs, err := embedBatchFiltered(context.Background(), []string{"", " "}, 2, 10, call)

	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, vecs)
}

func TestNewRateLimiter(t *testing.T) {
	assert.Nil(t, newRateLimiter(0))
	assert.Nil(t, newRateLimiter(-5))
	assert.NotNil(t, newRateLimiter(60))
	assert.NoError(t, waitLimiter(context.Background(), nil))
}
