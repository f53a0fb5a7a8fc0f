package index

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

func TestBatchRanges(t *testing.T) {
	assert.Empty(t, batchRanges(0, 10))
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 5}}, batchRanges(5, 2))
	assert.Equal(t, [][2]int{{0, 3}}, batchRanges(3, 10))
	// A non-positive size falls back to the default window.
	assert.Equal(t, [][2]int{{0, 3}}, batchRanges(3, 0))
}

func TestCheckBatch(t *testing.T) {
	cfg := Config{Dimensions: 3}

	assert.NoError(t, checkBatch(cfg, [][]float32{{1, 2, 3}}, []string{"a"}))

	err := checkBatch(cfg, [][]float32{{1, 2, 3}}, []string{"a", "b"})
	require.Error(t, err)

	err = checkBatch(cfg, [][]float32{{1, 2}}, []string{"a"})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindDimensionMismatch), "got %v", err)
}

func TestClassifyRemoteStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   mmerrors.Kind
	}{
		{http.StatusUnauthorized, mmerrors.KindProviderAuth},
		{http.StatusForbidden, mmerrors.KindProviderAuth},
		{http.StatusNotFound, mmerrors.KindCollectionMissing},
		{http.StatusTooManyRequests, mmerrors.KindRateLimited},
		{http.StatusRequestTimeout, mmerrors.KindTimeout},
		{http.StatusBadGateway, mmerrors.KindRemoteUnavailable},
		{http.StatusBadRequest, mmerrors.KindTransport},
	}
	for _, tc := range cases {
		err := classifyRemoteStatus("test", tc.status, "nope")
		assert.True(t, mmerrors.IsKind(err, tc.kind), "status %d got %v", tc.status, err)
	}

	// Response bodies are clipped so logs stay readable.
	err := classifyRemoteStatus("test", http.StatusBadRequest, strings.Repeat("x", 500))
	assert.Less(t, len(err.Error()), 300)
}

func TestAPIKeyFromEnv(t *testing.T) {
	// Optional and unconfigured: empty key, no error.
	key, err := apiKeyFromEnv(Config{}, false)
	require.NoError(t, err)
	assert.Empty(t, key)

	// Required but unconfigured: fail before any network call.
	_, err = apiKeyFromEnv(Config{Backend: BackendPinecone}, true)
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindProviderAuth), "got %v", err)

	// Required and named, but the variable is empty.
	_, err = apiKeyFromEnv(Config{APIKeyEnv: "INDEX_TEST_EMPTY_KEY"}, true)
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindProviderAuth), "got %v", err)

	// Whitespace around the credential is stripped.
	t.Setenv("INDEX_TEST_KEY", "  hunter2  ")
	key, err = apiKeyFromEnv(Config{APIKeyEnv: "INDEX_TEST_KEY"}, true)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", key)
}

func TestRemoteUUID_Deterministic(t *testing.T) {
	a := remoteUUID("doc1#0")
	assert.Equal(t, a, remoteUUID("doc1#0"))
	assert.NotEqual(t, a, remoteUUID("doc1#1"))
	assert.Len(t, a, 36)
}

func TestRemoteCall_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	rc := &remoteCall{backend: "test", client: newRemoteHTTPClient(), timeout: 30 * time.Millisecond}

	err := rc.do(context.Background(), http.MethodGet, srv.URL, nil, nil)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTimeout), "got %v", err)
}

func TestRemoteCall_CallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	rc := &remoteCall{backend: "test", client: newRemoteHTTPClient(), timeout: 5 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := rc.do(ctx, http.MethodGet, srv.URL, nil, nil)

	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindCancelled), "got %v", err)
}

func TestRemoteCall_OnStatusIntercepts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"already there"}`))
	}))
	t.Cleanup(srv.Close)

	rc := &remoteCall{
		backend: "test",
		client:  newRemoteHTTPClient(),
		timeout: time.Second,
		onStatus: func(status int, body string) error {
			if status == http.StatusConflict {
				return nil
			}
			return classifyRemoteStatus("test", status, body)
		},
	}

	assert.NoError(t, rc.do(context.Background(), http.MethodPost, srv.URL, map[string]any{"x": 1}, nil))
}

func TestRemoteCall_BreakerOpensAfterFailures(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	rc := &remoteCall{
		backend: "test",
		client:  newRemoteHTTPClient(),
		timeout: time.Second,
		breaker: mmerrors.NewBreaker("test", 2, time.Hour),
	}

	// Two failures open the breaker.
	for i := 0; i < 2; i++ {
		err := rc.do(context.Background(), http.MethodGet, srv.URL, nil, nil)
		require.Error(t, err)
		assert.True(t, mmerrors.IsKind(err, mmerrors.KindRemoteUnavailable), "got %v", err)
	}
	assert.Equal(t, 2, requests)

	// The third call is rejected without reaching the server.
	err := rc.do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindRemoteUnavailable), "got %v", err)
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.Equal(t, 2, requests)
}

func TestRemoteCall_BreakerIgnoresAnsweredErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	rc := &remoteCall{
		backend: "test",
		client:  newRemoteHTTPClient(),
		timeout: time.Second,
		breaker: mmerrors.NewBreaker("test", 2, time.Hour),
	}

	// Auth rejections prove the endpoint is alive; the breaker stays
	// closed no matter how many arrive.
	for i := 0; i < 4; i++ {
		err := rc.do(context.Background(), http.MethodGet, srv.URL, nil, nil)
		require.Error(t, err)
		assert.True(t, mmerrors.IsKind(err, mmerrors.KindProviderAuth), "got %v", err)
	}
	assert.Equal(t, mmerrors.BreakerClosed, rc.breaker.State())
}

// Remote adapters answer Stats from a cached count, so a server that
// stops responding never blocks a stats call.
func TestRemoteStats_NoNetwork(t *testing.T) {
	f := &fakePinecone{vecs: map[string][]float32{"a": unit4(0)}, key: "secret"}
	srv := httptest.NewServer(f.handler(t))

	idx, err := New(pineconeTestConfig(t, srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	require.NoError(t, idx.Initialize(context.Background()))
	require.Equal(t, 1, idx.Stats().TotalVectors)

	srv.Close()

	// The cached value answers instantly even with the server gone.
	done := make(chan Stats, 1)
	go func() { done <- idx.Stats() }()
	select {
	case stats := <-done:
		assert.Equal(t, 1, stats.TotalVectors)
		assert.Equal(t, string(metric.Cosine), stats.Metric)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked on a dead server")
	}
}
