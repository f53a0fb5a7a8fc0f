package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Shared plumbing for the REST-speaking remote backends. The SDK-based
// backends (qdrant, milvus, pgvector) bring their own transports.

// newRemoteHTTPClient returns a pooled client without a client-level
// timeout; per-request contexts carry the configured timeout so a
// caller cancel is honoured immediately.
func newRemoteHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// remoteUUID derives the deterministic point id stored on servers that
// require UUID keys. Same chunk id, same UUID, so re-ingestion
// overwrites instead of duplicating.
func remoteUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(id)).String()
}

// apiKeyFromEnv resolves the credential named by the config. When
// required, a missing or empty variable fails fast so the first
// network call is never made with a credential known to be absent.
func apiKeyFromEnv(cfg Config, required bool) (string, error) {
	if cfg.APIKeyEnv == "" {
		if required {
			return "", mmerrors.Newf(mmerrors.KindProviderAuth,
				"%s requires api_key_env in the index config", cfg.Backend)
		}
		return "", nil
	}
	key := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	if key == "" && required {
		return "", mmerrors.New(mmerrors.KindProviderAuth,
			fmt.Sprintf("environment variable %s is empty", cfg.APIKeyEnv), nil).
			WithDetail("env", cfg.APIKeyEnv)
	}
	return key, nil
}

// classifyRemoteStatus maps a non-2xx response to an error kind.
func classifyRemoteStatus(backend string, status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return mmerrors.Newf(mmerrors.KindProviderAuth,
			"%s rejected credentials (HTTP %d): %s", backend, status, snippet)
	case status == http.StatusNotFound:
		return mmerrors.Newf(mmerrors.KindCollectionMissing,
			"%s collection not found (HTTP %d): %s", backend, status, snippet)
	case status == http.StatusTooManyRequests:
		return mmerrors.Newf(mmerrors.KindRateLimited,
			"%s rate limited (HTTP %d): %s", backend, status, snippet)
	case status == http.StatusRequestTimeout:
		return mmerrors.Newf(mmerrors.KindTimeout,
			"%s request timed out (HTTP %d): %s", backend, status, snippet)
	case status >= 500:
		return mmerrors.Newf(mmerrors.KindRemoteUnavailable,
			"%s server error (HTTP %d): %s", backend, status, snippet)
	default:
		return mmerrors.Newf(mmerrors.KindTransport,
			"%s request failed (HTTP %d): %s", backend, status, snippet)
	}
}

// remoteCall is one JSON exchange with a remote backend. The HTTP
// round trip runs in a goroutine so a caller cancel is not stuck
// behind a slow read. A nil out skips response decoding; onStatus, when
// set, intercepts non-2xx statuses before classification (return nil
// to treat the status as success). A breaker, when set, rejects calls
// without touching the wire while the endpoint keeps erroring.
type remoteCall struct {
	backend  string
	client   *http.Client
	timeout  time.Duration
	headers  map[string]string
	onStatus func(status int, body string) error
	breaker  *mmerrors.Breaker
}

func (rc *remoteCall) do(parent context.Context, method, url string, in, out any) error {
	var raw []byte
	if in != nil {
		var err error
		raw, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	return rc.doRaw(parent, method, url, "application/json", raw, out)
}

// doRaw sends a pre-encoded body. contentType is only set when body is
// non-nil. Outcomes feed the breaker: unreachable or timed out counts
// as a failure, an endpoint that answers with any status is alive, and
// a caller cancel says nothing either way.
func (rc *remoteCall) doRaw(parent context.Context, method, url, contentType string, body []byte, out any) error {
	if rc.breaker != nil && !rc.breaker.Allow() {
		return mmerrors.Newf(mmerrors.KindRemoteUnavailable,
			"%s circuit breaker is open after %d consecutive failures",
			rc.backend, rc.breaker.Failures()).
			WithDetail("backend", rc.backend)
	}
	err := rc.exchange(parent, method, url, contentType, body, out)
	if rc.breaker != nil {
		switch {
		case mmerrors.IsKind(err, mmerrors.KindCancelled):
		case mmerrors.IsKind(err, mmerrors.KindRemoteUnavailable),
			mmerrors.IsKind(err, mmerrors.KindTimeout):
			rc.breaker.Record(err)
		default:
			rc.breaker.Record(nil)
		}
	}
	return err
}

func (rc *remoteCall) exchange(parent context.Context, method, url, contentType string, body []byte, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(parent, rc.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range rc.headers {
		req.Header.Set(k, v)
	}

	resultCh := make(chan error, 1)
	go func() {
		resp, err := rc.client.Do(req)
		if err != nil {
			resultCh <- mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(resp.Body)
			if rc.onStatus != nil {
				resultCh <- rc.onStatus(resp.StatusCode, string(raw))
				return
			}
			resultCh <- classifyRemoteStatus(rc.backend, resp.StatusCode, string(raw))
			return
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resultCh <- nil
			return
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			resultCh <- mmerrors.Wrap(mmerrors.KindTransport, err)
			return
		}
		resultCh <- nil
	}()

	select {
	case <-ctx.Done():
		rc.client.CloseIdleConnections()
		select {
		case <-resultCh:
		case <-time.After(100 * time.Millisecond):
		}
		if parent.Err() != nil {
			return mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		return mmerrors.Newf(mmerrors.KindTimeout,
			"%s call timed out after %s", rc.backend, rc.timeout)
	case err := <-resultCh:
		return err
	}
}

// batchRanges yields [start,end) windows of at most size over n items.
func batchRanges(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultRemoteBatch
	}
	ranges := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// checkBatch validates the pairwise batch arguments shared by every
// remote AddBatch.
func checkBatch(cfg Config, vecs [][]float32, ids []string) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	for _, v := range vecs {
		if len(v) != cfg.Dimensions {
			return mmerrors.Newf(mmerrors.KindDimensionMismatch,
				"vector has %d dimensions, index expects %d", len(v), cfg.Dimensions)
		}
	}
	return nil
}
