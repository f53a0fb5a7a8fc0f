package embed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// truncateText enforces a provider character limit. Oversized text is
// cut at a rune boundary and a warning is logged; text is never
// rejected for length.
func truncateText(text string, maxChars int, modelID string) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	slog.Warn("embedding_text_truncated",
		slog.String("model", modelID),
		slog.Int("length", len(runes)),
		slog.Int("limit", maxChars))
	return string(runes[:maxChars])
}

// maxCharsOption reads a per-model character limit from Options,
// falling back to the provider default.
func maxCharsOption(cfg ModelConfig, def int) int {
	if cfg.Options == nil {
		return def
	}
	switch v := cfg.Options["max_chars"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// stringOption reads a string option with a default.
func stringOption(cfg ModelConfig, key, def string) string {
	if cfg.Options == nil {
		return def
	}
	if v, ok := cfg.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// classifyStatus maps an HTTP error status to the error taxonomy.
// The Retry-After header, when present, is carried in the error
// details so the retry layer can honour the provider's interval.
func classifyStatus(provider string, status int, body string, header http.Header) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}

	var kind mmerrors.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = mmerrors.KindProviderAuth
	case status == http.StatusNotFound:
		kind = mmerrors.KindModelNotFound
	case status == http.StatusRequestTimeout:
		kind = mmerrors.KindTimeout
	case status == http.StatusTooManyRequests:
		kind = mmerrors.KindRateLimited
	case status >= 500:
		kind = mmerrors.KindRemoteUnavailable
	default:
		kind = mmerrors.KindTransport
	}

	err := mmerrors.Newf(kind, "%s request failed with status %d: %s", provider, status, msg).
		WithDetail("provider", provider).
		WithDetail("status", strconv.Itoa(status))

	if header != nil {
		if after := header.Get("Retry-After"); after != "" {
			err = err.WithDetail("retry_after", after)
		}
	}
	return err
}

// retryAfterHint extracts the provider-indicated wait from an error,
// falling back to the given default.
func retryAfterHint(err error, fallback time.Duration) time.Duration {
	var e *mmerrors.Error
	for cur := err; cur != nil; {
		if me, ok := cur.(*mmerrors.Error); ok {
			e = me
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if e == nil || e.Details == nil {
		return fallback
	}
	after := e.Details["retry_after"]
	if after == "" {
		return fallback
	}
	if secs, convErr := strconv.Atoi(after); convErr == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, convErr := http.ParseTime(after); convErr == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}

// retrySleep is swapped out in tests to avoid real waits.
var retrySleep = sleepCtx

// retryEmbedCall applies the provider retry policy: one retry after
// the provider-indicated interval for rate limits (fallback 2s for
// single calls, 5s for batches), up to three attempts with 2-10s
// exponential backoff for transient transport failures, and every
// other error returned unchanged.
func retryEmbedCall(ctx context.Context, isBatch bool, fn func(context.Context) error) error {
	rateLimitRetried := false
	transportRetries := 0

	for {
		if err := ctx.Err(); err != nil {
			return mmerrors.Wrap(mmerrors.KindCancelled, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind := mmerrors.KindOf(err)
		switch {
		case kind == mmerrors.KindRateLimited && !rateLimitRetried:
			rateLimitRetried = true
			fallback := singleRateLimitWait
			if isBatch {
				fallback = batchRateLimitWait
			}
			wait := retryAfterHint(err, fallback)
			slog.Warn("embedding_rate_limited",
				slog.Duration("wait", wait),
				slog.Bool("batch", isBatch))
			if err := retrySleep(ctx, wait); err != nil {
				return err
			}

		case isTransportKind(kind) && transportRetries < maxTransportRetries:
			transportRetries++
			wait := time.Duration(1<<uint(transportRetries)) * time.Second
			if wait > 10*time.Second {
				wait = 10 * time.Second
			}
			slog.Debug("embedding_transport_retry",
				slog.Int("attempt", transportRetries),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
			if err := retrySleep(ctx, wait); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

func isTransportKind(kind mmerrors.Kind) bool {
	switch kind {
	case mmerrors.KindTransport, mmerrors.KindRemoteUnavailable,
		mmerrors.KindTimeout, mmerrors.KindTransient:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return mmerrors.Wrap(mmerrors.KindCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// batchFn is one provider call over a window of texts. It must return
// one vector per input, in input order.
type batchFn func(ctx context.Context, texts []string) ([][]float32, error)

// embedWindows batches texts into windows of batchSize and collects
// the results in order. Each window goes through the retry policy;
// a window still rate limited after its retry is split in half and
// both halves retried, down to single texts.
func embedWindows(ctx context.Context, texts []string, batchSize int, call batchFn) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := embedWindow(ctx, texts[start:end], call)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedWindow runs one window through the retry policy, splitting on
// persistent rate limits.
func embedWindow(ctx context.Context, window []string, call batchFn) ([][]float32, error) {
	var vecs [][]float32
	err := retryEmbedCall(ctx, true, func(ctx context.Context) error {
		v, callErr := call(ctx, window)
		if callErr != nil {
			return callErr
		}
		if len(v) != len(window) {
			return mmerrors.Newf(mmerrors.KindTransport,
				"provider returned %d embeddings for %d inputs", len(v), len(window))
		}
		vecs = v
		return nil
	})
	if err == nil {
		return vecs, nil
	}
	if mmerrors.IsKind(err, mmerrors.KindRateLimited) && len(window) > 1 {
		mid := len(window) / 2
		slog.Warn("embedding_batch_split",
			slog.Int("size", len(window)),
			slog.Int("left", mid),
			slog.Int("right", len(window)-mid))
		left, lerr := embedWindow(ctx, window[:mid], call)
		if lerr != nil {
			return nil, lerr
		}
		right, rerr := embedWindow(ctx, window[mid:], call)
		if rerr != nil {
			return nil, rerr
		}
		return append(left, right...), nil
	}
	return nil, err
}

// embedBatchFiltered implements the common EmbedBatch shape: empty
// texts map to zero vectors without a provider call, the rest flow
// through embedWindows, and results land at their original indices.
func embedBatchFiltered(ctx context.Context, texts []string, dims, batchSize int, call batchFn) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	indices := make([]int, 0, len(texts))
	nonEmpty := make([]string, 0, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = zeroVector(dims)
			continue
		}
		indices = append(indices, i)
		nonEmpty = append(nonEmpty, text)
	}

	if len(nonEmpty) == 0 {
		return results, nil
	}

	vecs, err := embedWindows(ctx, nonEmpty, batchSize, call)
	if err != nil {
		return nil, fmt.Errorf("failed to embed batch: %w", err)
	}
	for j, idx := range indices {
		results[idx] = vecs[j]
	}
	return results, nil
}

// newRateLimiter builds a limiter for rate_limit_rpm, nil when the
// limit is unset.
func newRateLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

// waitLimiter blocks until the limiter admits one call.
func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return mmerrors.Wrap(mmerrors.KindCancelled, err)
	}
	return nil
}
