package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	// DefaultOllamaHost is the standard local Ollama endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// ollamaMaxChars is the default character limit per text.
	ollamaMaxChars = 8000
)

// ollamaDims caches detected dimensions process-wide, keyed by
// host and remote model, so repeated adapters for the same local
// model skip the detection call.
var ollamaDims sync.Map

// ollamaEmbedRequest is the /api/embed request body. Input is a
// single string or an array of strings.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// ollamaEmbedResponse is the /api/embed response body.
type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaAdapter generates embeddings through a local Ollama server.
type OllamaAdapter struct {
	client   *http.Client
	cfg      ModelConfig
	host     string
	model    string
	maxChars int
	limiter  *rate.Limiter

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Adapter = (*OllamaAdapter)(nil)

// newOllamaAdapter builds an Ollama adapter from a model config.
// Dimensions are detected lazily on first use when not configured.
func newOllamaAdapter(cfg ModelConfig) (Adapter, error) {
	host := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if host == "" {
		host = DefaultOllamaHost
	}
	model := cfg.RemoteModelID
	if model == "" {
		model = cfg.ID
	}

	// No client-level timeout: per-request contexts carry the
	// configured timeout so a caller cancel is honoured immediately.
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &OllamaAdapter{
		client:   client,
		cfg:      cfg,
		host:     host,
		model:    model,
		maxChars: maxCharsOption(cfg, ollamaMaxChars),
		limiter:  newRateLimiter(cfg.RateLimitRPM),
		dims:     cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (a *OllamaAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		dims, err := a.ensureDims(ctx)
		if err != nil {
			return nil, err
		}
		return zeroVector(dims), nil
	}
	text = truncateText(text, a.maxChars, a.cfg.ID)

	var vec []float32
	err := retryEmbedCall(ctx, false, func(ctx context.Context) error {
		if err := waitLimiter(ctx, a.limiter); err != nil {
			return err
		}
		vecs, err := a.doEmbed(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			return mmerrors.Newf(mmerrors.KindTransport, "ollama returned no embedding")
		}
		vec = vecs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.recordDims(len(vec))
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts, preserving
// input order.
func (a *OllamaAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	dims, err := a.ensureDims(ctx)
	if err != nil {
		return nil, err
	}

	vecs, err := embedBatchFiltered(ctx, texts, dims, a.cfg.effectiveBatchSize(),
		func(ctx context.Context, window []string) ([][]float32, error) {
			truncated := make([]string, len(window))
			for i, t := range window {
				truncated[i] = truncateText(t, a.maxChars, a.cfg.ID)
			}
			if err := waitLimiter(ctx, a.limiter); err != nil {
				return nil, err
			}
			return a.doEmbed(ctx, truncated)
		})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// doEmbed performs one /api/embed call. The HTTP exchange runs in a
// goroutine so a caller cancel is not stuck behind a slow read.
func (a *OllamaAdapter) doEmbed(parent context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}
	body, err := json.Marshal(ollamaEmbedRequest{Model: a.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, a.cfg.effectiveTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	type result struct {
		embeddings [][]float32
		err        error
	}
	resultCh := make(chan result, 1)

	go func() {
		resp, err := a.client.Do(req)
		if err != nil {
			resultCh <- result{nil, mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			resultCh <- result{nil, classifyStatus("ollama", resp.StatusCode, string(respBody), resp.Header)}
			return
		}

		var apiResult ollamaEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
			resultCh <- result{nil, mmerrors.Wrap(mmerrors.KindTransport, err)}
			return
		}

		embeddings := make([][]float32, len(apiResult.Embeddings))
		for i, emb := range apiResult.Embeddings {
			vec := make([]float32, len(emb))
			for j, v := range emb {
				vec[j] = float32(v)
			}
			if a.cfg.Normalize {
				vec = normalizeVector(vec)
			}
			embeddings[i] = vec
		}
		resultCh <- result{embeddings, nil}
	}()

	select {
	case <-ctx.Done():
		a.client.CloseIdleConnections()
		select {
		case <-resultCh:
		case <-time.After(100 * time.Millisecond):
		}
		if parent.Err() != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		return nil, mmerrors.Newf(mmerrors.KindTimeout,
			"ollama embed timed out after %s", a.cfg.effectiveTimeout())
	case r := <-resultCh:
		return r.embeddings, r.err
	}
}

// ensureDims resolves the dimension, probing the server once per
// host and model pair process-wide.
func (a *OllamaAdapter) ensureDims(ctx context.Context) (int, error) {
	a.mu.RLock()
	dims := a.dims
	a.mu.RUnlock()
	if dims > 0 {
		return dims, nil
	}

	key := a.host + "\x00" + a.model
	if cached, ok := ollamaDims.Load(key); ok {
		dims = cached.(int)
		a.recordDims(dims)
		return dims, nil
	}

	vecs, err := a.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, fmt.Errorf("failed to detect dimensions: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, mmerrors.Newf(mmerrors.KindTransport, "ollama returned empty embedding")
	}
	dims = len(vecs[0])
	ollamaDims.Store(key, dims)
	a.recordDims(dims)
	return dims, nil
}

// recordDims stores the observed dimension.
func (a *OllamaAdapter) recordDims(dims int) {
	if dims <= 0 {
		return
	}
	a.mu.Lock()
	if a.dims == 0 {
		a.dims = dims
		ollamaDims.Store(a.host+"\x00"+a.model, dims)
	}
	a.mu.Unlock()
}

func (a *OllamaAdapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Dimensions returns the configured or detected dimension, 0 when
// not yet known.
func (a *OllamaAdapter) Dimensions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dims
}

// ModelID returns the model identifier.
func (a *OllamaAdapter) ModelID() string {
	return a.cfg.ID
}

// Available reports whether the Ollama server responds.
func (a *OllamaAdapter) Available(ctx context.Context) bool {
	if err := a.checkOpen(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases the HTTP client.
func (a *OllamaAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.client.CloseIdleConnections()
	return nil
}
