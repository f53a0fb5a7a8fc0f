package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	// DefaultLocalBaseURL is the conventional local embedding server.
	DefaultLocalBaseURL = "http://localhost:8080"

	// localMaxChars is the default character limit per text.
	localMaxChars = 8000
)

// localDims caches detected dimensions process-wide, keyed by base
// URL and remote model.
var localDims sync.Map

// localEmbedRequest is the embed endpoint request body.
type localEmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

// localEmbedResponse is the embed endpoint response body.
type localEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// LocalAdapter generates embeddings through a generic local embedding
// HTTP server exposing POST /embed and GET /health.
type LocalAdapter struct {
	client   *http.Client
	cfg      ModelConfig
	baseURL  string
	endpoint string
	model    string
	apiKey   string
	maxChars int
	limiter  *rate.Limiter

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Adapter = (*LocalAdapter)(nil)

// newLocalAdapter builds a local server adapter from a model config.
// options.endpoint overrides the embed path; an API key env is
// optional and sent as a bearer token when set.
func newLocalAdapter(cfg ModelConfig) (Adapter, error) {
	baseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultLocalBaseURL
	}
	endpoint := stringOption(cfg, "endpoint", "/embed")
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, mmerrors.Newf(mmerrors.KindProviderAuth,
				"no API key for model %q: environment variable %s is not set", cfg.ID, cfg.APIKeyEnv).
				WithDetail("env", cfg.APIKeyEnv)
		}
	}

	return &LocalAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cfg:      cfg,
		baseURL:  baseURL,
		endpoint: endpoint,
		model:    cfg.RemoteModelID,
		apiKey:   apiKey,
		maxChars: maxCharsOption(cfg, localMaxChars),
		limiter:  newRateLimiter(cfg.RateLimitRPM),
		dims:     cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (a *LocalAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
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
		vecs, err := a.doEmbed(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			return mmerrors.Newf(mmerrors.KindTransport, "local server returned no embedding")
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
func (a *LocalAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	dims, err := a.ensureDims(ctx)
	if err != nil {
		return nil, err
	}
	return embedBatchFiltered(ctx, texts, dims, a.cfg.effectiveBatchSize(),
		func(ctx context.Context, window []string) ([][]float32, error) {
			truncated := make([]string, len(window))
			for i, t := range window {
				truncated[i] = truncateText(t, a.maxChars, a.cfg.ID)
			}
			return a.doEmbed(ctx, truncated)
		})
}

// doEmbed performs one embed call.
func (a *LocalAdapter) doEmbed(parent context.Context, texts []string) ([][]float32, error) {
	if err := waitLimiter(parent, a.limiter); err != nil {
		return nil, err
	}
	body, err := json.Marshal(localEmbedRequest{Texts: texts, Model: a.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, a.cfg.effectiveTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		if ctx.Err() != nil {
			return nil, mmerrors.Newf(mmerrors.KindTimeout,
				"local embed timed out after %s", a.cfg.effectiveTimeout())
		}
		return nil, mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus("local", resp.StatusCode, string(respBody), resp.Header)
	}

	var apiResult localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransport, err)
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
	return embeddings, nil
}

// ensureDims resolves the dimension, probing the server once per base
// URL and model pair process-wide.
func (a *LocalAdapter) ensureDims(ctx context.Context) (int, error) {
	a.mu.RLock()
	dims := a.dims
	a.mu.RUnlock()
	if dims > 0 {
		return dims, nil
	}

	key := a.baseURL + "\x00" + a.model
	if cached, ok := localDims.Load(key); ok {
		dims = cached.(int)
		a.recordDims(dims)
		return dims, nil
	}

	vecs, err := a.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, fmt.Errorf("failed to detect dimensions: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, mmerrors.Newf(mmerrors.KindTransport, "local server returned empty embedding")
	}
	dims = len(vecs[0])
	localDims.Store(key, dims)
	a.recordDims(dims)
	return dims, nil
}

// recordDims stores the observed dimension.
func (a *LocalAdapter) recordDims(dims int) {
	if dims <= 0 {
		return
	}
	a.mu.Lock()
	if a.dims == 0 {
		a.dims = dims
		localDims.Store(a.baseURL+"\x00"+a.model, dims)
	}
	a.mu.Unlock()
}

func (a *LocalAdapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Dimensions returns the configured or detected dimension, 0 when
// not yet known.
func (a *LocalAdapter) Dimensions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dims
}

// ModelID returns the model identifier.
func (a *LocalAdapter) ModelID() string {
	return a.cfg.ID
}

// Available reports whether the server health endpoint answers.
func (a *LocalAdapter) Available(ctx context.Context) bool {
	if err := a.checkOpen(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
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
func (a *LocalAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.client.CloseIdleConnections()
	return nil
}
