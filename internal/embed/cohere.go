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
	// DefaultCohereKeyEnv names the default API key variable.
	DefaultCohereKeyEnv = "COHERE_API_KEY"

	// DefaultCohereBaseURL is the public Cohere API.
	DefaultCohereBaseURL = "https://api.cohere.ai"

	// cohereMaxChars is the default character limit per text.
	cohereMaxChars = 8000
)

// cohereEmbedRequest is the v1/embed request body.
type cohereEmbedRequest struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

// cohereEmbedResponse is the v1/embed response body.
type cohereEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// CohereAdapter generates embeddings through the Cohere embed API.
type CohereAdapter struct {
	client    *http.Client
	cfg       ModelConfig
	apiKey    string
	baseURL   string
	model     string
	inputType string
	maxChars  int
	limiter   *rate.Limiter

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Adapter = (*CohereAdapter)(nil)

// newCohereAdapter builds a Cohere adapter from a model config.
func newCohereAdapter(cfg ModelConfig) (Adapter, error) {
	key, err := requireAPIKey(cfg, DefaultCohereKeyEnv)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultCohereBaseURL
	}
	model := cfg.RemoteModelID
	if model == "" {
		model = "embed-english-v3.0"
	}
	return &CohereAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cfg:       cfg,
		apiKey:    key,
		baseURL:   baseURL,
		model:     model,
		inputType: stringOption(cfg, "input_type", "search_document"),
		maxChars:  maxCharsOption(cfg, cohereMaxChars),
		limiter:   newRateLimiter(cfg.RateLimitRPM),
		dims:      cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (a *CohereAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return zeroVector(a.Dimensions()), nil
	}
	text = truncateText(text, a.maxChars, a.cfg.ID)

	var vec []float32
	err := retryEmbedCall(ctx, false, func(ctx context.Context) error {
		vecs, err := a.doEmbed(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			return mmerrors.Newf(mmerrors.KindTransport, "cohere returned no embedding")
		}
		vec = vecs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts, preserving
// input order.
func (a *CohereAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return embedBatchFiltered(ctx, texts, a.Dimensions(), a.cfg.effectiveBatchSize(),
		func(ctx context.Context, window []string) ([][]float32, error) {
			truncated := make([]string, len(window))
			for i, t := range window {
				truncated[i] = truncateText(t, a.maxChars, a.cfg.ID)
			}
			return a.doEmbed(ctx, truncated)
		})
}

// doEmbed performs one v1/embed call.
func (a *CohereAdapter) doEmbed(parent context.Context, texts []string) ([][]float32, error) {
	if err := waitLimiter(parent, a.limiter); err != nil {
		return nil, err
	}
	body, err := json.Marshal(cohereEmbedRequest{
		Texts:     texts,
		Model:     a.model,
		InputType: a.inputType,
		Truncate:  "END",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, a.cfg.effectiveTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		if ctx.Err() != nil {
			return nil, mmerrors.Newf(mmerrors.KindTimeout,
				"cohere embed timed out after %s", a.cfg.effectiveTimeout())
		}
		return nil, mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus("cohere", resp.StatusCode, string(respBody), resp.Header)
	}

	var apiResult cohereEmbedResponse
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
		a.recordDims(len(vec))
	}
	return embeddings, nil
}

// recordDims keeps the first observed dimension.
func (a *CohereAdapter) recordDims(dims int) {
	a.mu.Lock()
	if a.dims == 0 && dims > 0 {
		a.dims = dims
	}
	a.mu.Unlock()
}

func (a *CohereAdapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Dimensions returns the configured or observed dimension.
func (a *CohereAdapter) Dimensions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dims
}

// ModelID returns the model identifier.
func (a *CohereAdapter) ModelID() string {
	return a.cfg.ID
}

// Available probes the API with a minimal embed call.
func (a *CohereAdapter) Available(ctx context.Context) bool {
	if err := a.checkOpen(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := a.doEmbed(ctx, []string{"ping"})
	return err == nil
}

// Close releases the HTTP client.
func (a *CohereAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.client.CloseIdleConnections()
	return nil
}
