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
	// DefaultHuggingFaceKeyEnv names the default API key variable.
	DefaultHuggingFaceKeyEnv = "HUGGINGFACE_API_KEY"

	// DefaultHuggingFaceBaseURL is the hosted inference API.
	DefaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"

	// huggingfaceMaxChars is the default character limit per text.
	huggingfaceMaxChars = 8000
)

// huggingfaceEmbedRequest is the feature-extraction request body.
// wait_for_model holds the request while a cold model loads instead
// of failing with a 503.
type huggingfaceEmbedRequest struct {
	Inputs  []string               `json:"inputs"`
	Options huggingfaceCallOptions `json:"options"`
}

type huggingfaceCallOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

// HuggingFaceAdapter generates embeddings through the Hugging Face
// hosted inference API.
type HuggingFaceAdapter struct {
	client   *http.Client
	cfg      ModelConfig
	apiKey   string
	baseURL  string
	model    string
	maxChars int
	limiter  *rate.Limiter

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Adapter = (*HuggingFaceAdapter)(nil)

// newHuggingFaceAdapter builds a Hugging Face adapter from a model config.
func newHuggingFaceAdapter(cfg ModelConfig) (Adapter, error) {
	key, err := requireAPIKey(cfg, DefaultHuggingFaceKeyEnv)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultHuggingFaceBaseURL
	}
	model := cfg.RemoteModelID
	if model == "" {
		model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	return &HuggingFaceAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		cfg:      cfg,
		apiKey:   key,
		baseURL:  baseURL,
		model:    model,
		maxChars: maxCharsOption(cfg, huggingfaceMaxChars),
		limiter:  newRateLimiter(cfg.RateLimitRPM),
		dims:     cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (a *HuggingFaceAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
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
			return mmerrors.Newf(mmerrors.KindTransport, "huggingface returned no embedding")
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
func (a *HuggingFaceAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// doEmbed performs one feature-extraction call.
func (a *HuggingFaceAdapter) doEmbed(parent context.Context, texts []string) ([][]float32, error) {
	if err := waitLimiter(parent, a.limiter); err != nil {
		return nil, err
	}
	body, err := json.Marshal(huggingfaceEmbedRequest{
		Inputs:  texts,
		Options: huggingfaceCallOptions{WaitForModel: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, a.cfg.effectiveTimeout())
	defer cancel()

	url := a.baseURL + "/pipeline/feature-extraction/" + a.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
				"huggingface embed timed out after %s", a.cfg.effectiveTimeout())
		}
		return nil, mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus("huggingface", resp.StatusCode, string(respBody), resp.Header)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	matrix, err := decodeFeatureMatrix(raw, len(texts))
	if err != nil {
		return nil, err
	}

	embeddings := make([][]float32, len(matrix))
	for i, emb := range matrix {
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

// decodeFeatureMatrix handles the two response shapes the pipeline
// produces: one vector per input, or a single flat vector when the
// request carried one input.
func decodeFeatureMatrix(raw []byte, inputs int) ([][]float64, error) {
	var matrix [][]float64
	if err := json.Unmarshal(raw, &matrix); err == nil {
		return matrix, nil
	}
	if inputs == 1 {
		var flat []float64
		if err := json.Unmarshal(raw, &flat); err == nil {
			return [][]float64{flat}, nil
		}
	}
	return nil, mmerrors.Newf(mmerrors.KindTransport,
		"huggingface returned unexpected response shape")
}

// recordDims keeps the first observed dimension.
func (a *HuggingFaceAdapter) recordDims(dims int) {
	a.mu.Lock()
	if a.dims == 0 && dims > 0 {
		a.dims = dims
	}
	a.mu.Unlock()
}

func (a *HuggingFaceAdapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Dimensions returns the configured or observed dimension.
func (a *HuggingFaceAdapter) Dimensions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dims
}

// ModelID returns the model identifier.
func (a *HuggingFaceAdapter) ModelID() string {
	return a.cfg.ID
}

// Available probes the API with a minimal embed call.
func (a *HuggingFaceAdapter) Available(ctx context.Context) bool {
	if err := a.checkOpen(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := a.doEmbed(ctx, []string{"ping"})
	return err == nil
}

// Close releases the HTTP client.
func (a *HuggingFaceAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.client.CloseIdleConnections()
	return nil
}
