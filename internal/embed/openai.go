package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	// DefaultOpenAIKeyEnv names the default API key variable.
	DefaultOpenAIKeyEnv = "OPENAI_API_KEY"

	// DefaultAzureOpenAIKeyEnv names the default Azure key variable.
	DefaultAzureOpenAIKeyEnv = "AZURE_OPENAI_API_KEY"

	// openaiMaxChars is the default character limit per text.
	openaiMaxChars = 32000
)

// OpenAIAdapter generates embeddings through the OpenAI API or an
// Azure OpenAI deployment.
type OpenAIAdapter struct {
	client  *openai.Client
	cfg     ModelConfig
	model   string
	dims    int
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
}

var _ Adapter = (*OpenAIAdapter)(nil)

// newOpenAIAdapter builds an adapter for the public OpenAI API.
func newOpenAIAdapter(cfg ModelConfig) (Adapter, error) {
	key, err := requireAPIKey(cfg, DefaultOpenAIKeyEnv)
	if err != nil {
		return nil, err
	}
	clientCfg := openai.DefaultConfig(key)
	if cfg.APIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.APIBaseURL, "/")
	}
	return newOpenAICommon(cfg, clientCfg, "text-embedding-3-small"), nil
}

// newAzureOpenAIAdapter builds an adapter for an Azure deployment.
// The remote model id is the deployment name. options.api_version
// overrides the client default when set.
func newAzureOpenAIAdapter(cfg ModelConfig) (Adapter, error) {
	key, err := requireAPIKey(cfg, DefaultAzureOpenAIKeyEnv)
	if err != nil {
		return nil, err
	}
	if cfg.APIBaseURL == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"azure_openai model %q requires api_base_url", cfg.ID)
	}
	clientCfg := openai.DefaultAzureConfig(key, cfg.APIBaseURL)
	if version := stringOption(cfg, "api_version", ""); version != "" {
		clientCfg.APIVersion = version
	}
	return newOpenAICommon(cfg, clientCfg, ""), nil
}

func newOpenAICommon(cfg ModelConfig, clientCfg openai.ClientConfig, defaultModel string) *OpenAIAdapter {
	model := cfg.RemoteModelID
	if model == "" {
		model = defaultModel
	}
	return &OpenAIAdapter{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		model:   model,
		dims:    cfg.Dimensions,
		limiter: newRateLimiter(cfg.RateLimitRPM),
	}
}

// Embed generates an embedding for a single text.
func (a *OpenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return zeroVector(a.Dimensions()), nil
	}
	text = truncateText(text, maxCharsOption(a.cfg, openaiMaxChars), a.cfg.ID)

	var vec []float32
	err := retryEmbedCall(ctx, false, func(ctx context.Context) error {
		vecs, err := a.createEmbeddings(ctx, []string{text})
		if err != nil {
			return err
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
func (a *OpenAIAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	maxChars := maxCharsOption(a.cfg, openaiMaxChars)
	return embedBatchFiltered(ctx, texts, a.Dimensions(), a.cfg.effectiveBatchSize(),
		func(ctx context.Context, window []string) ([][]float32, error) {
			truncated := make([]string, len(window))
			for i, t := range window {
				truncated[i] = truncateText(t, maxChars, a.cfg.ID)
			}
			return a.createEmbeddings(ctx, truncated)
		})
}

// createEmbeddings performs one embeddings call. Response items carry
// their input index and may arrive out of order, so vectors are placed
// by index.
func (a *OpenAIAdapter) createEmbeddings(parent context.Context, texts []string) ([][]float32, error) {
	if err := waitLimiter(parent, a.limiter); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(parent, a.cfg.effectiveTimeout())
	defer cancel()

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(a.model),
	}
	// Only third-generation models accept a dimensions parameter.
	if a.cfg.Dimensions > 0 && strings.HasPrefix(a.model, "text-embedding-3") {
		req.Dimensions = a.cfg.Dimensions
	}

	resp, err := a.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, a.classifyError(parent, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, mmerrors.Newf(mmerrors.KindTransport,
			"openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, mmerrors.Newf(mmerrors.KindTransport,
				"openai returned embedding with index %d out of range", item.Index)
		}
		vec := item.Embedding
		if a.cfg.Normalize {
			vec = normalizeVector(vec)
		}
		vectors[item.Index] = vec
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, mmerrors.Newf(mmerrors.KindTransport,
				"openai response missing embedding for input %d", i)
		}
		a.recordDims(len(vectors[i]))
	}
	return vectors, nil
}

// classifyError maps client errors onto the error taxonomy.
func (a *OpenAIAdapter) classifyError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mmerrors.Newf(mmerrors.KindTimeout,
			"openai embed timed out after %s", a.cfg.effectiveTimeout())
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("openai", apiErr.HTTPStatusCode, apiErr.Message, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 400 {
		return classifyStatus("openai", reqErr.HTTPStatusCode, reqErr.Error(), nil)
	}
	return mmerrors.Wrap(mmerrors.KindTransport, err)
}

// recordDims keeps the first observed dimension.
func (a *OpenAIAdapter) recordDims(dims int) {
	a.mu.Lock()
	if a.dims == 0 && dims > 0 {
		a.dims = dims
	}
	a.mu.Unlock()
}

func (a *OpenAIAdapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Dimensions returns the configured or observed dimension.
func (a *OpenAIAdapter) Dimensions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dims
}

// ModelID returns the model identifier.
func (a *OpenAIAdapter) ModelID() string {
	return a.cfg.ID
}

// Available reports whether the API answers a models listing.
func (a *OpenAIAdapter) Available(ctx context.Context) bool {
	if err := a.checkOpen(); err != nil {
		return false
	}
	_, err := a.client.ListModels(ctx)
	return err == nil
}

// Close releases the adapter.
func (a *OpenAIAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
