package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	// DefaultGoogleKeyEnv names the default API key variable.
	DefaultGoogleKeyEnv = "GEMINI_API_KEY"

	// googleMaxChars is the default character limit per text.
	googleMaxChars = 8000
)

// GoogleAdapter generates embeddings through the Gemini API.
type GoogleAdapter struct {
	cfg      ModelConfig
	apiKey   string
	model    string
	maxChars int
	limiter  *rate.Limiter

	// The genai client needs a context to build, so it is created
	// lazily on the first embed call.
	clientOnce sync.Once
	client     *genai.Client
	clientErr  error

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Adapter = (*GoogleAdapter)(nil)

// newGoogleAdapter builds a Gemini adapter from a model config. The
// API key is resolved eagerly so a missing key fails at registration.
func newGoogleAdapter(cfg ModelConfig) (Adapter, error) {
	key, err := requireAPIKey(cfg, DefaultGoogleKeyEnv)
	if err != nil {
		return nil, err
	}
	model := cfg.RemoteModelID
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GoogleAdapter{
		cfg:      cfg,
		apiKey:   key,
		model:    model,
		maxChars: maxCharsOption(cfg, googleMaxChars),
		limiter:  newRateLimiter(cfg.RateLimitRPM),
		dims:     cfg.Dimensions,
	}, nil
}

// ensureClient creates the genai client on first use.
func (a *GoogleAdapter) ensureClient(ctx context.Context) (*genai.Client, error) {
	a.clientOnce.Do(func() {
		a.client, a.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  a.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if a.clientErr != nil {
		return nil, mmerrors.Wrap(mmerrors.KindProviderAuth, a.clientErr)
	}
	return a.client, nil
}

// Embed generates an embedding for a single text.
func (a *GoogleAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
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
			return mmerrors.Newf(mmerrors.KindTransport, "gemini returned no embedding")
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
func (a *GoogleAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// doEmbed performs one EmbedContent call over a window of texts.
func (a *GoogleAdapter) doEmbed(parent context.Context, texts []string) ([][]float32, error) {
	client, err := a.ensureClient(parent)
	if err != nil {
		return nil, err
	}
	if err := waitLimiter(parent, a.limiter); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, a.cfg.effectiveTimeout())
	defer cancel()

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	var embedCfg *genai.EmbedContentConfig
	if a.cfg.Dimensions > 0 {
		embedCfg = &genai.EmbedContentConfig{
			OutputDimensionality: genai.Ptr(int32(a.cfg.Dimensions)),
		}
	}

	resp, err := client.Models.EmbedContent(ctx, a.model, contents, embedCfg)
	if err != nil {
		return nil, a.classifyError(parent, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, mmerrors.Newf(mmerrors.KindTransport,
			"gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	embeddings := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, mmerrors.Newf(mmerrors.KindTransport,
				"gemini response missing embedding for input %d", i)
		}
		vec := emb.Values
		if a.cfg.Normalize {
			vec = normalizeVector(vec)
		}
		embeddings[i] = vec
		a.recordDims(len(vec))
	}
	return embeddings, nil
}

// classifyError maps client errors onto the error taxonomy.
func (a *GoogleAdapter) classifyError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mmerrors.Newf(mmerrors.KindTimeout,
			"gemini embed timed out after %s", a.cfg.effectiveTimeout())
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("google", apiErr.Code, apiErr.Message, nil)
	}
	return mmerrors.Wrap(mmerrors.KindTransport, err)
}

// recordDims keeps the first observed dimension.
func (a *GoogleAdapter) recordDims(dims int) {
	a.mu.Lock()
	if a.dims == 0 && dims > 0 {
		a.dims = dims
	}
	a.mu.Unlock()
}

func (a *GoogleAdapter) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	return nil
}

// Dimensions returns the configured or observed dimension.
func (a *GoogleAdapter) Dimensions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dims
}

// ModelID returns the model identifier.
func (a *GoogleAdapter) ModelID() string {
	return a.cfg.ID
}

// Available probes the API with a minimal embed call.
func (a *GoogleAdapter) Available(ctx context.Context) bool {
	if err := a.checkOpen(); err != nil {
		return false
	}
	_, err := a.doEmbed(ctx, []string{"ping"})
	return err == nil
}

// Close releases the adapter.
func (a *GoogleAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
