// Package embed provides the embedding stack: provider adapters, the
// embedding cache, the embedding service, and the model router.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 32

	// DefaultTimeout is the default timeout for embedding requests
	DefaultTimeout = 60 * time.Second

	// DefaultStubDimensions is the vector width of the stub provider
	// when the model config leaves dimensions unset.
	DefaultStubDimensions = 256

	// singleRateLimitWait is the fallback pause before the one retry
	// of a rate-limited single-text call, used when the provider gave
	// no interval.
	singleRateLimitWait = 2 * time.Second

	// batchRateLimitWait is the fallback pause for rate-limited batch
	// calls.
	batchRateLimitWait = 5 * time.Second

	// maxTransportRetries bounds retries of transient transport
	// failures per call.
	maxTransportRetries = 3
)

// ModelConfig describes one embedding model the service can serve.
// The same struct is the yaml/json surface of the embedding config
// file.
type ModelConfig struct {
	// ID is the unique stable handle used across the store.
	ID string `yaml:"id" json:"id"`

	// Provider selects the adapter (openai, azure_openai, cohere,
	// huggingface, google, ollama, local, stub).
	Provider string `yaml:"provider" json:"provider"`

	// RemoteModelID is the provider-side model name.
	RemoteModelID string `yaml:"remote_model_id" json:"remote_model_id"`

	// Dimensions is the expected vector width. Zero means detect or
	// use the provider default.
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// APIKeyEnv names the environment variable holding the API key.
	// Remote providers fail fast at construction when the variable is
	// empty.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`

	// APIBaseURL overrides the provider endpoint.
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url,omitempty"`

	// Options carries provider-specific settings (input_type,
	// api_version, max_chars, endpoint, ...).
	Options map[string]any `yaml:"options" json:"options,omitempty"`

	// BatchSize bounds one provider call. Zero means DefaultBatchSize.
	BatchSize int `yaml:"batch_size" json:"batch_size,omitempty"`

	// Normalize renormalises returned vectors to unit length.
	// Required for cosine shards.
	Normalize bool `yaml:"normalize" json:"normalize"`

	// CacheEnabled opts this model in to the embedding cache.
	CacheEnabled bool `yaml:"cache_enabled" json:"cache_enabled"`

	// Timeout bounds a single provider call. Zero means
	// DefaultTimeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// RateLimitRPM throttles calls to the provider. Zero disables the
	// limiter.
	RateLimitRPM int `yaml:"rate_limit_rpm" json:"rate_limit_rpm,omitempty"`
}

// effectiveBatchSize returns the clamped batch size.
func (c ModelConfig) effectiveBatchSize() int {
	size := c.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	if size < MinBatchSize {
		size = MinBatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	return size
}

// effectiveTimeout returns the per-call timeout.
func (c ModelConfig) effectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Adapter generates vector embeddings for text. One adapter serves
// one configured model.
type Adapter interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// input order in the output.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelID returns the configured model id.
	ModelID() string

	// Available checks if the adapter can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // zero vector stays as-is
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// zeroVector returns the zero vector of the given width. Empty input
// text embeds to this.
func zeroVector(dims int) []float32 {
	return make([]float32, dims)
}
