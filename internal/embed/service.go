package embed

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

// ServiceConfig configures the embedding service.
type ServiceConfig struct {
	Models       []ModelConfig `yaml:"models" json:"models"`
	DefaultModel string        `yaml:"default_model" json:"default_model"`
	Cache        CacheConfig   `yaml:"cache" json:"cache"`

	// MaxParallel bounds concurrent adapter calls across all models.
	// Zero means twice the CPU count.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel,omitempty"`
}

// DefaultServiceConfig returns the service defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{Cache: DefaultCacheConfig()}
}

// Validate checks the surface structurally: ids present and unique,
// the default model resolvable. Provider and credential checks happen
// at adapter construction.
func (c ServiceConfig) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for i, mc := range c.Models {
		if mc.ID == "" {
			return mmerrors.Newf(mmerrors.KindConfigInvalid,
				"embedding model %d has no id", i)
		}
		if seen[mc.ID] {
			return mmerrors.Newf(mmerrors.KindConfigInvalid,
				"embedding model %q is listed twice", mc.ID)
		}
		seen[mc.ID] = true
		if mc.Provider == "" {
			return mmerrors.Newf(mmerrors.KindConfigInvalid,
				"embedding model %q has no provider", mc.ID)
		}
		if mc.Dimensions < 0 {
			return mmerrors.Newf(mmerrors.KindConfigInvalid,
				"embedding model %q has negative dimensions", mc.ID)
		}
	}
	if c.DefaultModel != "" && len(c.Models) > 0 && !seen[c.DefaultModel] {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"default_model %q is not in models", c.DefaultModel)
	}
	return nil
}

// Service owns the model registry, one shared cache, and a memoised
// adapter per model. All methods are safe for concurrent use.
type Service struct {
	mu           sync.RWMutex
	configs      map[string]ModelConfig
	adapters     map[string]Adapter
	defaultModel string

	cache *Cache
	sem   *semaphore.Weighted
}

// NewService builds a service from the config. Every configured model
// is registered eagerly so misconfiguration, including missing API
// keys, surfaces here rather than on the first embed call.
func NewService(cfg ServiceConfig) (*Service, error) {
	cache, err := NewCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU() * 2
	}

	s := &Service{
		configs:  make(map[string]ModelConfig),
		adapters: make(map[string]Adapter),
		cache:    cache,
		sem:      semaphore.NewWeighted(int64(maxParallel)),
	}

	for _, mc := range cfg.Models {
		if err := s.AddModel(mc); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.DefaultModel != "" {
		if err := s.SetDefaultModel(cfg.DefaultModel); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// AddModel registers a model and constructs its adapter. The first
// registered model becomes the default.
func (s *Service) AddModel(cfg ModelConfig) error {
	if cfg.ID == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid, "embedding model id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.ID]; exists {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"embedding model %q is already registered", cfg.ID)
	}

	adapter, err := NewAdapter(cfg)
	if err != nil {
		return err
	}

	s.configs[cfg.ID] = cfg
	s.adapters[cfg.ID] = adapter
	if s.defaultModel == "" {
		s.defaultModel = cfg.ID
	}

	slog.Debug("embedding_model_registered",
		slog.String("model", cfg.ID),
		slog.String("provider", cfg.Provider),
		slog.Int("dimensions", cfg.Dimensions))
	return nil
}

// RemoveModel unregisters a model and closes its adapter. Removing
// the default model reassigns the default to an arbitrary remaining
// model, or clears it when none remain.
func (s *Service) RemoveModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapter, ok := s.adapters[id]
	if !ok {
		return mmerrors.Newf(mmerrors.KindModelNotFound, "embedding model %q is not registered", id)
	}
	delete(s.configs, id)
	delete(s.adapters, id)

	if s.defaultModel == id {
		s.defaultModel = ""
		for remaining := range s.configs {
			s.defaultModel = remaining
			break
		}
		slog.Debug("embedding_default_reassigned",
			slog.String("removed", id),
			slog.String("default", s.defaultModel))
	}
	return adapter.Close()
}

// SetDefaultModel changes the default model.
func (s *Service) SetDefaultModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return mmerrors.Newf(mmerrors.KindModelNotFound, "embedding model %q is not registered", id)
	}
	s.defaultModel = id
	return nil
}

// DefaultModel returns the current default model id, empty when no
// model is registered.
func (s *Service) DefaultModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultModel
}

// HasModel reports whether a model id is registered.
func (s *Service) HasModel(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.configs[id]
	return ok
}

// ModelConfig returns the config for a registered model.
func (s *Service) ModelConfig(id string) (ModelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	return cfg, ok
}

// Models returns the registered model configs sorted by id.
func (s *Service) Models() []ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolve maps an optional model id to its config and adapter.
func (s *Service) resolve(modelID string) (ModelConfig, Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := modelID
	if id == "" {
		id = s.defaultModel
	}
	if id == "" {
		return ModelConfig{}, nil, mmerrors.Newf(mmerrors.KindModelNotFound,
			"no embedding model registered")
	}
	cfg, ok := s.configs[id]
	if !ok {
		return ModelConfig{}, nil, mmerrors.Newf(mmerrors.KindModelNotFound,
			"embedding model %q is not registered", id)
	}
	return cfg, s.adapters[id], nil
}

// CreateEmbedding embeds one text with the given model, or the
// default when modelID is empty. Cached vectors are returned without
// an adapter call.
func (s *Service) CreateEmbedding(ctx context.Context, text, modelID string) ([]float32, error) {
	cfg, adapter, err := s.resolve(modelID)
	if err != nil {
		return nil, err
	}

	if cfg.CacheEnabled {
		if vec, ok := s.cache.Get(ctx, cfg.ID, text); ok {
			return vec, nil
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindCancelled, err)
	}
	vec, err := adapter.Embed(ctx, text)
	s.sem.Release(1)
	if err != nil {
		return nil, err
	}

	if err := s.checkDimensions(cfg, len(vec)); err != nil {
		return nil, err
	}
	if cfg.CacheEnabled {
		s.cache.Put(ctx, cfg.ID, text, vec)
	}
	return vec, nil
}

// CreateBatchEmbeddings embeds multiple texts, consulting the cache
// first and sending only the misses to the adapter. Results keep the
// input order. An adapter failure fails the whole call; no partial
// result is returned.
func (s *Service) CreateBatchEmbeddings(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	cfg, adapter, err := s.resolve(modelID)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIdx := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if cfg.CacheEnabled {
			if vec, ok := s.cache.Get(ctx, cfg.ID, text); ok {
				results[i] = vec
				continue
			}
		}
		uncachedIdx = append(uncachedIdx, i)
		uncachedTexts = append(uncachedTexts, text)
	}

	if len(uncachedTexts) > 0 {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, err)
		}
		vecs, err := adapter.EmbedBatch(ctx, uncachedTexts)
		s.sem.Release(1)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(uncachedTexts) {
			return nil, mmerrors.Newf(mmerrors.KindTransport,
				"adapter returned %d embeddings for %d inputs", len(vecs), len(uncachedTexts))
		}
		for j, idx := range uncachedIdx {
			if err := s.checkDimensions(cfg, len(vecs[j])); err != nil {
				return nil, err
			}
			results[idx] = vecs[j]
			if cfg.CacheEnabled {
				s.cache.Put(ctx, cfg.ID, texts[idx], vecs[j])
			}
		}
	}
	return results, nil
}

// CalculateSimilarity embeds both texts with the same model and
// returns their cosine similarity.
func (s *Service) CalculateSimilarity(ctx context.Context, text1, text2, modelID string) (float32, error) {
	vec1, err := s.CreateEmbedding(ctx, text1, modelID)
	if err != nil {
		return 0, err
	}
	vec2, err := s.CreateEmbedding(ctx, text2, modelID)
	if err != nil {
		return 0, err
	}
	return metric.CosineSimilarity(vec1, vec2)
}

// checkDimensions validates a vector length against the config.
func (s *Service) checkDimensions(cfg ModelConfig, got int) error {
	if cfg.Dimensions > 0 && got != cfg.Dimensions {
		return mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"model %q returned %d dimensions, expected %d", cfg.ID, got, cfg.Dimensions).
			WithDetail("model", cfg.ID).
			WithDetail("expected", fmt.Sprintf("%d", cfg.Dimensions)).
			WithDetail("got", fmt.Sprintf("%d", got))
	}
	return nil
}

// Dimensions returns the dimension of a registered model, preferring
// the configured value over the adapter's observation.
func (s *Service) Dimensions(modelID string) (int, error) {
	cfg, adapter, err := s.resolve(modelID)
	if err != nil {
		return 0, err
	}
	if cfg.Dimensions > 0 {
		return cfg.Dimensions, nil
	}
	return adapter.Dimensions(), nil
}

// Available reports whether a model's provider answers.
func (s *Service) Available(ctx context.Context, modelID string) bool {
	_, adapter, err := s.resolve(modelID)
	if err != nil {
		return false
	}
	return adapter.Available(ctx)
}

// CacheStats returns the shared cache counters.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// ClearCache drops every cached embedding.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// Close shuts down every adapter and persists the cache.
func (s *Service) Close() error {
	s.mu.Lock()
	adapters := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.adapters = make(map[string]Adapter)
	s.configs = make(map[string]ModelConfig)
	s.defaultModel = ""
	s.mu.Unlock()

	var errs *multierror.Error
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := s.cache.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
