// Package vectorstore provides the store facade over the retrieval
// stack: one vector index shard per embedding model, a shared chunk
// store, a sparse keyword index, and the hybrid search entry point
// that fuses the two sides.
package vectorstore

import (
	"strings"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/index"
	"github.com/modularmind/modularmind/internal/metric"
	"github.com/modularmind/modularmind/internal/search"
)

const (
	// DefaultOvershoot is the dense fetch multiplier: shards are asked
	// for limit*overshoot hits so post-retrieval filtering still fills
	// the page.
	DefaultOvershoot = 3

	// minFetch is the smallest candidate set requested from a shard
	// or the sparse index regardless of limit.
	minFetch = 20

	// DefaultLimit applies when a search is called with a non-positive
	// limit.
	DefaultLimit = 10

	// chunkFileName is the chunk store artefact under the storage path.
	chunkFileName = "chunks.jsonl"

	// lockFileName guards the storage path against concurrent opens
	// from separate processes.
	lockFileName = "LOCK"
)

// Config is the vector store surface of vectorstore.yaml.
type Config struct {
	// IndexType selects the index backend every shard uses
	// (hnsw, flat, ivf, pq, ivfpq, qdrant, milvus, pgvector,
	// elasticsearch, weaviate, pinecone). Default hnsw.
	IndexType string `yaml:"index_type" json:"index_type"`

	// Metric is the shared distance metric. Default cosine.
	Metric metric.Metric `yaml:"metric" json:"metric"`

	// Dimensions overrides the vector width per model id. Models not
	// listed use the dimensions registered with the embedding service.
	Dimensions map[string]int `yaml:"dimensions" json:"dimensions,omitempty"`

	// DefaultEmbeddingModel answers searches that name no model and
	// have no router. Empty means the embedding service's default.
	DefaultEmbeddingModel string `yaml:"default_embedding_model" json:"default_embedding_model,omitempty"`

	// EmbeddingModels lists the models to shard. Empty means every
	// model registered with the embedding service.
	EmbeddingModels []string `yaml:"embedding_models" json:"embedding_models,omitempty"`

	// StoragePath roots the on-disk artefacts (chunk store, shard
	// directories, sparse index, lock file). Empty means ephemeral.
	StoragePath string `yaml:"storage_path" json:"storage_path,omitempty"`

	// SparseBackend selects the keyword index (memory, bleve).
	SparseBackend string `yaml:"sparse_backend" json:"sparse_backend,omitempty"`

	// FusionMethod combines dense and sparse hits (weighted, rrf).
	FusionMethod string `yaml:"fusion_method" json:"fusion_method,omitempty"`

	// Alpha is the dense weight for weighted fusion. Zero means the
	// 0.5 default; hybrid calls may override per query.
	Alpha float64 `yaml:"alpha" json:"alpha,omitempty"`

	// Overshoot is the dense fetch multiplier. Zero means
	// DefaultOvershoot.
	Overshoot int `yaml:"overshoot" json:"overshoot,omitempty"`

	// Params carries backend tuning shared by every shard (hnsw/ivf/pq
	// knobs, remote connection settings). Backend, metric and
	// dimensions are taken from the fields above, not from here.
	Params index.Config `yaml:"params" json:"params,omitempty"`
}

// DefaultConfig returns the documented defaults, the shape the init
// command writes out.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills the zero values.
func (c Config) withDefaults() Config {
	if c.IndexType == "" {
		c.IndexType = string(index.BackendHNSW)
	}
	if c.Metric == "" {
		c.Metric = metric.Cosine
	}
	if c.SparseBackend == "" {
		c.SparseBackend = string(search.BackendMemory)
	}
	if c.FusionMethod == "" {
		c.FusionMethod = string(search.FusionWeighted)
	}
	if c.Alpha == 0 {
		c.Alpha = search.DefaultAlpha
	}
	if c.Overshoot <= 0 {
		c.Overshoot = DefaultOvershoot
	}
	return c
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if _, err := search.ParseFusionMethod(c.FusionMethod); err != nil {
		return err
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"fusion alpha %v outside [0,1]", c.Alpha)
	}
	for model, dims := range c.Dimensions {
		if dims <= 0 {
			return mmerrors.Newf(mmerrors.KindConfigInvalid,
				"dimensions for model %q must be positive, got %d", model, dims)
		}
	}
	return nil
}

// shardIndexConfig builds the index config for one model's shard.
func (c Config) shardIndexConfig(modelID string, dims, modelCount int) index.Config {
	ic := c.Params
	ic.Backend = index.Backend(c.IndexType)
	ic.Metric = c.Metric
	ic.Dimensions = dims

	if ic.Backend.Remote() {
		base := ic.Collection
		if base == "" {
			base = "chunks"
		}
		if modelCount > 1 {
			base = base + "_" + sanitizeModelID(modelID)
		}
		ic.Collection = base
	}
	return ic
}

// sanitizeModelID maps a model id onto the safe identifier charset
// shared by the remote collection naming rules.
func sanitizeModelID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Result source labels.
const (
	SourceDense    = "dense"
	SourceSparse   = "sparse"
	SourceMetadata = "metadata"
	SourceHybrid   = "hybrid"
)

// SearchResult is one retrieval hit joined with its chunk.
type SearchResult struct {
	Chunk *document.Chunk `json:"chunk"`

	// Score is the [0,1] similarity the producing pipeline assigned.
	Score float64 `json:"score"`

	// Source names the pipeline that produced the hit (dense, sparse,
	// metadata, hybrid).
	Source string `json:"source"`

	// SubScores carries the per-side evidence for hybrid hits.
	SubScores map[string]float64 `json:"sub_scores,omitempty"`
}

// SearchOptions tunes SearchByText.
type SearchOptions struct {
	// Filter is applied to chunk metadata after retrieval.
	Filter map[string]any

	// MinScore drops hits scoring strictly below the threshold.
	MinScore float32

	// EmbeddingModel pins the shard to search. Empty routes (router
	// configured) or uses the default model.
	EmbeddingModel string
}

// HybridOptions tunes HybridSearch.
type HybridOptions struct {
	Filter         map[string]any
	MinScore       float32
	EmbeddingModel string

	// Alpha overrides the configured dense weight for this query.
	// Nil keeps the store default; 0 is pure sparse, 1 pure dense.
	Alpha *float64

	// FusionMethod overrides the configured fusion (weighted, rrf).
	FusionMethod string

	// Rerank applies the store's reranker to the fused candidates
	// before truncation.
	Rerank bool
}

// Stats aggregates the store's per-component statistics.
type Stats struct {
	ChunkCount    int                    `json:"chunk_count"`
	DocumentCount int                    `json:"document_count"`
	DefaultModel  string                 `json:"default_model"`
	Shards        map[string]index.Stats `json:"shards"`
	Sparse        *search.SparseStats    `json:"sparse,omitempty"`
}
