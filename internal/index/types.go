// Package index provides a uniform vector index contract over local
// ANN structures (hnsw, flat, ivf, pq, ivfpq) and remote vector stores
// (qdrant, milvus, pgvector, elasticsearch, weaviate, pinecone).
//
// Every backend returns similarities on the shared [0,1] scale of the
// metric package, sorted descending. Backends without true deletion
// drop the id mapping and filter deleted entries out of results; a
// rebuild compacts the storage.
package index

import (
	"context"
	"time"

	"github.com/modularmind/modularmind/internal/metric"
)

// Backend identifies an index implementation.
type Backend string

const (
	BackendHNSW  Backend = "hnsw"
	BackendFlat  Backend = "flat"
	BackendIVF   Backend = "ivf"
	BackendPQ    Backend = "pq"
	BackendIVFPQ Backend = "ivfpq"

	BackendQdrant        Backend = "qdrant"
	BackendMilvus        Backend = "milvus"
	BackendPGVector      Backend = "pgvector"
	BackendElasticsearch Backend = "elasticsearch"
	BackendWeaviate      Backend = "weaviate"
	BackendPinecone      Backend = "pinecone"
)

// Remote reports whether the backend stores its data on a server.
// Remote backends treat Save and Load as no-ops.
func (b Backend) Remote() bool {
	switch b {
	case BackendQdrant, BackendMilvus, BackendPGVector,
		BackendElasticsearch, BackendWeaviate, BackendPinecone:
		return true
	}
	return false
}

// Config describes one index instance. Local and remote backends read
// different subsets; unused fields are ignored.
type Config struct {
	Backend    Backend       `yaml:"backend" json:"backend"`
	Metric     metric.Metric `yaml:"metric" json:"metric"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`

	// HNSW parameters.
	M              int `yaml:"m" json:"m,omitempty"`
	EfConstruction int `yaml:"ef_construction" json:"ef_construction,omitempty"`
	EfSearch       int `yaml:"ef_search" json:"ef_search,omitempty"`
	MaxElements    int `yaml:"max_elements" json:"max_elements,omitempty"`

	// IVF parameters.
	Nlist  int `yaml:"nlist" json:"nlist,omitempty"`
	Nprobe int `yaml:"nprobe" json:"nprobe,omitempty"`

	// PQ parameters.
	MSub  int `yaml:"m_sub" json:"m_sub,omitempty"`
	Nbits int `yaml:"nbits" json:"nbits,omitempty"`

	// Remote connection parameters. APIKeyEnv names the environment
	// variable holding the credential; the key itself never appears in
	// config files.
	URL        string            `yaml:"url" json:"url,omitempty"`
	APIKeyEnv  string            `yaml:"api_key_env" json:"api_key_env,omitempty"`
	Collection string            `yaml:"collection" json:"collection,omitempty"`
	BatchSize  int               `yaml:"batch_size" json:"batch_size,omitempty"`
	Headers    map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout,omitempty"`

	// Options carries backend-specific settings (pinecone cloud/region,
	// elasticsearch num_candidates, pgvector pool sizing, ...).
	Options map[string]any `yaml:"options" json:"options,omitempty"`
}

// Default index parameters.
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50
	DefaultMaxElements    = 10000
	DefaultNlist          = 100
	DefaultNprobe         = 8
	DefaultMSub           = 8
	DefaultNbits          = 8
	DefaultRemoteBatch    = 100
	DefaultRemoteTimeout  = 30 * time.Second

	// pqRetrainThreshold is the stored count past which PQ codebooks
	// trained on dummy data are retrained on the real vectors.
	pqRetrainThreshold = 1000
)

// withDefaults fills zero fields with the backend defaults.
func (c Config) withDefaults() Config {
	if c.Metric == "" {
		c.Metric = metric.Cosine
	}
	if c.M <= 0 {
		c.M = DefaultM
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = DefaultEfSearch
	}
	if c.MaxElements <= 0 {
		c.MaxElements = DefaultMaxElements
	}
	if c.Nlist <= 0 {
		c.Nlist = DefaultNlist
	}
	if c.Nprobe <= 0 {
		c.Nprobe = DefaultNprobe
	}
	if c.MSub <= 0 {
		c.MSub = DefaultMSub
	}
	if c.Nbits <= 0 {
		c.Nbits = DefaultNbits
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultRemoteBatch
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRemoteTimeout
	}
	return c
}

// Result is one search hit. Score is the [0,1] similarity of the
// configured metric, 1.0 most similar.
type Result struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// Stats describes an index instance.
type Stats struct {
	Backend      string `json:"backend"`
	Metric       string `json:"metric"`
	Dimensions   int    `json:"dimensions"`
	TotalVectors int    `json:"total_vectors"`
	Deleted      int    `json:"deleted"`
	Capacity     int    `json:"capacity,omitempty"`
	Trained      bool   `json:"trained,omitempty"`
	Collection   string `json:"collection,omitempty"`
}

// VectorIndex is the uniform contract every backend implements.
//
// Cosine indexes expect pre-normalised vectors; no backend renormalises
// on the caller's behalf. Adding an id that already exists updates it
// in place. Search results are sorted by score descending and never
// contain deleted ids.
type VectorIndex interface {
	// Initialize prepares the index for use. For remote backends this
	// dials the server and idempotently creates the collection.
	Initialize(ctx context.Context) error

	// Add inserts or updates one vector.
	Add(ctx context.Context, vec []float32, id string) error

	// AddBatch inserts or updates vectors pairwise with ids.
	AddBatch(ctx context.Context, vecs [][]float32, ids []string) error

	// Search returns up to topK hits with score >= minScore.
	Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error)

	// Delete removes one id. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error

	// Save persists the index artefacts under dir. No-op for remote
	// backends.
	Save(dir string) error

	// Load restores the index from dir. No-op for remote backends.
	Load(dir string) error

	// Optimize compacts or retrains the index where the backend
	// supports it.
	Optimize(ctx context.Context) error

	// Stats reports the index shape and fill.
	Stats() Stats

	// Close releases resources.
	Close() error
}
