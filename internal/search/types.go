// Package search implements the sparse side of hybrid retrieval:
// BM25 keyword scoring over chunk text, metadata filtering, fusion of
// dense and sparse result lists, and reranking.
package search

import "context"

// Document is one unit of text handed to a sparse index. ID is the
// chunk id shared with the vector store.
type Document struct {
	ID   string
	Text string
}

// SparseResult is a single keyword search hit. Score is the raw BM25
// score; NormalizeScores maps a result list onto [0, 1].
type SparseResult struct {
	ChunkID      string
	Score        float64
	MatchedTerms []string
}

// SparseStats reports sparse index statistics.
type SparseStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// SparseIndex provides keyword search over chunk text.
type SparseIndex interface {
	// Index adds documents. Indexing an existing id replaces it.
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query sorted by descending
	// BM25 score.
	Search(ctx context.Context, query string, limit int) ([]*SparseResult, error)

	// Delete removes documents from the index.
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns every document id in the index, for consistency
	// checks against the chunk store.
	AllIDs() ([]string, error)

	// Stats returns index statistics.
	Stats() *SparseStats

	// Persistence. Backends that persist on every write treat Save
	// and Load as cheap no-ops or reopens.
	Save(path string) error
	Load(path string) error
	Close() error
}

// Config tunes the sparse scorer.
type Config struct {
	// K1 is the term frequency saturation parameter (default 1.2).
	K1 float64

	// B is the document length normalization parameter (default 0.75).
	B float64

	// StopWords lists words excluded from indexing and queries.
	StopWords []string

	// MinTokenLength is the minimum token length to index (default 2).
	MinTokenLength int
}

// DefaultConfig returns the standard BM25 parameters with the English
// stop word list.
func DefaultConfig() Config {
	return Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultStopWords,
		MinTokenLength: 2,
	}
}
