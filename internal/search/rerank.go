package search

import (
	"context"
	"sort"
)

// RerankResult is a rescored document.
type RerankResult struct {
	Index    int // position in the input slice
	Score    float64
	Document string
}

// Reranker reorders candidate documents against the query text.
type Reranker interface {
	// Rerank rescores documents and returns the top topK results
	// sorted by descending score. A non-positive topK returns all.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available reports whether the reranker can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// LexicalReranker scores documents by query term overlap: the share
// of distinct query terms present in the document. It needs no model
// and no network, which makes it the default ordering pass for hybrid
// pipelines.
type LexicalReranker struct {
	minTokenLength int
	stop           map[string]struct{}
}

// NewLexicalReranker creates a reranker using the config's tokenizer
// settings.
func NewLexicalReranker(config Config) *LexicalReranker {
	minLen := config.MinTokenLength
	if minLen <= 0 {
		minLen = 2
	}
	return &LexicalReranker{
		minTokenLength: minLen,
		stop:           BuildStopWordMap(config.StopWords),
	}
}

// Rerank implements Reranker. Ties keep the original document order.
func (r *LexicalReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	queryTerms := make(map[string]struct{})
	for _, t := range Tokenize(query, r.minTokenLength, r.stop) {
		queryTerms[t] = struct{}{}
	}

	results := make([]RerankResult, len(documents))
	for i, doc := range documents {
		score := 0.0
		if len(queryTerms) > 0 {
			docTerms := make(map[string]struct{})
			for _, t := range Tokenize(doc, r.minTokenLength, r.stop) {
				docTerms[t] = struct{}{}
			}
			overlap := 0
			for t := range queryTerms {
				if _, ok := docTerms[t]; ok {
					overlap++
				}
			}
			score = float64(overlap) / float64(len(queryTerms))
		}
		results[i] = RerankResult{Index: i, Score: score, Document: doc}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Available implements Reranker. The lexical reranker is always
// available.
func (r *LexicalReranker) Available(ctx context.Context) bool {
	return true
}

// Close implements Reranker.
func (r *LexicalReranker) Close() error {
	return nil
}

// NoOpReranker preserves the incoming order with synthetic decreasing
// scores. Used when reranking is disabled.
type NoOpReranker struct{}

// NewNoOpReranker creates a no-op reranker.
func NewNoOpReranker() *NoOpReranker {
	return &NoOpReranker{}
}

// Rerank implements Reranker.
func (r *NoOpReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	n := len(documents)
	if topK > 0 && topK < n {
		n = topK
	}
	results := make([]RerankResult, n)
	for i := 0; i < n; i++ {
		results[i] = RerankResult{
			Index:    i,
			Score:    1.0 - float64(i)*0.01,
			Document: documents[i],
		}
	}
	return results, nil
}

// Available implements Reranker.
func (r *NoOpReranker) Available(ctx context.Context) bool {
	return true
}

// Close implements Reranker.
func (r *NoOpReranker) Close() error {
	return nil
}

// Verify interface implementations
var (
	_ Reranker = (*LexicalReranker)(nil)
	_ Reranker = (*NoOpReranker)(nil)
)
