package vectorstore

import (
	"context"
	"log/slog"

	"github.com/modularmind/modularmind/internal/index"
	"github.com/modularmind/modularmind/internal/search"
)

// SearchByText embeds the query, searches the routed or explicit
// shard, joins hits with the chunk store, applies the metadata filter
// and returns the top limit results.
func (s *Store) SearchByText(ctx context.Context, query string, limit int, opts SearchOptions) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	sh, err := s.shardFor(opts.EmbeddingModel, query)
	if err != nil {
		return nil, err
	}
	vec, err := s.queryVector(ctx, query, sh, opts.EmbeddingModel)
	if err != nil {
		return nil, err
	}

	sh.mu.RLock()
	hits, err := sh.idx.Search(ctx, vec, s.fetchSize(limit), opts.MinScore)
	sh.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	return s.join(hits, opts.Filter, limit, SourceDense), nil
}

// MetadataSearch scans the chunk store for metadata matches. Matches
// carry score 1.0; there is no ranking signal in a pure metadata scan.
func (s *Store) MetadataSearch(filter map[string]any, limit int) []SearchResult {
	if limit <= 0 {
		limit = DefaultLimit
	}
	chunks := s.chunks.MetadataSearch(filter, limit)
	out := make([]SearchResult, len(chunks))
	for i, c := range chunks {
		out[i] = SearchResult{Chunk: c, Score: 1.0, Source: SourceMetadata}
	}
	return out
}

// fetchSize is the candidate count requested from a shard or the
// sparse index: overshoot headroom for post-retrieval filtering, never
// below minFetch.
func (s *Store) fetchSize(limit int) int {
	fetch := limit * s.cfg.Overshoot
	if fetch < minFetch {
		fetch = minFetch
	}
	return fetch
}

// queryVector embeds the query for a shard. Routed queries go through
// the router so ensembles apply; when the ensemble produces a vector
// of a different width than the shard (concatenation does), the query
// falls back to the shard's own model.
func (s *Store) queryVector(ctx context.Context, text string, sh *shard, explicit string) ([]float32, error) {
	if explicit == "" && s.router != nil {
		vec, err := s.router.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) == sh.dims {
			return vec, nil
		}
		slog.Debug("ensemble_vector_unusable",
			slog.String("model", sh.modelID),
			slog.Int("got", len(vec)),
			slog.Int("want", sh.dims))
	}
	return s.service.CreateEmbedding(ctx, text, sh.modelID)
}

// join resolves index hits against the chunk store and applies the
// metadata filter. Hits whose chunk has gone missing are skipped;
// that happens when a delete reached the chunk store but not every
// shard.
func (s *Store) join(hits []index.Result, filter map[string]any, limit int, source string) []SearchResult {
	out := make([]SearchResult, 0, limit)
	for _, h := range hits {
		c, ok := s.chunks.Get(h.ID)
		if !ok {
			slog.Debug("chunk_join_missing", slog.String("chunk", h.ID))
			continue
		}
		if !search.MatchesFilter(c.Metadata, filter) {
			continue
		}
		out = append(out, SearchResult{Chunk: c, Score: float64(h.Score), Source: source})
		if len(out) >= limit {
			break
		}
	}
	return out
}
