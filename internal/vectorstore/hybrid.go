package vectorstore

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/index"
	"github.com/modularmind/modularmind/internal/search"
)

// HybridSearch runs the dense and sparse pipelines in parallel and
// fuses their hits. One side failing degrades that side to empty with
// a warning; the call fails only when both sides fail. Fused scores
// are filtered by MinScore, joined with the chunk store, filtered by
// metadata and truncated to limit.
func (s *Store) HybridSearch(ctx context.Context, query string, limit int, opts HybridOptions) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	methodName := opts.FusionMethod
	if methodName == "" {
		methodName = s.cfg.FusionMethod
	}
	method, err := search.ParseFusionMethod(methodName)
	if err != nil {
		return nil, err
	}

	alpha := s.cfg.Alpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
		if alpha < 0 || alpha > 1 {
			return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
				"fusion alpha %v outside [0,1]", alpha)
		}
	}

	sh, err := s.shardFor(opts.EmbeddingModel, query)
	if err != nil {
		return nil, err
	}
	fetch := s.fetchSize(limit)

	var (
		denseHits  []index.Result
		sparseHits []*search.SparseResult
		denseErr   error
		sparseErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := s.queryVector(gctx, query, sh, opts.EmbeddingModel)
		if err != nil {
			denseErr = err
			return nil
		}
		sh.mu.RLock()
		defer sh.mu.RUnlock()
		denseHits, denseErr = sh.idx.Search(gctx, vec, fetch, 0)
		return nil
	})
	g.Go(func() error {
		s.sparseMu.RLock()
		defer s.sparseMu.RUnlock()
		sparseHits, sparseErr = s.sparse.Search(gctx, query, fetch)
		return nil
	})
	_ = g.Wait()

	if denseErr != nil && sparseErr != nil {
		return nil, multierror.Append(denseErr, sparseErr)
	}
	if denseErr != nil {
		slog.Warn("shard_search_degraded",
			slog.String("model", sh.modelID),
			slog.String("error", denseErr.Error()))
		denseHits = nil
	}
	if sparseErr != nil {
		slog.Warn("sparse_search_degraded",
			slog.String("error", sparseErr.Error()))
		sparseHits = nil
	}

	dense := make([]*search.DenseResult, len(denseHits))
	for i, h := range denseHits {
		dense[i] = &search.DenseResult{ChunkID: h.ID, Score: float64(h.Score)}
	}

	var fused []*search.FusedResult
	if method == search.FusionRRF {
		fused = search.FuseRRF(dense, sparseHits, search.DefaultRRFK, 0)
	} else {
		fused = search.FuseWeighted(dense, sparseHits, alpha, 0)
	}

	type candidate struct {
		fr    *search.FusedResult
		chunk *document.Chunk
	}
	var cands []candidate
	for _, fr := range fused {
		if fr.Score < float64(opts.MinScore) {
			continue
		}
		c, ok := s.chunks.Get(fr.ChunkID)
		if !ok {
			slog.Debug("chunk_join_missing", slog.String("chunk", fr.ChunkID))
			continue
		}
		if !search.MatchesFilter(c.Metadata, opts.Filter) {
			continue
		}
		cands = append(cands, candidate{fr: fr, chunk: c})
	}

	if opts.Rerank && s.rerank != nil {
		texts := make([]string, len(cands))
		for i, c := range cands {
			texts[i] = c.chunk.Text
		}
		rr, err := s.rerank.Rerank(ctx, query, texts, limit)
		if err != nil {
			slog.Warn("rerank_degraded", slog.String("error", err.Error()))
		} else {
			out := make([]SearchResult, 0, len(rr))
			for _, r := range rr {
				c := cands[r.Index]
				out = append(out, SearchResult{
					Chunk:  c.chunk,
					Score:  r.Score,
					Source: SourceHybrid,
					SubScores: map[string]float64{
						"dense":    c.fr.DenseScore,
						"sparse":   c.fr.SparseScore,
						"combined": c.fr.Score,
						"rerank":   r.Score,
					},
				})
			}
			return out, nil
		}
	}

	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]SearchResult, 0, len(cands))
	for _, c := range cands {
		out = append(out, SearchResult{
			Chunk:  c.chunk,
			Score:  c.fr.Score,
			Source: SourceHybrid,
			SubScores: map[string]float64{
				"dense":  c.fr.DenseScore,
				"sparse": c.fr.SparseScore,
			},
		})
	}
	return out, nil
}
