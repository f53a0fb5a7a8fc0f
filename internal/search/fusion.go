package search

import (
	"sort"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// FusionMethod selects how dense and sparse result lists combine.
type FusionMethod string

const (
	// FusionWeighted min-max normalises each list independently and
	// blends scores as alpha*dense + (1-alpha)*sparse (default).
	FusionWeighted FusionMethod = "weighted"

	// FusionRRF combines by reciprocal rank instead of score, which
	// sidesteps score scale differences entirely.
	FusionRRF FusionMethod = "rrf"
)

const (
	// DefaultAlpha is the dense weight used by weighted fusion.
	DefaultAlpha = 0.5

	// DefaultRRFK is the rank damping constant for reciprocal rank
	// fusion. 60 is the value from the original RRF paper.
	DefaultRRFK = 60
)

// ParseFusionMethod validates a fusion method name. Empty means
// weighted.
func ParseFusionMethod(s string) (FusionMethod, error) {
	switch FusionMethod(s) {
	case FusionWeighted, "":
		return FusionWeighted, nil
	case FusionRRF:
		return FusionRRF, nil
	default:
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown fusion method: %s (valid options: weighted, rrf)", s)
	}
}

// DenseResult is one similarity hit from a vector shard, handed to
// fusion by the store facade.
type DenseResult struct {
	ChunkID string
	Score   float64
}

// FusedResult carries a combined hit plus the per-side evidence that
// produced it. Ranks are 1-based; 0 means the chunk was absent from
// that list.
type FusedResult struct {
	ChunkID      string
	Score        float64
	DenseScore   float64
	SparseScore  float64
	DenseRank    int
	SparseRank   int
	InBoth       bool
	MatchedTerms []string
}

// FuseWeighted combines dense and sparse hits by min-max normalising
// each list independently and blending with alpha (the dense weight).
// A chunk absent from one list contributes zero on that side. Ties
// break by dense score, then chunk id. A non-positive limit returns
// everything.
func FuseWeighted(dense []*DenseResult, sparse []*SparseResult, alpha float64, limit int) []*FusedResult {
	if alpha < 0 || alpha > 1 {
		alpha = DefaultAlpha
	}

	union := make(map[string]*FusedResult, len(dense)+len(sparse))

	denseNorm := minMaxDense(dense)
	for i, d := range dense {
		union[d.ChunkID] = &FusedResult{
			ChunkID:    d.ChunkID,
			DenseScore: denseNorm[i],
			DenseRank:  i + 1,
		}
	}

	sparseNorm := minMaxSparse(sparse)
	for i, s := range sparse {
		fr, ok := union[s.ChunkID]
		if !ok {
			fr = &FusedResult{ChunkID: s.ChunkID}
			union[s.ChunkID] = fr
		} else {
			fr.InBoth = true
		}
		fr.SparseScore = sparseNorm[i]
		fr.SparseRank = i + 1
		fr.MatchedTerms = s.MatchedTerms
	}

	results := make([]*FusedResult, 0, len(union))
	for _, fr := range union {
		fr.Score = alpha*fr.DenseScore + (1-alpha)*fr.SparseScore
		results = append(results, fr)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].DenseScore != results[j].DenseScore {
			return results[i].DenseScore > results[j].DenseScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// FuseRRF combines dense and sparse hits by reciprocal rank: each
// list contributes 1/(k+rank). A chunk absent from one list is ranked
// one past the longer list so it still pays a penalty on that side.
// A non-positive k falls back to DefaultRRFK.
func FuseRRF(dense []*DenseResult, sparse []*SparseResult, k, limit int) []*FusedResult {
	if k <= 0 {
		k = DefaultRRFK
	}

	missingRank := len(dense)
	if len(sparse) > missingRank {
		missingRank = len(sparse)
	}
	missingRank++

	union := make(map[string]*FusedResult, len(dense)+len(sparse))

	for i, d := range dense {
		union[d.ChunkID] = &FusedResult{
			ChunkID:    d.ChunkID,
			DenseScore: d.Score,
			DenseRank:  i + 1,
		}
	}
	for i, s := range sparse {
		fr, ok := union[s.ChunkID]
		if !ok {
			fr = &FusedResult{ChunkID: s.ChunkID}
			union[s.ChunkID] = fr
		} else {
			fr.InBoth = true
		}
		fr.SparseScore = s.Score
		fr.SparseRank = i + 1
		fr.MatchedTerms = s.MatchedTerms
	}

	for _, fr := range union {
		denseRank := fr.DenseRank
		if denseRank == 0 {
			denseRank = missingRank
		}
		sparseRank := fr.SparseRank
		if sparseRank == 0 {
			sparseRank = missingRank
		}
		fr.Score = 1.0/float64(k+denseRank) + 1.0/float64(k+sparseRank)
	}

	results := make([]*FusedResult, 0, len(union))
	for _, fr := range union {
		results = append(results, fr)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].InBoth != results[j].InBoth {
			return results[i].InBoth
		}
		if results[i].DenseScore != results[j].DenseScore {
			return results[i].DenseScore > results[j].DenseScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// NormalizeScores maps raw sparse scores onto [0, 1] by dividing by
// the maximum score. Order is preserved; the list is mutated in
// place and returned for chaining.
func NormalizeScores(results []*SparseResult) []*SparseResult {
	var max float64
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		return results
	}
	for _, r := range results {
		r.Score /= max
	}
	return results
}

// minMaxDense normalises dense scores onto [0, 1]. When all scores
// are equal every hit maps to 1.0.
func minMaxDense(results []*DenseResult) []float64 {
	norm := make([]float64, len(results))
	if len(results) == 0 {
		return norm
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	for i, r := range results {
		if hi > lo {
			norm[i] = (r.Score - lo) / (hi - lo)
		} else {
			norm[i] = 1.0
		}
	}
	return norm
}

// minMaxSparse normalises sparse scores onto [0, 1]. When all scores
// are equal every hit maps to 1.0.
func minMaxSparse(results []*SparseResult) []float64 {
	norm := make([]float64, len(results))
	if len(results) == 0 {
		return norm
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	for i, r := range results {
		if hi > lo {
			norm[i] = (r.Score - lo) / (hi - lo)
		} else {
			norm[i] = 1.0
		}
	}
	return norm
}
