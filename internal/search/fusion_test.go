package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseWeighted_BlendsBothSides(t *testing.T) {
	// Given: dense favours a, sparse favours b, c appears only dense
	dense := []*DenseResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.5},
		{ChunkID: "c", Score: 0.1},
	}
	sparse := []*SparseResult{
		{ChunkID: "b", Score: 8.0, MatchedTerms: []string{"vector"}},
		{ChunkID: "a", Score: 2.0},
	}

	// When: fusing with equal weights
	results := FuseWeighted(dense, sparse, 0.5, 10)
	require.Len(t, results, 3)

	// Then: min-max puts dense a=1, b=0.5, c=0; sparse b=1, a=0.
	// Combined: a=0.5, b=0.75, c=0.
	assert.Equal(t, "b", results[0].ChunkID)
	assert.InDelta(t, 0.75, results[0].Score, 1e-9)
	assert.True(t, results[0].InBoth)
	assert.Equal(t, []string{"vector"}, results[0].MatchedTerms)

	assert.Equal(t, "a", results[1].ChunkID)
	assert.InDelta(t, 0.5, results[1].Score, 1e-9)

	assert.Equal(t, "c", results[2].ChunkID)
	assert.InDelta(t, 0.0, results[2].Score, 1e-9)
	assert.False(t, results[2].InBoth)
	assert.Equal(t, 0, results[2].SparseRank)
}

func TestFuseWeighted_AlphaOneIsPureDense(t *testing.T) {
	dense := []*DenseResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.3},
	}
	sparse := []*SparseResult{
		{ChunkID: "b", Score: 10.0},
	}

	results := FuseWeighted(dense, sparse, 1.0, 10)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Equal(t, "b", results[1].ChunkID)
}

func TestFuseWeighted_TiesBreakByDenseThenID(t *testing.T) {
	// Both chunks fuse to the same combined score with alpha 0.5:
	// a is dense-only at 1.0, b is sparse-only at 1.0.
	dense := []*DenseResult{{ChunkID: "a", Score: 0.7}}
	sparse := []*SparseResult{{ChunkID: "b", Score: 3.0}}

	results := FuseWeighted(dense, sparse, 0.5, 10)
	require.Len(t, results, 2)

	// Equal combined scores, so the dense hit wins.
	assert.InDelta(t, results[0].Score, results[1].Score, 1e-9)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Equal(t, "b", results[1].ChunkID)
}

func TestFuseWeighted_IDTieBreakIsDeterministic(t *testing.T) {
	// Two sparse-only hits with equal scores differ only by id.
	sparse := []*SparseResult{
		{ChunkID: "z", Score: 2.0},
		{ChunkID: "y", Score: 2.0},
	}

	results := FuseWeighted(nil, sparse, 0.5, 10)
	require.Len(t, results, 2)
	assert.Equal(t, "y", results[0].ChunkID)
	assert.Equal(t, "z", results[1].ChunkID)
}

func TestFuseWeighted_LimitTruncates(t *testing.T) {
	dense := []*DenseResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.8},
		{ChunkID: "c", Score: 0.7},
	}

	results := FuseWeighted(dense, nil, 0.5, 2)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.Equal(t, "b", results[1].ChunkID)
}

func TestFuseWeighted_InvalidAlphaFallsBack(t *testing.T) {
	dense := []*DenseResult{{ChunkID: "a", Score: 1.0}}
	sparse := []*SparseResult{{ChunkID: "b", Score: 1.0}}

	// Out-of-range alpha behaves like the 0.5 default.
	results := FuseWeighted(dense, sparse, 2.5, 10)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)
	assert.InDelta(t, 0.5, results[1].Score, 1e-9)
}

func TestFuseRRF_RanksSharedHitsFirst(t *testing.T) {
	dense := []*DenseResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.8},
	}
	sparse := []*SparseResult{
		{ChunkID: "b", Score: 5.0},
		{ChunkID: "c", Score: 4.0},
	}

	results := FuseRRF(dense, sparse, 60, 10)
	require.Len(t, results, 3)

	// b appears in both lists: 1/(60+2) + 1/(60+1).
	assert.Equal(t, "b", results[0].ChunkID)
	assert.True(t, results[0].InBoth)
	expected := 1.0/62 + 1.0/61
	assert.InDelta(t, expected, results[0].Score, 1e-9)

	// a and c are singletons penalised with the missing rank (3):
	// a = 1/61 + 1/63, c = 1/63 + 1/62, so a edges out c.
	assert.Equal(t, "a", results[1].ChunkID)
	assert.Equal(t, "c", results[2].ChunkID)
}

func TestFuseRRF_DefaultKAndLimit(t *testing.T) {
	dense := []*DenseResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.8},
		{ChunkID: "c", Score: 0.7},
	}

	results := FuseRRF(dense, nil, 0, 2)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ChunkID)

	// k fell back to 60; dense rank 1 plus missing sparse rank 4.
	expected := 1.0/61 + 1.0/64
	assert.InDelta(t, expected, results[0].Score, 1e-9)
}

func TestFuseEmptyInputs(t *testing.T) {
	assert.Empty(t, FuseWeighted(nil, nil, 0.5, 10))
	assert.Empty(t, FuseRRF(nil, nil, 60, 10))
}

func TestParseFusionMethod(t *testing.T) {
	m, err := ParseFusionMethod("")
	require.NoError(t, err)
	assert.Equal(t, FusionWeighted, m)

	m, err = ParseFusionMethod("rrf")
	require.NoError(t, err)
	assert.Equal(t, FusionRRF, m)

	_, err = ParseFusionMethod("borda")
	assert.Error(t, err)
}
