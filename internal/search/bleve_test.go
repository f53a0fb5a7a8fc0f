package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBleveTestIndex(t *testing.T) *BleveSparse {
	t.Helper()
	idx, err := NewBleveSparse("", DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBleveSparse_IndexAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newBleveTestIndex(t)

	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "chunk_1", Text: "hybrid retrieval combines dense and sparse scoring"},
		{ID: "chunk_2", Text: "prompt templates render into chat messages"},
	}))

	results, err := idx.Search(ctx, "retrieval scoring", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chunk_1", results[0].ChunkID)
	assert.Greater(t, results[0].Score, 0.0)
	assert.NotEmpty(t, results[0].MatchedTerms)
}

func TestBleveSparse_EmptyQueryReturnsNothing(t *testing.T) {
	ctx := context.Background()
	idx := newBleveTestIndex(t)

	require.NoError(t, idx.Index(ctx, []*Document{{ID: "chunk_1", Text: "some text"}}))

	results, err := idx.Search(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBleveSparse_DeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	idx := newBleveTestIndex(t)

	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "keep", Text: "retrieval pipeline"},
		{ID: "drop", Text: "retrieval scratchpad"},
	}))
	require.NoError(t, idx.Delete(ctx, []string{"drop"}))

	results, err := idx.Search(ctx, "retrieval", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].ChunkID)

	ids, err := idx.AllIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, ids)

	assert.Equal(t, 1, idx.Stats().DocumentCount)
}

func TestBleveSparse_ClosedIndexRejectsOperations(t *testing.T) {
	ctx := context.Background()
	idx, err := NewBleveSparse("", DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	assert.Error(t, idx.Index(ctx, []*Document{{ID: "x", Text: "y"}}))
	_, err = idx.Search(ctx, "y", 10)
	assert.Error(t, err)
}

func TestNewSparseIndex_Factory(t *testing.T) {
	idx, err := NewSparseIndex("", DefaultConfig(), "")
	require.NoError(t, err)
	_, isMemory := idx.(*MemoryBM25)
	assert.True(t, isMemory)

	idx, err = NewSparseIndex("", DefaultConfig(), "bleve")
	require.NoError(t, err)
	_, isBleve := idx.(*BleveSparse)
	assert.True(t, isBleve)
	_ = idx.Close()

	_, err = NewSparseIndex("", DefaultConfig(), "lucene")
	assert.Error(t, err)
}

func TestSparseIndexPath(t *testing.T) {
	assert.Equal(t, "/data/sparse.json", SparseIndexPath("/data", "memory"))
	assert.Equal(t, "/data/sparse.bleve", SparseIndexPath("/data", "bleve"))
	assert.Equal(t, "/data/sparse.json", SparseIndexPath("/data", ""))
}
