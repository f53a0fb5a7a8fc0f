package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkID_Derivation(t *testing.T) {
	assert.Equal(t, "doc-1_0", ChunkID("doc-1", 0))
	assert.Equal(t, "doc-1_12", ChunkID("doc-1", 12))
}

func TestNewChunk_InheritsMetadataAndIndex(t *testing.T) {
	// Given: a document with source metadata
	doc := New("doc-9", "some text", Metadata{"source": "rss", "lang": "en"})

	// When: deriving the second chunk
	chunk := NewChunk(doc, 1, "part two")

	// Then: id, parent and inherited metadata line up
	require.Equal(t, "doc-9_1", chunk.ID)
	assert.Equal(t, "doc-9", chunk.DocumentID)
	assert.Equal(t, "rss", chunk.Metadata["source"])
	assert.Equal(t, 1, chunk.Metadata["chunk_index"])
	assert.NotNil(t, chunk.Embeddings)
}

func TestNewChunk_DoesNotMutateParentMetadata(t *testing.T) {
	doc := New("doc-2", "text", Metadata{"a": "b"})

	_ = NewChunk(doc, 0, "text")

	_, leaked := doc.Metadata["chunk_index"]
	assert.False(t, leaked, "chunk_index must not leak into the document metadata")
}

func TestMetadata_CloneOfNil(t *testing.T) {
	var m Metadata
	c := m.Clone()
	require.NotNil(t, c)
	c["k"] = "v"
	assert.Len(t, c, 1)
}

func TestSnippet_TruncatesLongText(t *testing.T) {
	c := &Chunk{Text: "abcdefghij"}

	assert.Equal(t, "abcdefghij", c.Snippet(10))
	assert.Equal(t, "abcde...", c.Snippet(5))
}

func TestSnippet_RuneSafe(t *testing.T) {
	c := &Chunk{Text: "héllo wörld"}
	s := c.Snippet(4)
	assert.Equal(t, "héll...", s)
}

func TestTouch_StampsOnce(t *testing.T) {
	doc := &Document{ID: "d"}
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	doc.Touch(t0)
	first := doc.Metadata["ingested_at"]
	doc.Touch(t0.Add(time.Hour))

	assert.Equal(t, first, doc.Metadata["ingested_at"])
}
