// Package document defines the record types shared by ingestion, chunking
// and retrieval: source documents, their chunks, and the metadata attached
// to both.
package document

import (
	"fmt"
	"time"
)

// Metadata carries free-form string-keyed attributes. Values are whatever
// the source produced; nested maps and lists survive the JSONL round trip.
type Metadata map[string]any

// Clone returns a shallow copy one level deep, enough for chunk inheritance
// where the chunk adds keys without touching the parent map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Document is a unit of ingested content. Immutable after ingestion except
// via delete-and-reinsert.
type Document struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata,omitempty"`
	Chunks   []*Chunk `json:"chunks,omitempty"`
}

// New creates a document with a cloned metadata map.
func New(id, text string, md Metadata) *Document {
	return &Document{
		ID:       id,
		Text:     text,
		Metadata: md.Clone(),
	}
}

// Chunk is the smallest retrievable unit of text. The same chunk may carry
// one embedding per configured model; every vector present must match that
// model's dimensions.
type Chunk struct {
	ID         string               `json:"id"`
	DocumentID string               `json:"document_id"`
	Text       string               `json:"text"`
	Metadata   Metadata             `json:"metadata,omitempty"`
	Embeddings map[string][]float32 `json:"embeddings,omitempty"`
}

// ChunkID derives the deterministic chunk identifier from its parent
// document and position: <doc_id>_<chunk_index>.
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s_%d", docID, index)
}

// NewChunk builds a chunk at the given index, inheriting the document's
// metadata plus chunk_index.
func NewChunk(doc *Document, index int, text string) *Chunk {
	md := doc.Metadata.Clone()
	md["chunk_index"] = index
	return &Chunk{
		ID:         ChunkID(doc.ID, index),
		DocumentID: doc.ID,
		Text:       text,
		Metadata:   md,
		Embeddings: make(map[string][]float32),
	}
}

// Snippet returns at most n runes of the chunk text, with an ellipsis when
// truncated. Used for result sources, which never include the full chunk.
func (c *Chunk) Snippet(n int) string {
	runes := []rune(c.Text)
	if len(runes) <= n {
		return c.Text
	}
	return string(runes[:n]) + "..."
}

// Touch stamps ingestion time metadata if absent. Agents call this so
// downstream consumers can rely on ingested_at being present.
func (d *Document) Touch(now time.Time) {
	if d.Metadata == nil {
		d.Metadata = Metadata{}
	}
	if _, ok := d.Metadata["ingested_at"]; !ok {
		d.Metadata["ingested_at"] = now.UTC().Format(time.RFC3339)
	}
}
