package vectorstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/search"
)

// chunkScanBuffer bounds one JSONL record. Chunks carry embeddings
// for every configured model, so records run far past the bufio
// default.
const chunkScanBuffer = 16 << 20

// ChunkStore holds every chunk with its text, metadata and per-model
// embeddings. It is the authoritative record the shards are projections
// of; a shard can always be rebuilt from here. Safe for concurrent use.
//
// Chunks handed to Put are owned by the store afterwards; callers must
// not mutate them.
type ChunkStore struct {
	mu     sync.RWMutex
	chunks map[string]*document.Chunk
	byDoc  map[string][]string
}

// NewChunkStore creates an empty chunk store.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		chunks: make(map[string]*document.Chunk),
		byDoc:  make(map[string][]string),
	}
}

// Put inserts or replaces one chunk.
func (s *ChunkStore) Put(chunk *document.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(chunk)
}

// PutBatch inserts or replaces chunks under one writer lock.
func (s *ChunkStore) PutBatch(chunks []*document.Chunk) {
	if len(chunks) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.putLocked(c)
	}
}

func (s *ChunkStore) putLocked(chunk *document.Chunk) {
	if chunk == nil || chunk.ID == "" {
		return
	}
	prev, ok := s.chunks[chunk.ID]
	switch {
	case !ok:
		s.byDoc[chunk.DocumentID] = append(s.byDoc[chunk.DocumentID], chunk.ID)
	case prev.DocumentID != chunk.DocumentID:
		s.unlinkLocked(prev.DocumentID, chunk.ID)
		s.byDoc[chunk.DocumentID] = append(s.byDoc[chunk.DocumentID], chunk.ID)
	}
	s.chunks[chunk.ID] = chunk
}

// unlinkLocked removes a chunk id from a document's membership list.
func (s *ChunkStore) unlinkLocked(docID, chunkID string) {
	ids := s.byDoc[docID]
	for i, id := range ids {
		if id == chunkID {
			s.byDoc[docID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byDoc[docID]) == 0 {
		delete(s.byDoc, docID)
	}
}

// Get returns the chunk for an id.
func (s *ChunkStore) Get(id string) (*document.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok
}

// Delete removes one chunk. Reports whether it existed.
func (s *ChunkStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	if !ok {
		return false
	}
	delete(s.chunks, id)
	s.unlinkLocked(c.DocumentID, id)
	return true
}

// DeleteDocument removes every chunk of a document and returns the
// removed chunk ids.
func (s *ChunkStore) DeleteDocument(docID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byDoc[docID]
	if len(ids) == 0 {
		return nil
	}
	removed := make([]string, len(ids))
	copy(removed, ids)
	for _, id := range removed {
		delete(s.chunks, id)
	}
	delete(s.byDoc, docID)
	return removed
}

// SetEmbedding stores one model's vector on an existing chunk.
// Reports whether the chunk exists.
func (s *ChunkStore) SetEmbedding(chunkID, modelID string, vec []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return false
	}
	if c.Embeddings == nil {
		c.Embeddings = make(map[string][]float32)
	}
	c.Embeddings[modelID] = vec
	return true
}

// Count returns the number of chunks.
func (s *ChunkStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// DocumentCount returns the number of distinct documents.
func (s *ChunkStore) DocumentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDoc)
}

// ChunkIDs returns every chunk id, sorted.
func (s *ChunkStore) ChunkIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChunksByDocument returns a document's chunks in chunk id order.
func (s *ChunkStore) ChunksByDocument(docID string) []*document.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byDoc[docID]
	out := make([]*document.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every chunk sorted by id.
func (s *ChunkStore) All() []*document.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*document.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MetadataSearch scans the store for chunks whose metadata matches the
// filter, in chunk id order. A non-positive limit returns every match;
// an empty filter matches everything.
func (s *ChunkStore) MetadataSearch(filter map[string]any, limit int) []*document.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*document.Chunk
	for _, id := range ids {
		c := s.chunks[id]
		if !search.MatchesFilter(c.Metadata, filter) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Save writes the store as JSONL, one chunk record per line, through
// an atomic tmp+rename.
func (s *ChunkStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		if err := enc.Encode(s.chunks[id]); err != nil {
			return fmt.Errorf("encode chunk %s: %w", id, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create chunk store directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write chunk store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename chunk store: %w", err)
	}
	return nil
}

// Load replaces the store contents from a JSONL file. A missing file
// leaves the store empty, which is how a fresh storage path opens.
func (s *ChunkStore) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.chunks = make(map[string]*document.Chunk)
			s.byDoc = make(map[string][]string)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer f.Close()

	chunks := make(map[string]*document.Chunk)
	byDoc := make(map[string][]string)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), chunkScanBuffer)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var c document.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return mmerrors.Wrap(mmerrors.KindIndexCorrupt,
				fmt.Errorf("decode chunk store %s line %d: %w", path, line, err))
		}
		if c.ID == "" {
			return mmerrors.Newf(mmerrors.KindIndexCorrupt,
				"chunk store %s line %d has no chunk id", path, line)
		}
		if _, dup := chunks[c.ID]; !dup {
			byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c.ID)
		}
		stored := c
		chunks[c.ID] = &stored
	}
	if err := scanner.Err(); err != nil {
		return mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("scan chunk store %s: %w", path, err))
	}

	s.mu.Lock()
	s.chunks = chunks
	s.byDoc = byDoc
	s.mu.Unlock()
	return nil
}
