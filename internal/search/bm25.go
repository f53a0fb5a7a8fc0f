package search

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// docEntry holds the per-document state the scorer needs.
type docEntry struct {
	Terms  map[string]int `json:"terms"`
	Length int            `json:"length"`
}

// MemoryBM25 is the default sparse backend: an inverted index held in
// memory and scored with BM25. Save and Load snapshot the index as
// JSON so the store facade can persist it next to the chunk store.
type MemoryBM25 struct {
	mu       sync.RWMutex
	config   Config
	stop     map[string]struct{}
	docs     map[string]*docEntry
	postings map[string]map[string]int // term -> doc id -> term frequency
	tokens   int
	closed   bool
}

// memorySnapshot is the on-disk form of a MemoryBM25. Postings and
// token totals are derived from the documents on load.
type memorySnapshot struct {
	K1             float64              `json:"k1"`
	B              float64              `json:"b"`
	MinTokenLength int                  `json:"min_token_length"`
	StopWords      []string             `json:"stop_words"`
	Docs           map[string]*docEntry `json:"docs"`
}

// NewMemoryBM25 creates an empty in-memory BM25 index. Out-of-range
// config values fall back to the defaults.
func NewMemoryBM25(config Config) *MemoryBM25 {
	if config.K1 <= 0 {
		config.K1 = 1.2
	}
	if config.B < 0 || config.B > 1 {
		config.B = 0.75
	}
	if config.MinTokenLength <= 0 {
		config.MinTokenLength = 2
	}
	return &MemoryBM25{
		config:   config,
		stop:     BuildStopWordMap(config.StopWords),
		docs:     make(map[string]*docEntry),
		postings: make(map[string]map[string]int),
	}
}

// Index adds documents to the index. Re-indexing an existing id
// replaces its previous content.
func (m *MemoryBM25) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("sparse index is closed")
	}

	for _, doc := range docs {
		if doc == nil || doc.ID == "" {
			continue
		}
		m.removeLocked(doc.ID)
		m.addLocked(doc.ID, Tokenize(doc.Text, m.config.MinTokenLength, m.stop))
	}
	return nil
}

// addLocked inserts a tokenized document. Caller holds mu.
func (m *MemoryBM25) addLocked(docID string, tokens []string) {
	entry := &docEntry{Terms: TermCounts(tokens), Length: len(tokens)}
	m.docs[docID] = entry
	m.tokens += entry.Length
	for term, tf := range entry.Terms {
		pl := m.postings[term]
		if pl == nil {
			pl = make(map[string]int)
			m.postings[term] = pl
		}
		pl[docID] = tf
	}
}

// removeLocked drops a document and its postings. Caller holds mu.
func (m *MemoryBM25) removeLocked(docID string) {
	entry, ok := m.docs[docID]
	if !ok {
		return
	}
	for term := range entry.Terms {
		pl := m.postings[term]
		delete(pl, docID)
		if len(pl) == 0 {
			delete(m.postings, term)
		}
	}
	m.tokens -= entry.Length
	delete(m.docs, docID)
}

// Search scores every document containing at least one query term and
// returns up to limit hits sorted by descending score. Ties break by
// chunk id so results are deterministic.
func (m *MemoryBM25) Search(ctx context.Context, query string, limit int) ([]*SparseResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}
	if limit <= 0 || len(m.docs) == 0 {
		return []*SparseResult{}, nil
	}

	terms := Tokenize(query, m.config.MinTokenLength, m.stop)
	if len(terms) == 0 {
		return []*SparseResult{}, nil
	}

	n := float64(len(m.docs))
	avgLen := float64(m.tokens) / n

	scores := make(map[string]float64)
	matched := make(map[string][]string)

	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		pl := m.postings[term]
		if len(pl) == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(len(pl))+0.5)/(float64(len(pl))+0.5))

		for docID, tf := range pl {
			norm := 1 - m.config.B + m.config.B*float64(m.docs[docID].Length)/avgLen
			scores[docID] += idf * float64(tf) * (m.config.K1 + 1) / (float64(tf) + m.config.K1*norm)
			matched[docID] = append(matched[docID], term)
		}
	}

	results := make([]*SparseResult, 0, len(scores))
	for docID, score := range scores {
		terms := matched[docID]
		sort.Strings(terms)
		results = append(results, &SparseResult{
			ChunkID:      docID,
			Score:        score,
			MatchedTerms: terms,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes documents from the index. Unknown ids are ignored.
func (m *MemoryBM25) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("sparse index is closed")
	}

	for _, id := range docIDs {
		m.removeLocked(id)
	}
	return nil
}

// AllIDs returns every document id, sorted.
func (m *MemoryBM25) AllIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}

	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats returns index statistics.
func (m *MemoryBM25) Stats() *SparseStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &SparseStats{
		DocumentCount: len(m.docs),
		TermCount:     len(m.postings),
	}
	if len(m.docs) > 0 {
		stats.AvgDocLength = float64(m.tokens) / float64(len(m.docs))
	}
	return stats
}

// Save writes a JSON snapshot to path, atomically via a temp file.
func (m *MemoryBM25) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("sparse index is closed")
	}

	snap := memorySnapshot{
		K1:             m.config.K1,
		B:              m.config.B,
		MinTokenLength: m.config.MinTokenLength,
		StopWords:      m.config.StopWords,
		Docs:           m.docs,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal sparse index: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create index directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write sparse index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename sparse index: %w", err)
	}
	return nil
}

// Load replaces the index contents with a snapshot read from path.
func (m *MemoryBM25) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mmerrors.Newf(mmerrors.KindNotFound, "sparse index not found at %s", path)
		}
		return fmt.Errorf("read sparse index: %w", err)
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("decode sparse index %s: %w", path, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.K1 > 0 {
		m.config.K1 = snap.K1
	}
	if snap.B >= 0 && snap.B <= 1 {
		m.config.B = snap.B
	}
	if snap.MinTokenLength > 0 {
		m.config.MinTokenLength = snap.MinTokenLength
	}
	if snap.StopWords != nil {
		m.config.StopWords = snap.StopWords
		m.stop = BuildStopWordMap(snap.StopWords)
	}

	m.docs = make(map[string]*docEntry, len(snap.Docs))
	m.postings = make(map[string]map[string]int)
	m.tokens = 0
	for id, entry := range snap.Docs {
		if entry == nil {
			continue
		}
		if entry.Terms == nil {
			entry.Terms = make(map[string]int)
		}
		m.docs[id] = entry
		m.tokens += entry.Length
		for term, tf := range entry.Terms {
			pl := m.postings[term]
			if pl == nil {
				pl = make(map[string]int)
				m.postings[term] = pl
			}
			pl[id] = tf
		}
	}
	m.closed = false
	return nil
}

// Close marks the index closed. Further calls fail.
func (m *MemoryBM25) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Verify interface implementation
var _ SparseIndex = (*MemoryBM25)(nil)
