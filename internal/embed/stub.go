package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Term and trigram weights for the hash vectors.
const (
	stubTokenWeight = 0.7
	stubNgramWeight = 0.3
	stubNgramSize   = 3
)

// stubTokenRegex matches alphanumeric sequences.
var stubTokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StubAdapter generates deterministic hash-based embeddings. It needs
// no network and no model download, which makes it the offline
// fallback and the fixture provider in tests. Semantic quality is
// limited to lexical overlap.
type StubAdapter struct {
	mu     sync.RWMutex
	id     string
	dims   int
	closed bool
}

var _ Adapter = (*StubAdapter)(nil)

// newStubAdapter builds a stub adapter from a model config.
func newStubAdapter(cfg ModelConfig) (Adapter, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultStubDimensions
	}
	return &StubAdapter{id: cfg.ID, dims: dims}, nil
}

// NewStubAdapter builds a stub adapter with explicit dimensions.
func NewStubAdapter(id string, dims int) *StubAdapter {
	if dims <= 0 {
		dims = DefaultStubDimensions
	}
	return &StubAdapter{id: id, dims: dims}
}

// Embed generates the hash vector for one text. The result is always
// unit length; zero-input text returns the zero vector.
func (a *StubAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil, fmt.Errorf("adapter is closed")
	}
	a.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zeroVector(a.dims), nil
	}
	return normalizeVector(a.hashVector(trimmed)), nil
}

// EmbedBatch generates hash vectors for multiple texts.
func (a *StubAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := a.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// hashVector accumulates token and trigram hashes into a vector.
func (a *StubAdapter) hashVector(text string) []float32 {
	vector := make([]float32, a.dims)

	for _, token := range stubTokenize(text) {
		vector[hashToIndex(token, a.dims)] += stubTokenWeight
	}

	normalized := stripNonAlnum(text)
	for _, ngram := range extractNgrams(normalized, stubNgramSize) {
		vector[hashToIndex(ngram, a.dims)] += stubNgramWeight
	}
	return vector
}

// stubTokenize lowercases and splits on non-alphanumerics.
func stubTokenize(text string) []string {
	words := stubTokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

// stripNonAlnum lowercases and drops everything but letters and digits.
func stripNonAlnum(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// extractNgrams extracts n-byte sliding windows.
func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

// hashToIndex maps a string to a vector index via FNV-64.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// Dimensions returns the configured dimension.
func (a *StubAdapter) Dimensions() int {
	return a.dims
}

// ModelID returns the model identifier.
func (a *StubAdapter) ModelID() string {
	return a.id
}

// Available reports readiness, always true until closed.
func (a *StubAdapter) Available(_ context.Context) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.closed
}

// Close releases the adapter.
func (a *StubAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
