// Package chunk splits documents into retrievable units.
//
// Four modes are supported: a character window, an approximate token window,
// sentence packing and paragraph packing. Every mode honors chunk_size and
// chunk_overlap; an atom larger than chunk_size falls back to the next-finer
// mode (paragraph -> sentence -> token -> character), so no mode ever emits
// an oversized chunk.
package chunk

import (
	"regexp"
	"strings"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Mode selects the splitting strategy.
type Mode string

const (
	ModeCharacter Mode = "character"
	ModeToken     Mode = "token"
	ModeSentence  Mode = "sentence"
	ModeParagraph Mode = "paragraph"
)

// tokensPerWord is the approximation used by the token window: a run of N
// whitespace-separated words counts as ~0.75*N tokens.
const tokensPerWord = 0.75

// ParseMode normalises a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "character", "char":
		return ModeCharacter, nil
	case "token":
		return ModeToken, nil
	case "sentence":
		return ModeSentence, nil
	case "paragraph":
		return ModeParagraph, nil
	default:
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid, "unknown chunking mode %q", s)
	}
}

// Options configures a Splitter.
type Options struct {
	// Mode is the splitting strategy.
	Mode Mode
	// Size is the chunk budget: characters for character/sentence/paragraph
	// mode, approximate tokens for token mode.
	Size int
	// Overlap is carried from the tail of one chunk into the next, in the
	// same unit as Size. Always trimmed below Size.
	Overlap int
}

// DefaultOptions mirror the platform defaults: sentence packing with a 500
// character budget and 50 characters of overlap.
func DefaultOptions() Options {
	return Options{Mode: ModeSentence, Size: 500, Overlap: 50}
}

// Splitter splits text by a fixed strategy.
type Splitter struct {
	opts Options
}

// NewSplitter validates the options and builds a splitter.
// Overlap is clamped into [0, Size-1] rather than rejected.
func NewSplitter(opts Options) (*Splitter, error) {
	if opts.Mode == "" {
		opts.Mode = ModeSentence
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "chunk size must be positive, got %d", opts.Size)
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap >= opts.Size {
		opts.Overlap = opts.Size - 1
	}
	return &Splitter{opts: opts}, nil
}

// Options returns the effective options after clamping.
func (s *Splitter) Options() Options {
	return s.opts
}

// Split returns the chunks of text in source order. Empty and
// whitespace-only input yields no chunks; no returned chunk is empty.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	switch s.opts.Mode {
	case ModeCharacter:
		return splitCharacters(text, s.opts.Size, s.opts.Overlap)
	case ModeToken:
		return splitTokens(text, s.opts.Size, s.opts.Overlap)
	case ModeSentence:
		return splitSentences(text, s.opts.Size, s.opts.Overlap)
	case ModeParagraph:
		return splitParagraphs(text, s.opts.Size, s.opts.Overlap)
	default:
		return splitSentences(text, s.opts.Size, s.opts.Overlap)
	}
}

// SplitDocument splits the document text and materialises Chunk records with
// derived ids and inherited metadata. The document's Chunks field is set to
// the result.
func (s *Splitter) SplitDocument(doc *document.Document) []*document.Chunk {
	pieces := s.Split(doc.Text)
	chunks := make([]*document.Chunk, 0, len(pieces))
	for i, text := range pieces {
		chunks = append(chunks, document.NewChunk(doc, i, text))
	}
	doc.Chunks = chunks
	return chunks
}

// splitCharacters slides a rune window of length size with step size-overlap.
func splitCharacters(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// splitTokens windows over whitespace words, budgeting size in approximate
// tokens. A single word longer than the whole character equivalent falls
// back to the character window.
func splitTokens(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	maxWords := int(float64(size) / tokensPerWord)
	if maxWords < 1 {
		maxWords = 1
	}
	overlapWords := int(float64(overlap) / tokensPerWord)
	if overlapWords >= maxWords {
		overlapWords = maxWords - 1
	}
	step := maxWords - overlapWords

	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		window := words[start:end]
		if len(window) == 1 && len([]rune(window[0])) > charBudget(size) {
			chunks = append(chunks, splitCharacters(window[0], charBudget(size), charBudget(overlap))...)
		} else {
			chunks = append(chunks, strings.Join(window, " "))
		}
		if end == len(words) {
			break
		}
	}
	return chunks
}

// charBudget converts a token budget to its rough character equivalent
// (a word averages ~5 characters plus the separator).
func charBudget(tokens int) int {
	chars := int(float64(tokens) / tokensPerWord * 6)
	if chars < 1 {
		chars = 1
	}
	return chars
}

// sentences splits on runs of .!? followed by whitespace (or end of text).
// A dot inside a token ("3.14", "v1.2") is not a boundary. No characters are
// lost; only the boundary whitespace is dropped.
func sentences(text string) []string {
	runes := []rune(text)
	var atoms []string
	start, i := 0, 0
	for i < len(runes) {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			i++
			continue
		}
		j := i
		for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?') {
			j++
		}
		if j < len(runes) && !isSpace(runes[j]) {
			i = j
			continue
		}
		if atom := strings.TrimSpace(string(runes[start:j])); atom != "" {
			atoms = append(atoms, atom)
		}
		for j < len(runes) && isSpace(runes[j]) {
			j++
		}
		start, i = j, j
	}
	if start < len(runes) {
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			atoms = append(atoms, tail)
		}
	}
	return atoms
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// splitSentences packs whole sentences up to size characters. A single
// sentence over the budget falls back to the token window.
func splitSentences(text string, size, overlap int) []string {
	return packAtoms(sentences(text), " ", size, overlap, func(atom string) []string {
		return splitTokens(atom, int(float64(size)*tokensPerWord/6)+1, int(float64(overlap)*tokensPerWord/6))
	})
}

var paragraphRe = regexp.MustCompile(`\n[ \t]*\n+`)

// splitParagraphs packs whole paragraphs up to size characters. A single
// paragraph over the budget falls back to sentence packing.
func splitParagraphs(text string, size, overlap int) []string {
	parts := paragraphRe.Split(text, -1)
	atoms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			atoms = append(atoms, p)
		}
	}
	return packAtoms(atoms, "\n\n", size, overlap, func(atom string) []string {
		return splitSentences(atom, size, overlap)
	})
}

// packAtoms greedily accumulates atoms into chunks of at most size
// characters, carrying trailing atoms up to overlap characters into the next
// chunk. Oversized atoms are handed to fallback and emitted as-is, breaking
// the overlap chain.
func packAtoms(atoms []string, sep string, size, overlap int, fallback func(string) []string) []string {
	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.Join(current, sep))
		// Seed the next chunk with the overlap tail.
		var tail []string
		tailLen := 0
		for i := len(current) - 1; i >= 0; i-- {
			alen := len([]rune(current[i]))
			if tailLen+alen > overlap {
				break
			}
			tail = append([]string{current[i]}, tail...)
			tailLen += alen + len(sep)
		}
		current = tail
		currentLen = tailLen
	}

	for _, atom := range atoms {
		alen := len([]rune(atom))
		if alen > size {
			if len(current) > 0 {
				chunks = append(chunks, strings.Join(current, sep))
			}
			current = nil
			currentLen = 0
			chunks = append(chunks, fallback(atom)...)
			continue
		}
		if currentLen > 0 && currentLen+len(sep)+alen > size {
			flush()
			// An overlap tail that still cannot host the atom is dropped,
			// otherwise the same tail would be emitted twice.
			if currentLen > 0 && currentLen+len(sep)+alen > size {
				current = nil
				currentLen = 0
			}
		}
		current = append(current, atom)
		currentLen += alen
		if len(current) > 1 {
			currentLen += len(sep)
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, sep))
	}
	return chunks
}
