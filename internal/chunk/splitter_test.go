package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

func mustSplitter(t *testing.T, opts Options) *Splitter {
	t.Helper()
	s, err := NewSplitter(opts)
	require.NoError(t, err)
	return s
}

func TestNewSplitter_RejectsBadOptions(t *testing.T) {
	_, err := NewSplitter(Options{Mode: ModeCharacter, Size: 0})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))

	_, err = NewSplitter(Options{Mode: "semantic", Size: 100})
	require.Error(t, err)
}

func TestNewSplitter_ClampsOverlap(t *testing.T) {
	s := mustSplitter(t, Options{Mode: ModeCharacter, Size: 10, Overlap: 50})
	assert.Equal(t, 9, s.Options().Overlap)
}

func TestSplit_EmptyInputYieldsNoChunks(t *testing.T) {
	s := mustSplitter(t, Options{Mode: ModeSentence, Size: 100})
	assert.Empty(t, s.Split(""))
	assert.Empty(t, s.Split("   \n\t  "))
}

func TestSplitCharacters_WindowAndOverlap(t *testing.T) {
	// Given: 26 letters, window 10, overlap 2
	s := mustSplitter(t, Options{Mode: ModeCharacter, Size: 10, Overlap: 2})

	chunks := s.Split("abcdefghijklmnopqrstuvwxyz")

	// Then: windows advance by 8 and the final window reaches the end
	require.Equal(t, []string{"abcdefghij", "ijklmnopqr", "qrstuvwxyz"}, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10)
		assert.NotEmpty(t, c)
	}
}

func TestSplitSentences_PacksWholeSentences(t *testing.T) {
	s := mustSplitter(t, Options{Mode: ModeSentence, Size: 40, Overlap: 0})

	text := "The cat sat. The dog ran! Was it fast? Yes."
	chunks := s.Split(text)

	require.NotEmpty(t, chunks)
	// Sentences are never cut mid-way by the packer.
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 40)
		last := c[len(c)-1]
		assert.Contains(t, ".!?", string(last), "chunk %q should end on a sentence boundary", c)
	}
}

func TestSentences_KeepsInteriorDots(t *testing.T) {
	atoms := sentences("Pi is 3.14 exactly. Version v1.2 shipped! Done")

	require.Equal(t, []string{"Pi is 3.14 exactly.", "Version v1.2 shipped!", "Done"}, atoms)
}

func TestSplitParagraphs_FallsBackOnOversizedParagraph(t *testing.T) {
	// Given: one paragraph bigger than the budget and one small one
	big := strings.Repeat("A sentence here. ", 30) // ~510 chars
	text := big + "\n\nShort tail paragraph."
	s := mustSplitter(t, Options{Mode: ModeParagraph, Size: 200, Overlap: 0})

	chunks := s.Split(text)

	// Then: everything fits the budget and the tail paragraph survives intact
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
	}
	assert.Equal(t, "Short tail paragraph.", chunks[len(chunks)-1])
}

func TestSplitTokens_ApproximateBudget(t *testing.T) {
	// Given: 100 words and a 30-token budget (=> 40-word windows)
	words := make([]string, 100)
	for i := range words {
		words[i] = "word"
	}
	s := mustSplitter(t, Options{Mode: ModeToken, Size: 30, Overlap: 0})

	chunks := s.Split(strings.Join(words, " "))

	require.Len(t, chunks, 3)
	assert.Len(t, strings.Fields(chunks[0]), 40)
	assert.Len(t, strings.Fields(chunks[1]), 40)
	assert.Len(t, strings.Fields(chunks[2]), 20)
}

func TestSplit_RoundTripKeepsEveryCharacter(t *testing.T) {
	// The join of all chunks must contain every non-boundary character of the
	// source, for every mode.
	text := "First sentence here. Second one follows!\n\nA new paragraph with more text. It ends now? Yes it does."
	modes := []Options{
		{Mode: ModeCharacter, Size: 30, Overlap: 5},
		{Mode: ModeToken, Size: 10, Overlap: 2},
		{Mode: ModeSentence, Size: 50, Overlap: 10},
		{Mode: ModeParagraph, Size: 60, Overlap: 0},
	}

	normalize := func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}

	for _, opts := range modes {
		t.Run(string(opts.Mode), func(t *testing.T) {
			s := mustSplitter(t, opts)
			chunks := s.Split(text)
			require.NotEmpty(t, chunks)

			source := normalize(text)
			total := 0
			for _, c := range chunks {
				nc := normalize(c)
				assert.NotEmpty(t, nc)
				// Chunks only rearrange boundary whitespace, never content.
				assert.Contains(t, source, nc, "chunk %q not found in source", nc)
				total += len(nc)
			}
			// Overlap can only duplicate characters, never lose them.
			assert.GreaterOrEqual(t, total+len(chunks)-1, len(source))
		})
	}
}

func TestSplit_OrderPreserved(t *testing.T) {
	s := mustSplitter(t, Options{Mode: ModeSentence, Size: 30, Overlap: 0})
	chunks := s.Split("Alpha first. Beta second. Gamma third. Delta fourth.")

	joined := strings.Join(chunks, " ")
	assert.Less(t, strings.Index(joined, "Alpha"), strings.Index(joined, "Beta"))
	assert.Less(t, strings.Index(joined, "Beta"), strings.Index(joined, "Gamma"))
	assert.Less(t, strings.Index(joined, "Gamma"), strings.Index(joined, "Delta"))
}

func TestSplitDocument_DerivesChunkRecords(t *testing.T) {
	// Given: a document with metadata
	doc := document.New("doc-7", "One sentence. Two sentence. Red sentence. Blue sentence.", document.Metadata{"source": "test"})
	s := mustSplitter(t, Options{Mode: ModeSentence, Size: 30, Overlap: 0})

	chunks := s.SplitDocument(doc)

	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, document.ChunkID("doc-7", i), c.ID)
		assert.Equal(t, "doc-7", c.DocumentID)
		assert.Equal(t, i, c.Metadata["chunk_index"])
		assert.Equal(t, "test", c.Metadata["source"])
	}
	assert.Equal(t, chunks, doc.Chunks)
}
