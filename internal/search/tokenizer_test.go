package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize_LowercasesAndSplitsOnPunctuation(t *testing.T) {
	tokens := Tokenize("Hello, World! RAG-pipelines (v2)", 2, nil)
	assert.Equal(t, []string{"hello", "world", "rag", "pipelines", "v2"}, tokens)
}

func TestTokenize_KeepsNonLatinScripts(t *testing.T) {
	// Given: mixed-script text with accents and CJK
	tokens := Tokenize("Café search 北京 données", 2, nil)

	// Then: accented and CJK terms survive as whole tokens
	assert.Equal(t, []string{"café", "search", "北京", "données"}, tokens)
}

func TestTokenize_DropsShortTokens(t *testing.T) {
	tokens := Tokenize("a bc def", 2, nil)
	assert.Equal(t, []string{"bc", "def"}, tokens)

	tokens = Tokenize("a bc def", 3, nil)
	assert.Equal(t, []string{"def"}, tokens)
}

func TestTokenize_FiltersStopWords(t *testing.T) {
	stop := BuildStopWordMap([]string{"the", "is"})
	tokens := Tokenize("The sky is blue", 2, stop)
	assert.Equal(t, []string{"sky", "blue"}, tokens)
}

func TestTokenize_EmptyInput(t *testing.T) {
	assert.Empty(t, Tokenize("", 2, nil))
	assert.Empty(t, Tokenize("   \t\n", 2, nil))
	assert.Empty(t, Tokenize("... !!! ???", 2, nil))
}

func TestBuildStopWordMap_Lowercases(t *testing.T) {
	m := BuildStopWordMap([]string{"The", "AND"})
	_, hasThe := m["the"]
	_, hasAnd := m["and"]
	assert.True(t, hasThe)
	assert.True(t, hasAnd)
}

func TestTermCounts(t *testing.T) {
	counts := TermCounts([]string{"apple", "banana", "apple"})
	assert.Equal(t, 2, counts["apple"])
	assert.Equal(t, 1, counts["banana"])
	assert.Len(t, counts, 2)
}
