package search

import (
	"strings"
	"unicode"
)

// DefaultStopWords contains common English function words filtered out
// before scoring. Callers can replace the list through Config.
var DefaultStopWords = []string{
	"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
	"and", "or", "but", "not", "no",
	"of", "in", "on", "at", "to", "for", "with", "by", "from", "as",
	"that", "this", "these", "those", "it", "its",
	"i", "you", "he", "she", "we", "they",
	"do", "does", "did", "have", "has", "had",
	"will", "would", "can", "could", "should",
}

// Tokenize splits text into lowercase terms. Any rune that is neither
// a letter nor a digit acts as a separator, so punctuation and
// whitespace both split while non-Latin scripts pass through intact.
// Tokens shorter than minLen runes and tokens in stopWords are
// dropped.
func Tokenize(text string, minLen int, stopWords map[string]struct{}) []string {
	if minLen < 1 {
		minLen = 1
	}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		lower := strings.ToLower(f)
		if len([]rune(lower)) < minLen {
			continue
		}
		if _, isStop := stopWords[lower]; isStop {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// BuildStopWordMap converts a stop word list to a set for lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// TermCounts folds a token list into per-term frequencies.
func TermCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}
