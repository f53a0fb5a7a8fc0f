package embed

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LanguageUnknown is returned when no profile scores enough hits.
const LanguageUnknown = "unknown"

// languagePrefixRunes bounds how much text feeds detection; the
// cache key hashes the same prefix.
const languagePrefixRunes = 100

// languageCacheSize bounds the detection cache.
const languageCacheSize = 1024

// minProfileHits is the vote threshold below which detection reports
// unknown.
const minProfileHits = 2

// languageProfiles maps each language to its high-frequency words.
// Detection is a vote count, so overlap between languages is fine as
// long as the distinctive words dominate.
var languageProfiles = map[string][]string{
	"english":    {"the", "and", "is", "are", "was", "were", "have", "has", "with", "that", "this", "for", "not", "you"},
	"spanish":    {"el", "la", "los", "las", "es", "son", "está", "para", "por", "con", "una", "como", "pero", "más"},
	"french":     {"le", "la", "les", "est", "sont", "avec", "pour", "dans", "une", "que", "pas", "sur", "mais", "vous"},
	"german":     {"der", "die", "das", "ist", "sind", "und", "mit", "für", "nicht", "eine", "auch", "auf", "dem", "ein"},
	"portuguese": {"o", "os", "um", "uma", "é", "são", "com", "para", "por", "não", "mais", "como", "mas", "você"},
	"italian":    {"il", "lo", "gli", "è", "sono", "con", "per", "una", "non", "che", "più", "come", "ma", "questo"},
}

// languageProfileSets is the lookup form of languageProfiles.
var languageProfileSets = buildProfileSets()

func buildProfileSets() map[string]map[string]struct{} {
	sets := make(map[string]map[string]struct{}, len(languageProfiles))
	for lang, words := range languageProfiles {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[w] = struct{}{}
		}
		sets[lang] = set
	}
	return sets
}

// LanguageDetector detects the language of short texts. Detection
// results are cached by a hash of the text prefix so repeated routing
// of similar inputs stays cheap.
type LanguageDetector struct {
	cache *lru.Cache[string, string]
}

// NewLanguageDetector builds a detector with its own cache.
func NewLanguageDetector() *LanguageDetector {
	cache, _ := lru.New[string, string](languageCacheSize)
	return &LanguageDetector{cache: cache}
}

// Detect returns the detected language name, or unknown.
func (d *LanguageDetector) Detect(text string) string {
	prefix := textPrefix(text, languagePrefixRunes)
	if strings.TrimSpace(prefix) == "" {
		return LanguageUnknown
	}

	key := prefixKey(prefix)
	if lang, ok := d.cache.Get(key); ok {
		return lang
	}

	lang := detectLanguage(prefix)
	d.cache.Add(key, lang)
	return lang
}

// textPrefix returns the first n runes.
func textPrefix(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

// prefixKey hashes the prefix for the cache.
func prefixKey(prefix string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prefix))
	return fmt.Sprintf("%016x", h.Sum64())
}

// detectLanguage runs script detection first, then the word-profile
// vote for Latin-script languages.
func detectLanguage(text string) string {
	if lang := detectScript(text); lang != "" {
		return lang
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	scores := make(map[string]int)
	for _, w := range words {
		for lang, set := range languageProfileSets {
			if _, ok := set[w]; ok {
				scores[lang]++
			}
		}
	}

	best := LanguageUnknown
	bestScore := 0
	langs := make([]string, 0, len(scores))
	for lang := range scores {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		if scores[lang] > bestScore {
			best = lang
			bestScore = scores[lang]
		}
	}
	if bestScore < minProfileHits {
		return LanguageUnknown
	}
	return best
}

// detectScript classifies non-Latin scripts by rune counts. Japanese
// is checked before Chinese because Japanese text mixes kana with Han
// characters.
func detectScript(text string) string {
	var han, kana, hangul, cyrillic, letters int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		}
	}
	if letters == 0 {
		return ""
	}
	switch {
	case kana*10 >= letters:
		return "japanese"
	case han*2 >= letters:
		return "chinese"
	case hangul*2 >= letters:
		return "korean"
	case cyrillic*2 >= letters:
		return "russian"
	}
	return ""
}
