package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLanguageDetector_Detect(t *testing.T) {
	d := NewLanguageDetector()

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "english",
			text: "the cat and the dog were friends for years",
			want: "english",
		},
		{
			name: "spanish",
			text: "el gato y la casa son para los amigos",
			want: "spanish",
		},
		{
			name: "german",
			text: "der hund und die katze sind nicht eine familie",
			want: "german",
		},
		{
			name: "chinese han script",
			text: "这是一个非常简单的测试文本",
			want: "chinese",
		},
		{
			name: "japanese kana",
			text: "これはとても簡単なテストです",
			want: "japanese",
		},
		{
			name: "korean hangul",
			text: "이것은 아주 간단한 테스트입니다",
			want: "korean",
		},
		{
			name: "russian cyrillic",
			text: "это очень простой тестовый текст",
			want: "russian",
		},
		{
			name: "empty",
			text: "",
			want: LanguageUnknown,
		},
		{
			name: "whitespace only",
			text: "   \t\n  ",
			want: LanguageUnknown,
		},
		{
			name: "no profile words",
			text: "zxqv qwerty asdfgh jklzxc bnmqwe",
			want: LanguageUnknown,
		},
		{
			name: "single hit below threshold",
			text: "the quick brown fox jumps",
			want: LanguageUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Detect(tt.text))
		})
	}
}

func TestLanguageDetector_CachesResults(t *testing.T) {
	d := NewLanguageDetector()

	before := d.cache.Len()
	got := d.Detect("the cat and the dog were friends")

	assert.Equal(t, "english", got)
	assert.Equal(t, before+1, d.cache.Len())

	// Repeat detection hits the cache, not a second entry.
	assert.Equal(t, "english", d.Detect("the cat and the dog were friends"))
	assert.Equal(t, before+1, d.cache.Len())
}

func TestLanguageDetector_PrefixBoundsDetection(t *testing.T) {
	d := NewLanguageDetector()

	// The first 100 runes are noise; the english words sit past the
	// prefix and must not influence the vote.
	noise := make([]rune, 0, 120)
	for i := 0; i < 110; i++ {
		noise = append(noise, 'x')
	}
	text := string(noise) + " the cat and the dog were friends"

	assert.Equal(t, LanguageUnknown, d.Detect(text))
}

func TestDetectDomain(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "finance",
			text: "revenue profit dividend portfolio growth",
			want: "finance",
		},
		{
			name: "legal",
			text: "the plaintiff filed a statute claim in court",
			want: "legal",
		},
		{
			name: "medical",
			text: "patient diagnosis requires clinical treatment",
			want: "medical",
		},
		{
			name: "tech",
			text: "deploy the server code to the cloud",
			want: "tech",
		},
		{
			name: "single hit below threshold",
			text: "the bank closed early today",
			want: "",
		},
		{
			name: "no keywords",
			text: "a walk in the park on a sunny day",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectDomain(tt.text))
		})
	}
}
