package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

func summariseTemplate() *Template {
	return &Template{
		ID:   "summarise",
		Type: TypeSummarisation,
		Text: "Summarise the following in {{.style}} style:\n\n{{.text}}",
		DefaultParameters: map[string]any{
			"style": "concise",
			"text":  "nothing to summarise",
		},
	}
}

// --- TS01: save, get, list, delete round trip through the directory ---
func TestStore_CRUD(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(summariseTemplate()))
	require.FileExists(t, filepath.Join(dir, "summarise.json"))

	got, err := s.Get("summarise")
	require.NoError(t, err)
	assert.Equal(t, TypeSummarisation, got.Type)

	// The copy handed out is detached from the store
	got.Text = "mutated"
	again, err := s.Get("summarise")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Text)

	require.NoError(t, s.Save(&Template{
		ID:   "classify",
		Type: TypeClassification,
		Text: "Classify: {{.text}}",
		DefaultParameters: map[string]any{
			"text": "sample",
		},
	}))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "classify", list[0].ID)
	assert.Equal(t, "summarise", list[1].ID)

	require.NoError(t, s.Delete("classify"))
	assert.NoFileExists(t, filepath.Join(dir, "classify.json"))
	assert.Len(t, s.List(), 1)

	err = s.Delete("classify")
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindNotFound))

	_, err = s.Get("classify")
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindNotFound))
}

// --- TS02: a fresh store over the same directory sees saved templates ---
func TestStore_Reload(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Save(summariseTemplate()))

	// A corrupt stray file must not poison the reload
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0644))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	list := s2.List()
	require.Len(t, list, 1)
	assert.Equal(t, "summarise", list[0].ID)

	out, err := s2.Render("summarise", map[string]any{"text": "Go is a language."}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "concise")
	assert.Contains(t, out, "Go is a language.")
}

// --- TS03: validation proves the default render before anything persists ---
func TestStore_ValidateOnSave(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)

	cases := []struct {
		name string
		t    *Template
	}{
		{"no id", &Template{Type: TypeQA, Text: "x"}},
		{"bad id", &Template{ID: "no/slashes", Type: TypeQA, Text: "x"}},
		{"bad type", &Template{ID: "x", Type: Type("poem"), Text: "x"}},
		{"no text", &Template{ID: "x", Type: TypeQA}},
		{"undefaulted variable", &Template{
			ID:   "holes",
			Type: TypeQA,
			Text: "{{.question}}",
		}},
		{"bad override", &Template{
			ID:                "override",
			Type:              TypeQA,
			Text:              "ok: {{.q}}",
			DefaultParameters: map[string]any{"q": "x"},
			ModelVersions:     map[string]string{"gpt-4": "{{.undefaulted}}"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Save(tc.t)
			require.Error(t, err)
			assert.True(t, mmerrors.IsKind(err, mmerrors.KindTemplateInvalid))
			assert.Empty(t, s.List())
		})
	}

	// The invariant the cases defend: a template that saves renders
	// with nothing but its defaults.
	require.NoError(t, s.Save(summariseTemplate()))
	out, err := s.Render("summarise", nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to summarise")
}

// --- TS04: caller parameters override defaults; unknown ids miss ---
func TestStore_RenderMerging(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	require.NoError(t, s.Save(summariseTemplate()))

	out, err := s.Render("summarise", map[string]any{"style": "detailed"}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "detailed")
	assert.NotContains(t, out, "concise")

	_, err = s.Render("ghost", nil, "")
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindNotFound))
}

// --- TS05: model overrides apply on exact id match only ---
func TestStore_ModelOverride(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	require.NoError(t, s.Save(&Template{
		ID:                "greet",
		Type:              TypeInstruction,
		Text:              "base: {{.name}}",
		DefaultParameters: map[string]any{"name": "world"},
		ModelVersions: map[string]string{
			"gpt-4": "override: {{.name}}",
		},
	}))

	out, err := s.Render("greet", nil, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "override: world", out)

	// A near-miss model id falls back to the base source
	out, err = s.Render("greet", nil, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "base: world", out)

	out, err = s.Render("greet", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "base: world", out)
}

// --- TS06: chat templates render to a parsed message list ---
func TestStore_RenderChat(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	require.NoError(t, s.Save(&Template{
		ID:   "assistant",
		Type: TypeChat,
		Text: `[{"role": "system", "content": "You answer questions."},` +
			` {"role": "user", "content": "{{.question}}"}]`,
		DefaultParameters: map[string]any{"question": "What is Go?"},
	}))

	messages, err := s.RenderChat("assistant", map[string]any{"question": "Why Go?"}, "")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "Why Go?", messages[1].Content)

	// A chat template whose default render is not a message list
	// never makes it into the store.
	err = s.Save(&Template{
		ID:   "notchat",
		Type: TypeChat,
		Text: "just text",
	})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTemplateInvalid))

	// RenderChat refuses non-chat templates
	require.NoError(t, s.Save(summariseTemplate()))
	_, err = s.RenderChat("summarise", nil, "")
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTemplateInvalid))
}

// --- TS07: ids are case-sensitive ---
func TestStore_CaseSensitiveIDs(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)

	lower := summariseTemplate()
	upper := summariseTemplate()
	upper.ID = "Summarise"
	upper.Text = "UPPER {{.text}}"

	require.NoError(t, s.Save(lower))
	require.NoError(t, s.Save(upper))
	assert.Len(t, s.List(), 2)

	out, err := s.Render("Summarise", nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "UPPER")
}
