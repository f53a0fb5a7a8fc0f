// Package prompt stores and renders the prompt templates the RAG
// pipeline sends to LLM generators. Templates are Go text/template
// sources with a fixed filter vocabulary, validated against their
// default parameters at save time so a stored template always renders.
package prompt

import (
	"regexp"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Type names the intent of a template. The renderer treats chat
// templates specially: their output must parse as a message list.
type Type string

const (
	TypeInstruction    Type = "instruction"
	TypeChat           Type = "chat"
	TypeRAG            Type = "rag"
	TypeQA             Type = "qa"
	TypeSummarisation  Type = "summarisation"
	TypeExtraction     Type = "extraction"
	TypeClassification Type = "classification"
)

// ParseType validates a template type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeInstruction, TypeChat, TypeRAG, TypeQA,
		TypeSummarisation, TypeExtraction, TypeClassification:
		return Type(s), nil
	}
	return "", mmerrors.Newf(mmerrors.KindTemplateInvalid,
		"unknown template type %q", s)
}

// maxTemplateIDLength bounds ids so they stay usable as file names.
const maxTemplateIDLength = 64

var validTemplateID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Template is one stored prompt. Text holds the template source;
// ModelVersions carries full replacement sources keyed by the exact
// model id they apply to.
type Template struct {
	ID                string            `json:"id"`
	Type              Type              `json:"type"`
	Text              string            `json:"template"`
	DefaultParameters map[string]any    `json:"default_parameters,omitempty"`
	ModelVersions     map[string]string `json:"model_specific_versions,omitempty"`
}

// ChatMessage is one turn of a rendered chat template.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks the template shape and proves that every variant
// renders with the default parameters. A template that passes here
// cannot fail a later render that supplies at least the defaults.
func (t *Template) Validate() error {
	if t == nil {
		return mmerrors.Newf(mmerrors.KindTemplateInvalid, "template is nil")
	}
	if t.ID == "" {
		return mmerrors.Newf(mmerrors.KindTemplateInvalid, "template has no id")
	}
	if len(t.ID) > maxTemplateIDLength {
		return mmerrors.Newf(mmerrors.KindTemplateInvalid,
			"template id %q is longer than %d characters", t.ID, maxTemplateIDLength)
	}
	if !validTemplateID.MatchString(t.ID) {
		return mmerrors.Newf(mmerrors.KindTemplateInvalid,
			"template id %q may only contain letters, numbers, hyphens, and underscores", t.ID)
	}
	if _, err := ParseType(string(t.Type)); err != nil {
		return err
	}
	if t.Text == "" {
		return mmerrors.Newf(mmerrors.KindTemplateInvalid,
			"template %q has no template text", t.ID)
	}

	if err := t.validateSource(t.Text); err != nil {
		return err
	}
	for modelID, source := range t.ModelVersions {
		if source == "" {
			return mmerrors.Newf(mmerrors.KindTemplateInvalid,
				"template %q has an empty override for model %q", t.ID, modelID).
				WithDetail("model", modelID)
		}
		if err := t.validateSource(source); err != nil {
			if me, ok := err.(*mmerrors.Error); ok {
				return me.WithDetail("model", modelID)
			}
			return err
		}
	}
	return nil
}

// validateSource renders one template source against the defaults,
// parsing the output as messages for chat templates.
func (t *Template) validateSource(source string) error {
	rendered, err := Render(source, t.DefaultParameters)
	if err != nil {
		if me, ok := err.(*mmerrors.Error); ok {
			return me.WithDetail("template_id", t.ID)
		}
		return err
	}
	if t.Type == TypeChat {
		if _, err := ParseChatMessages(rendered); err != nil {
			if me, ok := err.(*mmerrors.Error); ok {
				return me.WithDetail("template_id", t.ID)
			}
			return err
		}
	}
	return nil
}

// Clone deep-copies the template so store callers can mutate their
// copy freely.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := &Template{ID: t.ID, Type: t.Type, Text: t.Text}
	if t.DefaultParameters != nil {
		out.DefaultParameters = make(map[string]any, len(t.DefaultParameters))
		for k, v := range t.DefaultParameters {
			out.DefaultParameters[k] = v
		}
	}
	if t.ModelVersions != nil {
		out.ModelVersions = make(map[string]string, len(t.ModelVersions))
		for k, v := range t.ModelVersions {
			out.ModelVersions[k] = v
		}
	}
	return out
}
