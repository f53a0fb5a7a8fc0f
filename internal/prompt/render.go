package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// filterFuncs is the fixed filter vocabulary available inside
// templates. Filters that take a collection accept it as their last
// argument so they compose in pipelines.
var filterFuncs = template.FuncMap{
	"strip":       strings.TrimSpace,
	"upper":       strings.ToUpper,
	"lower":       strings.ToLower,
	"title":       titleWords,
	"capitalize":  capitalize,
	"join":        joinList,
	"first":       firstItem,
	"last":        lastItem,
	"truncate":    truncateText,
	"format_json": formatJSON,
	"bullet_list": bulletList,
}

// Render parses and executes one template source against params.
// Referencing a parameter that is not supplied fails the render, so
// callers learn about typos instead of shipping prompts with holes.
func Render(source string, params map[string]any) (string, error) {
	tmpl, err := template.New("prompt").
		Option("missingkey=error").
		Funcs(filterFuncs).
		Parse(source)
	if err != nil {
		return "", mmerrors.Wrap(mmerrors.KindTemplateInvalid, err)
	}
	if params == nil {
		params = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", mmerrors.Wrap(mmerrors.KindTemplateInvalid, err)
	}
	return buf.String(), nil
}

// ParseChatMessages decodes the output of a chat template. The JSON
// must be a non-empty array of objects carrying role and content.
func ParseChatMessages(rendered string) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := json.Unmarshal([]byte(rendered), &messages); err != nil {
		return nil, mmerrors.New(mmerrors.KindTemplateInvalid,
			"chat template output is not a [{role, content}] list", err)
	}
	if len(messages) == 0 {
		return nil, mmerrors.Newf(mmerrors.KindTemplateInvalid,
			"chat template rendered no messages")
	}
	for i, m := range messages {
		if m.Role == "" {
			return nil, mmerrors.Newf(mmerrors.KindTemplateInvalid,
				"chat message %d has no role", i)
		}
		if m.Content == "" {
			return nil, mmerrors.Newf(mmerrors.KindTemplateInvalid,
				"chat message %d has no content", i)
		}
	}
	return messages, nil
}

// titleWords uppercases the first rune of every word and lowercases
// the rest, preserving the original whitespace.
func titleWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inWord := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			inWord = false
			b.WriteRune(r)
		case !inWord:
			inWord = true
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// capitalize uppercases the first rune and lowercases everything else.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

func joinList(sep string, v any) (string, error) {
	items, err := toList(v)
	if err != nil {
		return "", fmt.Errorf("join: %w", err)
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = toString(item)
	}
	return strings.Join(parts, sep), nil
}

func firstItem(v any) (any, error) {
	if s, ok := v.(string); ok {
		if s == "" {
			return nil, fmt.Errorf("first: empty string")
		}
		r, _ := utf8.DecodeRuneInString(s)
		return string(r), nil
	}
	items, err := toList(v)
	if err != nil {
		return nil, fmt.Errorf("first: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("first: empty list")
	}
	return items[0], nil
}

func lastItem(v any) (any, error) {
	if s, ok := v.(string); ok {
		if s == "" {
			return nil, fmt.Errorf("last: empty string")
		}
		r, _ := utf8.DecodeLastRuneInString(s)
		return string(r), nil
	}
	items, err := toList(v)
	if err != nil {
		return nil, fmt.Errorf("last: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("last: empty list")
	}
	return items[len(items)-1], nil
}

// truncateText cuts text to n runes, appending the suffix when
// anything was cut. Forms: (n, text) with a "..." suffix, or
// (n, suffix, text).
func truncateText(n int, args ...any) (string, error) {
	suffix := "..."
	var s string
	switch len(args) {
	case 1:
		s = toString(args[0])
	case 2:
		suffix = toString(args[0])
		s = toString(args[1])
	default:
		return "", fmt.Errorf("truncate: want (n, text) or (n, suffix, text)")
	}
	if n < 0 {
		n = 0
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s, nil
	}
	return string(runes[:n]) + suffix, nil
}

func formatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format_json: %w", err)
	}
	return string(data), nil
}

// bulletList renders one line per item. Forms: (list) with a "-"
// bullet, or (bullet, list).
func bulletList(args ...any) (string, error) {
	bullet := "-"
	var v any
	switch len(args) {
	case 1:
		v = args[0]
	case 2:
		bullet = toString(args[0])
		v = args[1]
	default:
		return "", fmt.Errorf("bullet_list: want (list) or (bullet, list)")
	}
	items, err := toList(v)
	if err != nil {
		return "", fmt.Errorf("bullet_list: %w", err)
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = bullet + " " + toString(item)
	}
	return strings.Join(lines, "\n"), nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// toList widens any slice or array into []any. Strings stay scalars.
func toList(v any) ([]any, error) {
	if v == nil {
		return nil, fmt.Errorf("expected a list, got nil")
	}
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
