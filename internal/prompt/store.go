package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Store keeps templates in memory with an optional directory mirror,
// one JSON file per template id. Ids are case-sensitive.
type Store struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*Template
}

// NewStore opens a template store rooted at dir. An empty dir keeps
// the store in memory only. Existing template files load eagerly;
// unreadable or invalid ones are skipped with a warning so one bad
// file does not take the whole store down.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, templates: make(map[string]*Template)}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create template dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("template_load_skipped",
				slog.String("file", path),
				slog.String("error", err.Error()))
			continue
		}
		var t Template
		if err := json.Unmarshal(data, &t); err != nil {
			slog.Warn("template_load_skipped",
				slog.String("file", path),
				slog.String("error", err.Error()))
			continue
		}
		if err := t.Validate(); err != nil {
			slog.Warn("template_load_skipped",
				slog.String("file", path),
				slog.String("error", err.Error()))
			continue
		}
		s.templates[t.ID] = &t
	}
	slog.Debug("prompt_store_loaded",
		slog.Int("templates", len(s.templates)),
		slog.String("dir", dir))
	return s, nil
}

// Save validates and upserts a template, persisting it when the store
// has a directory. The stored copy is detached from the caller's.
func (s *Store) Save(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	stored := t.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		if err := s.writeFile(stored); err != nil {
			return err
		}
	}
	s.templates[stored.ID] = stored
	slog.Debug("template_saved",
		slog.String("id", stored.ID),
		slog.String("type", string(stored.Type)))
	return nil
}

// writeFile persists one template atomically.
func (s *Store) writeFile(t *Template) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal template %s: %w", t.ID, err)
	}
	path := s.filePath(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write template file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save template file: %w", err)
	}
	return nil
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Get returns a copy of one template.
func (s *Store) Get(id string) (*Template, error) {
	s.mu.RLock()
	t, ok := s.templates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, mmerrors.Newf(mmerrors.KindNotFound,
			"prompt template %q is not in the store", id)
	}
	return t.Clone(), nil
}

// Delete removes a template from memory and disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return mmerrors.Newf(mmerrors.KindNotFound,
			"prompt template %q is not in the store", id)
	}
	if s.dir != "" {
		if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete template file: %w", err)
		}
	}
	delete(s.templates, id)
	slog.Debug("template_deleted", slog.String("id", id))
	return nil
}

// List returns copies of all templates sorted by id.
func (s *Store) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Render renders a stored template. Caller parameters override the
// template defaults; a non-empty modelID selects that model's
// override source when one exists, by exact match.
func (s *Store) Render(id string, params map[string]any, modelID string) (string, error) {
	t, source, err := s.source(id, modelID)
	if err != nil {
		return "", err
	}

	merged := make(map[string]any, len(t.DefaultParameters)+len(params))
	for k, v := range t.DefaultParameters {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	out, err := Render(source, merged)
	if err != nil {
		if me, ok := err.(*mmerrors.Error); ok {
			return "", me.WithDetail("template_id", id)
		}
		return "", err
	}
	return out, nil
}

// RenderChat renders a chat template into its message list.
func (s *Store) RenderChat(id string, params map[string]any, modelID string) ([]ChatMessage, error) {
	t, _, err := s.source(id, modelID)
	if err != nil {
		return nil, err
	}
	if t.Type != TypeChat {
		return nil, mmerrors.Newf(mmerrors.KindTemplateInvalid,
			"template %q is %s, not chat", id, t.Type)
	}
	rendered, err := s.Render(id, params, modelID)
	if err != nil {
		return nil, err
	}
	messages, err := ParseChatMessages(rendered)
	if err != nil {
		if me, ok := err.(*mmerrors.Error); ok {
			return nil, me.WithDetail("template_id", id)
		}
		return nil, err
	}
	return messages, nil
}

// source resolves a template and the source text to render for the
// given model.
func (s *Store) source(id, modelID string) (*Template, string, error) {
	s.mu.RLock()
	t, ok := s.templates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, "", mmerrors.Newf(mmerrors.KindNotFound,
			"prompt template %q is not in the store", id)
	}
	source := t.Text
	if modelID != "" {
		if override, ok := t.ModelVersions[modelID]; ok {
			source = override
		}
	}
	return t, source, nil
}
