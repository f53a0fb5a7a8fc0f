package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

func newJSONAgent(t *testing.T, cfg Config) Agent {
	t.Helper()
	cfg.AgentType = TypeAPI
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// --- TS01: items become documents via data_path and field options ---

func TestAPIAgent_Fetch(t *testing.T) {
	// Given an endpoint nesting its items and requiring a bearer token
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("unexpected accept %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("unexpected limit param %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"meta": {"page": 1},
			"data": {"items": [
				{"id": "n1", "body": "First note", "heading": "One", "votes": 4},
				{"id": "n2", "body": "Second note", "heading": "Two"},
				{"id": "n3", "body": "   "}
			]}
		}`))
	}))
	t.Cleanup(srv.Close)

	a := newJSONAgent(t, Config{
		Name:        "notes",
		SourceURL:   srv.URL,
		Credentials: map[string]string{"token": "sekret"},
		Options: map[string]any{
			"auth_type":   "bearer",
			"params":      map[string]any{"limit": "10"},
			"data_path":   "data.items",
			"text_field":  "body",
			"title_field": "heading",
			"id_field":    "id",
		},
		MetadataMapping: map[string]string{"votes": "score"},
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	// Blank-text items are dropped
	require.Len(t, res.Documents, 2)

	first := res.Documents[0]
	assert.Equal(t, "n1", first.ID)
	assert.Equal(t, "First note", first.Text)
	assert.Equal(t, TypeAPI, first.Metadata["source_type"])
	assert.Equal(t, "One", first.Metadata["title"])
	assert.Equal(t, float64(4), first.Metadata["score"])

	second := res.Documents[1]
	assert.Equal(t, "n2", second.ID)
	assert.NotContains(t, second.Metadata, "score")

	assert.Equal(t, 3, res.Metadata["items"])
}

// --- TS02: a single object response is one item ---

func TestAPIAgent_SingleObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"title": "Solo", "body": "Only one"}`))
	}))
	t.Cleanup(srv.Close)

	a := newJSONAgent(t, Config{
		Name:      "solo",
		SourceURL: srv.URL,
		Options:   map[string]any{"text_field": "body", "title_field": "title"},
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	doc := res.Documents[0]
	assert.Equal(t, srv.URL+"#0", doc.ID)
	assert.Equal(t, "Only one", doc.Text)
	assert.Equal(t, "Solo", doc.Metadata["title"])
}

// --- TS03: without text_field the raw item is the text ---

func TestAPIAgent_RawItemText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"speaker": "kernel", "line": "hello"}]`))
	}))
	t.Cleanup(srv.Close)

	a := newJSONAgent(t, Config{Name: "raw", SourceURL: srv.URL})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.JSONEq(t, `{"speaker": "kernel", "line": "hello"}`, res.Documents[0].Text)
}

// --- TS04: basic and api-key auth reach the wire ---

func TestAPIAgent_AuthVariants(t *testing.T) {
	basicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "reader" || pass != "pw" {
			t.Errorf("unexpected basic auth %q %q %v", user, pass, ok)
		}
		_, _ = w.Write([]byte(`[{"body": "basic ok"}]`))
	}))
	t.Cleanup(basicSrv.Close)

	basic := newJSONAgent(t, Config{
		Name:        "basic",
		SourceURL:   basicSrv.URL,
		Credentials: map[string]string{"username": "reader", "password": "pw"},
		Options:     map[string]any{"auth_type": "basic", "text_field": "body"},
	})
	res, err := basic.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "basic ok", res.Documents[0].Text)

	keySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Notes-Key"); got != "k9" {
			t.Errorf("unexpected api key header %q", got)
		}
		_, _ = w.Write([]byte(`[{"body": "key ok"}]`))
	}))
	t.Cleanup(keySrv.Close)

	keyed := newJSONAgent(t, Config{
		Name:        "keyed",
		SourceURL:   keySrv.URL,
		Credentials: map[string]string{"api_key": "k9"},
		Options: map[string]any{
			"auth_type":      "api_key",
			"api_key_header": "X-Notes-Key",
			"text_field":     "body",
		},
	})
	res, err = keyed.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "key ok", res.Documents[0].Text)
}

// --- TS05: POST bodies are serialised and sent ---

func TestAPIAgent_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil || payload["q"] != "recent" {
			t.Errorf("unexpected body %q", raw)
		}
		_, _ = w.Write([]byte(`[{"body": "posted"}]`))
	}))
	t.Cleanup(srv.Close)

	a := newJSONAgent(t, Config{
		Name:      "search",
		SourceURL: srv.URL,
		Options: map[string]any{
			"method":     "post",
			"body":       map[string]any{"q": "recent"},
			"text_field": "body",
		},
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "posted", res.Documents[0].Text)
}

// --- TS06: malformed responses and configs ---

func TestAPIAgent_BadResponses(t *testing.T) {
	notJSON := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>definitely not json</html>"))
	}))
	t.Cleanup(notJSON.Close)

	a := newJSONAgent(t, Config{Name: "bad", SourceURL: notJSON.URL})
	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransient), "got %v", err)
	assert.Contains(t, err.Error(), "not valid json")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	t.Cleanup(empty.Close)

	miss := newJSONAgent(t, Config{
		Name:      "miss",
		SourceURL: empty.URL,
		Options:   map[string]any{"data_path": "results"},
	})
	_, err = miss.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransient), "got %v", err)
	assert.Contains(t, err.Error(), "data_path")
}

func TestAPIAgent_ConfigErrors(t *testing.T) {
	// Unknown auth type
	_, err := New(Config{
		AgentType: TypeAPI,
		Name:      "a",
		SourceURL: "https://api.example/items",
		Options:   map[string]any{"auth_type": "hmac"},
	})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))

	// Bearer auth without its token
	_, err = New(Config{
		AgentType: TypeAPI,
		Name:      "a",
		SourceURL: "https://api.example/items",
		Options:   map[string]any{"auth_type": "bearer"},
	})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))
}
