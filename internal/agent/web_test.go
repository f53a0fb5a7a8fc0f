package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// crawlSite serves a fixed path -> html map and records which paths
// were requested.
type crawlSite struct {
	mu       sync.Mutex
	requests []string
	pages    map[string]string
}

func newCrawlSite(t *testing.T, pages map[string]string) (*crawlSite, *httptest.Server) {
	t.Helper()
	site := &crawlSite{pages: pages}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.requests = append(site.requests, r.URL.Path)
		site.mu.Unlock()

		if ua := r.Header.Get("User-Agent"); ua != "modularmind/1.0" {
			t.Errorf("unexpected user agent %q", ua)
		}
		page, ok := site.pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)
	return site, srv
}

func (s *crawlSite) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// --- TS01: breadth-first crawl stays on the origin ---

func TestWebAgent_Crawl(t *testing.T) {
	// Given a small site with one off-site link and one fragment link
	site, srv := newCrawlSite(t, map[string]string{
		"/": `<html><head><title>Home Page</title></head><body>
			<p>Welcome home.</p>
			<a href="/a">a</a>
			<a href="https://other.example/x">elsewhere</a>
			<a href="/a#section">same page</a>
			<a href="mailto:x@y.example">mail</a>
			</body></html>`,
		"/a": `<html><body><p>Alpha text.</p><a href="/b">b</a></body></html>`,
		"/b": `<html><body><p>Beta text.</p></body></html>`,
	})

	a, err := New(Config{
		AgentType: TypeWeb,
		Name:      "site",
		SourceURL: srv.URL,
		Options:   map[string]any{"max_depth": 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	// When crawling to depth 1
	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	// Then only the start page and its same-origin child are fetched
	require.Len(t, res.Documents, 2)

	home := res.Documents[0]
	assert.Equal(t, srv.URL, home.ID)
	assert.Contains(t, home.Text, "Welcome home.")
	assert.Equal(t, "Home Page", home.Metadata["title"])
	assert.Equal(t, 0, home.Metadata["crawl_depth"])
	assert.Equal(t, TypeWeb, home.Metadata["source_type"])
	assert.NotEmpty(t, home.Metadata["ingested_at"])

	child := res.Documents[1]
	assert.Equal(t, srv.URL+"/a", child.ID)
	assert.Equal(t, 1, child.Metadata["crawl_depth"])

	assert.ElementsMatch(t, []string{"/", "/a"}, site.requested())
	assert.Equal(t, 2, res.Metadata["pages_visited"])
}

// --- TS02: selector extraction ---

func TestWebAgent_Selectors(t *testing.T) {
	_, srv := newCrawlSite(t, map[string]string{
		"/": `<html><head><title>Post</title></head><body><article>
			<h1 id="headline">Big News</h1>
			<span class="byline author">Jo Doe</span>
			<p>Body text.</p>
			</article></body></html>`,
	})

	a, err := New(Config{
		AgentType: TypeWeb,
		Name:      "post",
		SourceURL: srv.URL,
		Options: map[string]any{
			"max_depth": 0,
			"selectors": map[string]any{
				"headline": "#headline",
				"author":   "span.byline",
				"lead":     "article p",
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	md := res.Documents[0].Metadata
	assert.Equal(t, "Big News", md["headline"])
	assert.Equal(t, "Jo Doe", md["author"])
	assert.Equal(t, "Body text.", md["lead"])
}

// --- TS03: every fetched page counts against the item cap ---

func TestWebAgent_MaxItemsCapsPages(t *testing.T) {
	_, srv := newCrawlSite(t, map[string]string{
		"/": `<html><body><p>index</p>
			<a href="/p1">1</a><a href="/p2">2</a><a href="/p3">3</a><a href="/p4">4</a>
			</body></html>`,
		"/p1": `<html><body><p>one</p></body></html>`,
		"/p2": `<html><body><p>two</p></body></html>`,
		"/p3": `<html><body><p>three</p></body></html>`,
		"/p4": `<html><body><p>four</p></body></html>`,
	})

	a, err := New(Config{
		AgentType: TypeWeb,
		Name:      "capped",
		SourceURL: srv.URL,
		MaxItems:  3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Metadata["pages_visited"])
	assert.Len(t, res.Documents, 3)
}

// --- TS04: auth failures surface as source auth errors ---

func TestWebAgent_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no entry", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{AgentType: TypeWeb, Name: "locked", SourceURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindSourceAuth), "got %v", err)
}

// --- TS05: a dead link does not abort the crawl ---

func TestWebAgent_DeadLinkSkipped(t *testing.T) {
	site, srv := newCrawlSite(t, map[string]string{
		"/": `<html><body><p>index</p>
			<a href="/ok">ok</a><a href="/missing">gone</a>
			</body></html>`,
		"/ok": `<html><body><p>still here</p></body></html>`,
	})

	a, err := New(Config{
		AgentType: TypeWeb,
		Name:      "patchy",
		SourceURL: srv.URL,
		Options:   map[string]any{"max_depth": 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 2)
	assert.Equal(t, srv.URL, res.Documents[0].ID)
	assert.Equal(t, srv.URL+"/ok", res.Documents[1].ID)
	assert.Contains(t, site.requested(), "/missing")
}

// --- TS06: construction and content-type checks ---

func TestWebAgent_ConfigErrors(t *testing.T) {
	// Relative source url
	_, err := New(Config{AgentType: TypeWeb, Name: "w", SourceURL: "not-a-url"})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))

	// Unparseable selector
	_, err = New(Config{
		AgentType: TypeWeb,
		Name:      "w",
		SourceURL: "https://site.example",
		Options:   map[string]any{"selectors": map[string]any{"x": "#"}},
	})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))
}

func TestWebAgent_NonHTMLStartPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"not": "html"}`))
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{AgentType: TypeWeb, Name: "json", SourceURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransient), "got %v", err)
}
