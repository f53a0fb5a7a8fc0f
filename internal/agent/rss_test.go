package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>Engine Notes</title>
  <item>
    <title>Second post</title>
    <link>https://blog.example/posts/2</link>
    <guid>post-2</guid>
    <pubDate>Tue, 09 Jun 2026 10:00:00 +0000</pubDate>
    <dc:creator>Ana</dc:creator>
    <content:encoded><![CDATA[<p>Fresh <b>content</b> here.</p>]]></content:encoded>
  </item>
  <item>
    <title>First post</title>
    <link>https://blog.example/posts/1</link>
    <pubDate>Mon, 01 Jan 2024 09:00:00 +0000</pubDate>
    <description>Old body.</description>
  </item>
</channel>
</rss>`

const atomFixture = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Release Feed</title>
  <entry>
    <title>v2.1 shipped</title>
    <link rel="alternate" href="https://rel.example/v2.1"/>
    <id>urn:release:v2.1</id>
    <updated>2026-03-03T12:00:00Z</updated>
    <summary>Bug fixes.</summary>
  </entry>
</feed>`

func serveFeed(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFeedAgent(t *testing.T, cfg Config) Agent {
	t.Helper()
	cfg.AgentType = TypeRSS
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// --- TS01: RSS 2.0 entries become documents ---

func TestRSSAgent_Fetch(t *testing.T) {
	srv := serveFeed(t, "application/rss+xml", rssFixture)
	a := newFeedAgent(t, Config{Name: "notes", SourceURL: srv.URL})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	// Entries come back in feed order with the title leading the text
	require.Len(t, res.Documents, 2)

	first := res.Documents[0]
	assert.Equal(t, "post-2", first.ID)
	assert.Equal(t, "Second post\n\nFresh content here.", first.Text)
	assert.Equal(t, TypeRSS, first.Metadata["source_type"])
	assert.Equal(t, "Engine Notes", first.Metadata["feed_title"])
	assert.Equal(t, "Second post", first.Metadata["title"])
	assert.Equal(t, "https://blog.example/posts/2", first.Metadata["link"])
	assert.Equal(t, "Ana", first.Metadata["author"])
	assert.Equal(t, "2026-06-09T10:00:00Z", first.Metadata["published"])

	// No guid on the second entry, so its link is the id
	second := res.Documents[1]
	assert.Equal(t, "https://blog.example/posts/1", second.ID)
	assert.Equal(t, "First post\n\nOld body.", second.Text)

	assert.Equal(t, "Engine Notes", res.Metadata["feed_title"])
	assert.Equal(t, 2, res.Metadata["entries"])
}

// --- TS02: entries at or before last_run are skipped ---

func TestRSSAgent_SkipsOldEntries(t *testing.T) {
	srv := serveFeed(t, "application/rss+xml", rssFixture)
	a := newFeedAgent(t, Config{
		Name:      "notes",
		SourceURL: srv.URL,
		LastRun:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Equal(t, "post-2", res.Documents[0].ID)
	assert.Equal(t, 1, res.Metadata["skipped_old"])
}

// --- TS03: Atom feeds parse through the same agent ---

func TestRSSAgent_Atom(t *testing.T) {
	srv := serveFeed(t, "application/atom+xml", atomFixture)
	a := newFeedAgent(t, Config{Name: "releases", SourceURL: srv.URL})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	doc := res.Documents[0]
	assert.Equal(t, "urn:release:v2.1", doc.ID)
	assert.Equal(t, "v2.1 shipped\n\nBug fixes.", doc.Text)
	assert.Equal(t, "https://rel.example/v2.1", doc.Metadata["link"])
	assert.Equal(t, "2026-03-03T12:00:00Z", doc.Metadata["published"])
	assert.Equal(t, "Release Feed", res.Metadata["feed_title"])
}

// --- TS04: non-feed payloads are transient failures ---

func TestRSSAgent_UnsupportedRoot(t *testing.T) {
	srv := serveFeed(t, "text/xml", `<opml version="2.0"><body/></opml>`)
	a := newFeedAgent(t, Config{Name: "outline", SourceURL: srv.URL})

	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindTransient), "got %v", err)
	assert.Contains(t, err.Error(), "did not parse")
}

// --- TS05: the item cap bounds one fetch ---

func TestRSSAgent_MaxItems(t *testing.T) {
	feed := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Busy</title>
  <item><title>One</title></item>
  <item><title>Two</title><description>body two</description></item>
  <item><title>Three</title><description>body three</description></item>
</channel></rss>`
	srv := serveFeed(t, "application/rss+xml", feed)
	a := newFeedAgent(t, Config{Name: "busy", SourceURL: srv.URL, MaxItems: 2})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	// A title-only entry still yields a document
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "One", res.Documents[0].Text)
	assert.Equal(t, "Two\n\nbody two", res.Documents[1].Text)
	assert.Equal(t, 3, res.Metadata["entries"])
}
