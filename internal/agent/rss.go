package agent

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// rssAgent reads an RSS 2.0 or Atom feed from source_url. Entries
// dated at or before the last run are skipped; undated entries always
// pass.
type rssAgent struct {
	cfg    Config
	client *http.Client
}

func newRSSAgent(cfg Config) (Agent, error) {
	u, err := url.Parse(cfg.SourceURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q source_url %q is not an absolute http(s) url", cfg.Name, cfg.SourceURL)
	}
	return &rssAgent{cfg: cfg, client: newFetchClient()}, nil
}

func (a *rssAgent) Type() string { return TypeRSS }

func (a *rssAgent) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// feedEntry is the common shape both feed dialects normalise to.
type feedEntry struct {
	title     string
	link      string
	content   string
	author    string
	guid      string
	published time.Time
	dated     bool
}

func (a *rssAgent) Fetch(ctx context.Context) (*Result, error) {
	req, err := http.NewRequest(http.MethodGet, a.cfg.SourceURL, nil)
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindTransient, err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	body, _, err := fetchBody(ctx, a.client, req, a.cfg.FetchTimeout(), "rss")
	if err != nil {
		return nil, err
	}

	feedTitle, entries, err := parseFeed(body)
	if err != nil {
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"feed %s did not parse: %v", a.cfg.SourceURL, err)
	}

	maxItems := a.cfg.EffectiveMaxItems()
	var docs []*document.Document
	skipped := 0

	for i, entry := range entries {
		if len(docs) >= maxItems {
			break
		}
		if entry.dated && !a.cfg.LastRun.IsZero() && !entry.published.After(a.cfg.LastRun) {
			skipped++
			continue
		}

		text := stripHTML(entry.content)
		if entry.title != "" {
			if text == "" {
				text = entry.title
			} else {
				text = entry.title + "\n\n" + text
			}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		md := document.Metadata{
			"source_type": TypeRSS,
			"feed_url":    a.cfg.SourceURL,
		}
		if feedTitle != "" {
			md["feed_title"] = feedTitle
		}
		if entry.title != "" {
			md["title"] = entry.title
		}
		if entry.link != "" {
			md["link"] = entry.link
		}
		if entry.author != "" {
			md["author"] = entry.author
		}
		if entry.dated {
			md["published"] = entry.published.UTC().Format(time.RFC3339)
		}
		a.cfg.applyMetadataMapping(md)

		id := entry.guid
		if id == "" {
			id = entry.link
		}
		if id == "" {
			id = fmt.Sprintf("%s#%d", a.cfg.SourceURL, i)
		}

		doc := document.New(id, text, md)
		doc.Touch(time.Now())
		docs = append(docs, doc)
	}

	slog.Debug("feed_fetched",
		slog.String("agent", a.cfg.Name),
		slog.Int("entries", len(entries)),
		slog.Int("skipped_old", skipped),
		slog.Int("documents", len(docs)))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"feed_url":    a.cfg.SourceURL,
			"feed_title":  feedTitle,
			"entries":     len(entries),
			"skipped_old": skipped,
		},
	}, nil
}

// ------------------------------------------------------------------
// Feed dialects
// ------------------------------------------------------------------

type rssDoc struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	Encoded     string `xml:"encoded"`
	PubDate     string `xml:"pubDate"`
	Author      string `xml:"author"`
	Creator     string `xml:"creator"`
	GUID        string `xml:"guid"`
}

type atomDoc struct {
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	ID        string     `xml:"id"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// parseFeed sniffs the root element and normalises RSS 2.0 or Atom
// entries into the common shape, in feed order.
func parseFeed(body []byte) (string, []feedEntry, error) {
	root, err := rootElement(body)
	if err != nil {
		return "", nil, err
	}

	switch root {
	case "rss":
		var doc rssDoc
		if err := decodeXML(body, &doc); err != nil {
			return "", nil, err
		}
		entries := make([]feedEntry, 0, len(doc.Channel.Items))
		for _, item := range doc.Channel.Items {
			entry := feedEntry{
				title:   strings.TrimSpace(item.Title),
				link:    strings.TrimSpace(item.Link),
				content: item.Encoded,
				guid:    strings.TrimSpace(item.GUID),
			}
			if entry.content == "" {
				entry.content = item.Description
			}
			entry.author = strings.TrimSpace(item.Author)
			if entry.author == "" {
				entry.author = strings.TrimSpace(item.Creator)
			}
			if item.PubDate != "" {
				if ts, err := dateparse.ParseAny(item.PubDate); err == nil {
					entry.published, entry.dated = ts, true
				}
			}
			entries = append(entries, entry)
		}
		return strings.TrimSpace(doc.Channel.Title), entries, nil

	case "feed":
		var doc atomDoc
		if err := decodeXML(body, &doc); err != nil {
			return "", nil, err
		}
		entries := make([]feedEntry, 0, len(doc.Entries))
		for _, item := range doc.Entries {
			entry := feedEntry{
				title:   strings.TrimSpace(item.Title),
				link:    atomEntryLink(item.Links),
				content: item.Content,
				author:  strings.TrimSpace(item.Author.Name),
				guid:    strings.TrimSpace(item.ID),
			}
			if entry.content == "" {
				entry.content = item.Summary
			}
			raw := item.Published
			if raw == "" {
				raw = item.Updated
			}
			if raw != "" {
				if ts, err := dateparse.ParseAny(raw); err == nil {
					entry.published, entry.dated = ts, true
				}
			}
			entries = append(entries, entry)
		}
		return strings.TrimSpace(doc.Title), entries, nil
	}
	return "", nil, fmt.Errorf("unsupported feed root element %q", root)
}

// atomEntryLink picks the alternate link, falling back to the first.
func atomEntryLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// decodeXML unmarshals tolerating any declared charset: feeds lie
// about their encoding often enough that rejecting them loses more
// than passing the bytes through.
func decodeXML(body []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return dec.Decode(v)
}

// rootElement returns the local name of the document's root element.
func rootElement(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
