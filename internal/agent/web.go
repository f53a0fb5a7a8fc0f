package agent

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const defaultCrawlDepth = 2

// webAgent crawls a site breadth-first from source_url, following only
// same-origin links. Options: max_depth (default 2), timeout,
// user_agent, selectors (metadata key -> selector, where a selector is
// a tag, #id, .class or a space-separated descendant chain of those).
type webAgent struct {
	cfg       Config
	client    *http.Client
	start     *url.URL
	maxDepth  int
	userAgent string
	selectors map[string]string
}

func newWebAgent(cfg Config) (Agent, error) {
	start, err := url.Parse(cfg.SourceURL)
	if err != nil || !start.IsAbs() || (start.Scheme != "http" && start.Scheme != "https") {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q source_url %q is not an absolute http(s) url", cfg.Name, cfg.SourceURL)
	}

	selectors := stringMapOption(cfg.Options, "selectors")
	for key, sel := range selectors {
		if len(parseSelector(sel)) == 0 {
			return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
				"agent %q selector for %q is empty", cfg.Name, key)
		}
	}

	return &webAgent{
		cfg:       cfg,
		client:    newFetchClient(),
		start:     start,
		maxDepth:  intOption(cfg.Options, "max_depth", defaultCrawlDepth),
		userAgent: stringOption(cfg.Options, "user_agent", "modularmind/1.0"),
		selectors: selectors,
	}, nil
}

func (a *webAgent) Type() string { return TypeWeb }

func (a *webAgent) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

type crawlItem struct {
	url   *url.URL
	depth int
}

// Fetch crawls breadth-first. Every fetched page counts against
// max_items; pages that fail after the start page are skipped with a
// warning so one dead link does not abort the crawl.
func (a *webAgent) Fetch(ctx context.Context) (*Result, error) {
	maxPages := a.cfg.EffectiveMaxItems()

	queue := []crawlItem{{url: a.start, depth: 0}}
	visited := map[string]bool{pageKey(a.start): true}
	var docs []*document.Document
	pages := 0

	for len(queue) > 0 && pages < maxPages {
		if err := ctx.Err(); err != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, err)
		}
		item := queue[0]
		queue = queue[1:]
		pages++

		page, links, err := a.fetchPage(ctx, item.url)
		if err != nil {
			if item.depth == 0 || mmerrors.IsKind(err, mmerrors.KindCancelled) {
				return nil, err
			}
			slog.Warn("crawl_page_skipped",
				slog.String("agent", a.cfg.Name),
				slog.String("url", item.url.String()),
				slog.String("error", err.Error()))
			continue
		}

		if strings.TrimSpace(page.text) != "" {
			now := time.Now()
			md := document.Metadata{
				"source_type": TypeWeb,
				"url":         item.url.String(),
				"crawl_depth": item.depth,
				"crawl_time":  now.UTC().Format(time.RFC3339),
			}
			if page.title != "" {
				md["title"] = page.title
			}
			for key, value := range page.selected {
				md[key] = value
			}
			a.cfg.applyMetadataMapping(md)

			doc := document.New(item.url.String(), page.text, md)
			doc.Touch(now)
			docs = append(docs, doc)
		}

		if item.depth < a.maxDepth {
			for _, link := range links {
				key := pageKey(link)
				if visited[key] {
					continue
				}
				visited[key] = true
				queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
			}
		}
	}

	slog.Debug("crawl_complete",
		slog.String("agent", a.cfg.Name),
		slog.Int("pages_visited", pages),
		slog.Int("documents", len(docs)))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"start_url":     a.start.String(),
			"pages_visited": pages,
			"documents":     len(docs),
			"max_depth":     a.maxDepth,
		},
	}, nil
}

type pageContent struct {
	title    string
	text     string
	selected map[string]string
}

func (a *webAgent) fetchPage(ctx context.Context, u *url.URL) (pageContent, []*url.URL, error) {
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return pageContent{}, nil, mmerrors.Wrap(mmerrors.KindTransient, err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	body, ctype, err := fetchBody(ctx, a.client, req, a.cfg.FetchTimeout(), "web")
	if err != nil {
		return pageContent{}, nil, err
	}
	if ctype != "" && !strings.Contains(ctype, "html") && !strings.Contains(ctype, "xml") {
		return pageContent{}, nil, mmerrors.Newf(mmerrors.KindTransient,
			"page %s is %q, not html", u, ctype)
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return pageContent{}, nil, mmerrors.Wrap(mmerrors.KindTransient, err)
	}

	page := pageContent{
		title:    findTitle(root),
		text:     extractText(root),
		selected: map[string]string{},
	}
	for key, sel := range a.selectors {
		if node := selectFirst(root, parseSelector(sel)); node != nil {
			if text := extractText(node); text != "" {
				page.selected[key] = text
			}
		}
	}
	return page, extractLinks(root, u), nil
}

// pageKey normalises a URL for the visited set: fragments never change
// the page.
func pageKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

// ------------------------------------------------------------------
// HTML to text
// ------------------------------------------------------------------

// skipTags hold no indexable text.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"iframe":   true,
	"svg":      true,
	"template": true,
}

// blockTags end a line so paragraph structure survives into chunking.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"article": true, "section": true, "blockquote": true, "pre": true,
}

// extractText strips tags from the subtree rooted at n, collapsing
// whitespace within lines and keeping block boundaries as newlines.
func extractText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && skipTags[node.Data] {
			return
		}
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			b.WriteByte(' ')
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if node.Type == html.ElementNode && blockTags[node.Data] {
			b.WriteByte('\n')
		}
	}
	walk(n)

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// stripHTML reduces an HTML fragment to plain text. Non-HTML input
// passes through with collapsed whitespace.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return extractText(root)
}

func findTitle(root *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			title = strings.TrimSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(strings.Fields(title), " ")
}

// nodeText concatenates the raw text nodes under n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// extractLinks returns the unique same-origin links under root,
// resolved against base, fragments stripped.
func extractLinks(root *html.Node, base *url.URL) []*url.URL {
	var links []*url.URL
	seen := map[string]bool{}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "#") ||
					strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
					continue
				}
				ref, err := url.Parse(href)
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				if abs.Scheme != "http" && abs.Scheme != "https" {
					continue
				}
				if abs.Host != base.Host {
					continue
				}
				abs.Fragment = ""
				if key := abs.String(); !seen[key] {
					seen[key] = true
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return links
}

// ------------------------------------------------------------------
// Selector subset
// ------------------------------------------------------------------

// simpleSelector matches one element: optional tag name, optional #id,
// any number of .classes.
type simpleSelector struct {
	tag     string
	id      string
	classes []string
}

// parseSelector parses a space-separated descendant chain of simple
// selectors. Unparseable input yields an empty chain.
func parseSelector(s string) []simpleSelector {
	var chain []simpleSelector
	for _, token := range strings.Fields(s) {
		sel, ok := parseSimpleSelector(token)
		if !ok {
			return nil
		}
		chain = append(chain, sel)
	}
	return chain
}

func parseSimpleSelector(token string) (simpleSelector, bool) {
	var sel simpleSelector
	rest := token
	for rest != "" {
		kind := byte(0)
		if rest[0] == '#' || rest[0] == '.' {
			kind = rest[0]
			rest = rest[1:]
		}
		end := strings.IndexAny(rest, "#.")
		var part string
		if end == -1 {
			part, rest = rest, ""
		} else {
			part, rest = rest[:end], rest[end:]
		}
		if part == "" {
			return simpleSelector{}, false
		}
		switch kind {
		case '#':
			sel.id = part
		case '.':
			sel.classes = append(sel.classes, part)
		default:
			sel.tag = strings.ToLower(part)
		}
	}
	if sel.tag == "" && sel.id == "" && len(sel.classes) == 0 {
		return simpleSelector{}, false
	}
	return sel, true
}

func matchesSimple(n *html.Node, sel simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if sel.tag != "" && n.Data != sel.tag {
		return false
	}
	var id string
	var classes []string
	for _, attr := range n.Attr {
		switch attr.Key {
		case "id":
			id = attr.Val
		case "class":
			classes = strings.Fields(attr.Val)
		}
	}
	if sel.id != "" && id != sel.id {
		return false
	}
	for _, want := range sel.classes {
		found := false
		for _, have := range classes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// selectFirst finds the first node matching a descendant chain,
// searching depth-first in document order.
func selectFirst(root *html.Node, chain []simpleSelector) *html.Node {
	if len(chain) == 0 {
		return nil
	}
	var result *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if result != nil {
			return
		}
		if matchesSimple(n, chain[0]) {
			if len(chain) == 1 {
				result = n
				return
			}
			for c := n.FirstChild; c != nil && result == nil; c = c.NextSibling {
				if r := selectFirst(c, chain[1:]); r != nil {
					result = r
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return result
}
