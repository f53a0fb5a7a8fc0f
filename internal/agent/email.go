package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// emailAgent pulls messages from a mailbox over IMAP or POP3 and emits
// one document per message, subject first, then the plain-text body.
// The source URL scheme picks the protocol: imap://, imaps://, pop3://
// or pop3s://. Credentials carry "username" and "password"; the
// "mailbox" option (IMAP only) defaults to INBOX.
type emailAgent struct {
	cfg      Config
	scheme   string
	addr     string
	mailbox  string
	username string
	password string
}

func newEmailAgent(cfg Config) (Agent, error) {
	u, err := url.Parse(cfg.SourceURL)
	if err != nil || u.Host == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q source %q is not a mail URL", cfg.Name, cfg.SourceURL)
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "imap":
		defaultPort = "143"
	case "imaps":
		defaultPort = "993"
	case "pop3":
		defaultPort = "110"
	case "pop3s":
		defaultPort = "995"
	default:
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unsupported mail scheme %q (want imap, imaps, pop3 or pop3s)", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	username := cfg.Credential("username")
	password := cfg.Credential("password")
	if u.User != nil {
		if username == "" {
			username = u.User.Username()
		}
		if pw, ok := u.User.Password(); ok && password == "" {
			password = pw
		}
	}
	if username == "" || password == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q needs username and password credentials", cfg.Name)
	}

	return &emailAgent{
		cfg:      cfg,
		scheme:   scheme,
		addr:     addr,
		mailbox:  stringOption(cfg.Options, "mailbox", "INBOX"),
		username: username,
		password: password,
	}, nil
}

func (a *emailAgent) Type() string { return TypeEmail }

func (a *emailAgent) Close() error { return nil }

func (a *emailAgent) Fetch(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindCancelled, err)
	}
	if a.scheme == "pop3" || a.scheme == "pop3s" {
		return a.fetchPOP3(ctx)
	}
	return a.fetchIMAP(ctx)
}

func (a *emailAgent) fetchIMAP(ctx context.Context) (*Result, error) {
	var (
		c   *imapclient.Client
		err error
	)
	if a.scheme == "imaps" {
		c, err = imapclient.DialTLS(a.addr, nil)
	} else {
		c, err = imapclient.Dial(a.addr)
	}
	if err != nil {
		return nil, mmerrors.Newf(mmerrors.KindRemoteUnavailable,
			"cannot reach %s: %v", a.addr, err)
	}
	defer func() { _ = c.Logout() }()
	c.Timeout = a.cfg.FetchTimeout()

	if err := c.Login(a.username, a.password); err != nil {
		return nil, mmerrors.Newf(mmerrors.KindSourceAuth,
			"%s rejected login for %s: %v", a.addr, a.username, err)
	}
	mbox, err := c.Select(a.mailbox, true)
	if err != nil {
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"cannot select mailbox %q: %v", a.mailbox, err)
	}
	if mbox.Messages == 0 {
		return &Result{Metadata: document.Metadata{"mailbox": a.mailbox, "messages": 0}}, nil
	}

	maxItems := a.cfg.EffectiveMaxItems()
	seqset := new(imap.SeqSet)
	if a.cfg.LastRun.IsZero() {
		from := uint32(1)
		if mbox.Messages > uint32(maxItems) {
			from = mbox.Messages - uint32(maxItems) + 1
		}
		seqset.AddRange(from, mbox.Messages)
	} else {
		// SINCE filters by day on the server, so a same-day rerun can
		// return already-seen messages. The store upserts by id, which
		// absorbs those.
		criteria := imap.NewSearchCriteria()
		criteria.Since = a.cfg.LastRun
		ids, err := c.Search(criteria)
		if err != nil {
			return nil, mmerrors.Newf(mmerrors.KindTransient,
				"mailbox search failed: %v", err)
		}
		if len(ids) == 0 {
			return &Result{Metadata: document.Metadata{"mailbox": a.mailbox, "messages": 0}}, nil
		}
		if len(ids) > maxItems {
			ids = ids[len(ids)-maxItems:]
		}
		seqset.AddNum(ids...)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() { done <- c.Fetch(seqset, items, messages) }()

	var docs []*document.Document
	for msg := range messages {
		if doc := a.imapDocument(msg, section); doc != nil {
			docs = append(docs, doc)
		}
	}
	if err := <-done; err != nil {
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"message fetch failed: %v", err)
	}

	slog.Debug("mail_fetched",
		slog.String("agent", a.cfg.Name),
		slog.String("protocol", a.scheme),
		slog.Int("documents", len(docs)))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"mailbox":  a.mailbox,
			"messages": len(docs),
		},
	}, nil
}

func (a *emailAgent) imapDocument(msg *imap.Message, section *imap.BodySectionName) *document.Document {
	var raw []byte
	if lit := msg.GetBody(section); lit != nil {
		if b, err := io.ReadAll(io.LimitReader(lit, maxFetchBytes)); err == nil {
			raw = b
		}
	}

	var pm parsedMail
	if len(raw) > 0 {
		pm = parseMail(raw)
	}
	if msg.Envelope != nil {
		dec := &mime.WordDecoder{}
		if pm.subject == "" {
			pm.subject = decodeMailHeader(dec, msg.Envelope.Subject)
		}
		if pm.from == "" && len(msg.Envelope.From) > 0 {
			pm.from = formatIMAPAddress(msg.Envelope.From[0])
		}
		if pm.date.IsZero() {
			pm.date = msg.Envelope.Date
		}
	}

	host, _, _ := net.SplitHostPort(a.addr)
	return a.mailDocument(pm, fmt.Sprintf("%s/%s#%d", host, a.mailbox, msg.Uid))
}

func formatIMAPAddress(addr *imap.Address) string {
	email := addr.Address()
	if addr.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", addr.PersonalName, email)
	}
	return email
}

func (a *emailAgent) fetchPOP3(ctx context.Context) (*Result, error) {
	timeout := a.cfg.FetchTimeout()
	var (
		conn net.Conn
		err  error
	)
	if a.scheme == "pop3s" {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", a.addr, nil)
	} else {
		conn, err = net.DialTimeout("tcp", a.addr, timeout)
	}
	if err != nil {
		return nil, mmerrors.Newf(mmerrors.KindRemoteUnavailable,
			"cannot reach %s: %v", a.addr, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	tc := textproto.NewConn(conn)
	if _, err := pop3Expect(tc); err != nil {
		return nil, mmerrors.Newf(mmerrors.KindRemoteUnavailable,
			"%s did not greet: %v", a.addr, err)
	}
	if _, err := pop3Cmd(tc, "USER %s", a.username); err != nil {
		return nil, mmerrors.Newf(mmerrors.KindSourceAuth,
			"%s rejected user %s: %v", a.addr, a.username, err)
	}
	if _, err := pop3Cmd(tc, "PASS %s", a.password); err != nil {
		return nil, mmerrors.Newf(mmerrors.KindSourceAuth,
			"%s rejected the password for %s: %v", a.addr, a.username, err)
	}

	stat, err := pop3Cmd(tc, "STAT")
	if err != nil {
		return nil, mmerrors.Newf(mmerrors.KindTransient, "STAT failed: %v", err)
	}
	total := 0
	if fields := strings.Fields(stat); len(fields) > 0 {
		total, _ = strconv.Atoi(fields[0])
	}

	// POP3 has no server-side date filter, so walk the newest window
	// and drop anything at or before last_run by Date header.
	maxItems := a.cfg.EffectiveMaxItems()
	start := 1
	if total > maxItems {
		start = total - maxItems + 1
	}

	var docs []*document.Document
	skipped := 0
	for n := start; n <= total; n++ {
		if err := ctx.Err(); err != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, err)
		}
		if _, err := pop3Cmd(tc, "RETR %d", n); err != nil {
			slog.Warn("pop3_retr_failed",
				slog.String("agent", a.cfg.Name),
				slog.Int("message", n),
				slog.String("error", err.Error()))
			continue
		}
		dr := tc.DotReader()
		raw, err := io.ReadAll(io.LimitReader(dr, maxFetchBytes))
		if err != nil {
			return nil, mmerrors.Newf(mmerrors.KindTransient,
				"reading message %d failed: %v", n, err)
		}
		// Drain to the terminating dot so the next command lines up.
		_, _ = io.Copy(io.Discard, dr)

		pm := parseMail(raw)
		if !a.cfg.LastRun.IsZero() && !pm.date.IsZero() && !pm.date.After(a.cfg.LastRun) {
			skipped++
			continue
		}
		if doc := a.mailDocument(pm, fmt.Sprintf("%s#%d", a.addr, n)); doc != nil {
			docs = append(docs, doc)
		}
	}
	_, _ = pop3Cmd(tc, "QUIT")

	slog.Debug("mail_fetched",
		slog.String("agent", a.cfg.Name),
		slog.String("protocol", a.scheme),
		slog.Int("documents", len(docs)),
		slog.Int("skipped_old", skipped))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"mailbox":     a.mailbox,
			"messages":    len(docs),
			"skipped_old": skipped,
		},
	}, nil
}

func pop3Cmd(tc *textproto.Conn, format string, args ...any) (string, error) {
	if err := tc.PrintfLine(format, args...); err != nil {
		return "", err
	}
	return pop3Expect(tc)
}

func pop3Expect(tc *textproto.Conn) (string, error) {
	line, err := tc.ReadLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, "+OK") {
		return "", fmt.Errorf("server said %q", line)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
}

func (a *emailAgent) mailDocument(pm parsedMail, id string) *document.Document {
	text := pm.body
	switch {
	case pm.subject != "" && text != "":
		text = pm.subject + "\n\n" + text
	case pm.subject != "":
		text = pm.subject
	}
	if text == "" {
		return nil
	}

	md := document.Metadata{
		"source_type": TypeEmail,
		"mailbox":     a.mailbox,
	}
	if pm.subject != "" {
		md["subject"] = pm.subject
	}
	if pm.from != "" {
		md["from"] = pm.from
	}
	if !pm.date.IsZero() {
		md["date"] = pm.date.UTC().Format(time.RFC3339)
	}
	a.cfg.applyMetadataMapping(md)

	doc := document.New(id, text, md)
	doc.Touch(time.Now())
	return doc
}

type parsedMail struct {
	subject string
	from    string
	date    time.Time
	body    string
}

// parseMail reads headers and pulls the plain-text body out of the
// MIME structure. A message that does not parse keeps its raw bytes as
// the body rather than being dropped.
func parseMail(raw []byte) parsedMail {
	var pm parsedMail
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		pm.body = strings.TrimSpace(string(raw))
		return pm
	}

	dec := &mime.WordDecoder{}
	pm.subject = decodeMailHeader(dec, msg.Header.Get("Subject"))
	pm.from = decodeMailHeader(dec, msg.Header.Get("From"))
	if d, err := msg.Header.Date(); err == nil {
		pm.date = d
	}

	plain, html := mailText(msg.Header.Get("Content-Type"),
		msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0)
	pm.body = plain
	if pm.body == "" {
		pm.body = html
	}
	return pm
}

func decodeMailHeader(dec *mime.WordDecoder, raw string) string {
	if decoded, err := dec.DecodeHeader(raw); err == nil {
		return decoded
	}
	return raw
}

// mailText walks the MIME tree and returns the text/plain and
// text/html contents separately so the caller can prefer plain even
// when a multipart/alternative carries both.
func mailText(contentType, encoding string, r io.Reader, depth int) (string, string) {
	if depth > 8 {
		return "", ""
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return "", ""
		}
		mr := multipart.NewReader(r, boundary)
		var plains, htmls []string
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			p, h := mailText(part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"), part, depth+1)
			if p != "" {
				plains = append(plains, p)
			}
			if h != "" {
				htmls = append(htmls, h)
			}
		}
		return strings.Join(plains, "\n\n"), strings.Join(htmls, "\n\n")
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return "", ""
	}
	body, err := io.ReadAll(io.LimitReader(decodeTransfer(r, encoding), maxFetchBytes))
	if err != nil {
		return "", ""
	}
	text := strings.TrimSpace(string(body))
	if mediaType == "text/html" {
		return "", stripHTML(text)
	}
	return text, ""
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	}
	return r
}
