package agent

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// startPOP3 runs a minimal POP3 server for the test's lifetime and
// returns its host:port. Any username is accepted; the password must
// match.
func startPOP3(t *testing.T, password string, messages []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go servePOP3(conn, password, messages)
		}
	}()
	return ln.Addr().String()
}

func servePOP3(conn net.Conn, password string, messages []string) {
	defer func() { _ = conn.Close() }()
	tc := textproto.NewConn(conn)
	_ = tc.PrintfLine("+OK ready")

	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.Fields(line)
		if len(cmd) == 0 {
			continue
		}
		switch strings.ToUpper(cmd[0]) {
		case "USER":
			_ = tc.PrintfLine("+OK send PASS")
		case "PASS":
			if len(cmd) < 2 || cmd[1] != password {
				_ = tc.PrintfLine("-ERR wrong password")
				continue
			}
			_ = tc.PrintfLine("+OK logged in")
		case "STAT":
			size := 0
			for _, m := range messages {
				size += len(m)
			}
			_ = tc.PrintfLine("+OK %d %d", len(messages), size)
		case "RETR":
			n, err := strconv.Atoi(cmd[len(cmd)-1])
			if err != nil || n < 1 || n > len(messages) {
				_ = tc.PrintfLine("-ERR no such message")
				continue
			}
			_ = tc.PrintfLine("+OK message follows")
			dw := tc.DotWriter()
			_, _ = dw.Write([]byte(messages[n-1]))
			_ = dw.Close()
		case "QUIT":
			_ = tc.PrintfLine("+OK bye")
			return
		default:
			_ = tc.PrintfLine("-ERR unknown command")
		}
	}
}

const plainMail = "From: Ana Dev <ana@dev.example>\r\n" +
	"To: team@dev.example\r\n" +
	"Subject: Weekly sync notes\r\n" +
	"Date: Tue, 09 Jun 2026 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"We shipped the indexer.\r\n"

const multipartMail = "From: bot@ci.example\r\n" +
	"Subject: =?utf-8?q?Build_finished?=\r\n" +
	"Date: Wed, 10 Jun 2026 09:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Build =E2=9C=93 green.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>Build <b>green</b>.</p>\r\n" +
	"--b1--\r\n"

func newMailAgent(t *testing.T, cfg Config) Agent {
	t.Helper()
	cfg.AgentType = TypeEmail
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]string{"username": "reader", "password": "pw"}
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// --- TS01: POP3 messages become documents ---

func TestEmailAgent_POP3(t *testing.T) {
	addr := startPOP3(t, "pw", []string{plainMail, multipartMail})
	a := newMailAgent(t, Config{Name: "inbox", SourceURL: "pop3://" + addr})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 2)

	first := res.Documents[0]
	assert.Equal(t, addr+"#1", first.ID)
	assert.Equal(t, "Weekly sync notes\n\nWe shipped the indexer.", first.Text)
	assert.Equal(t, TypeEmail, first.Metadata["source_type"])
	assert.Equal(t, "Weekly sync notes", first.Metadata["subject"])
	assert.Equal(t, "Ana Dev <ana@dev.example>", first.Metadata["from"])
	assert.Equal(t, "2026-06-09T10:00:00Z", first.Metadata["date"])
	assert.Equal(t, "INBOX", first.Metadata["mailbox"])

	// The multipart message decodes its encoded subject and prefers
	// the plain part over the html alternative
	second := res.Documents[1]
	assert.Equal(t, "Build finished\n\nBuild ✓ green.", second.Text)
}

// --- TS02: a rejected password is a source auth error ---

func TestEmailAgent_POP3BadPassword(t *testing.T) {
	addr := startPOP3(t, "right", nil)
	a := newMailAgent(t, Config{
		Name:        "inbox",
		SourceURL:   "pop3://" + addr,
		Credentials: map[string]string{"username": "reader", "password": "wrong"},
	})

	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindSourceAuth), "got %v", err)
}

// --- TS03: last_run filters by the Date header ---

func TestEmailAgent_POP3SkipsOld(t *testing.T) {
	addr := startPOP3(t, "pw", []string{plainMail, multipartMail})
	a := newMailAgent(t, Config{
		Name:      "inbox",
		SourceURL: "pop3://" + addr,
		LastRun:   time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
	})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Contains(t, res.Documents[0].Text, "Build")
	assert.Equal(t, 1, res.Metadata["skipped_old"])
}

// --- TS04: the item cap takes the newest messages ---

func TestEmailAgent_POP3MaxItems(t *testing.T) {
	msg := func(subject string) string {
		return "From: x@y.example\r\nSubject: " + subject + "\r\n" +
			"Date: Tue, 09 Jun 2026 10:00:00 +0000\r\nContent-Type: text/plain\r\n\r\nbody\r\n"
	}
	addr := startPOP3(t, "pw", []string{msg("oldest"), msg("middle"), msg("newest")})
	a := newMailAgent(t, Config{Name: "inbox", SourceURL: "pop3://" + addr, MaxItems: 2})

	res, err := a.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Documents, 2)
	assert.Equal(t, addr+"#2", res.Documents[0].ID)
	assert.Equal(t, "middle", res.Documents[0].Metadata["subject"])
	assert.Equal(t, "newest", res.Documents[1].Metadata["subject"])
}

// --- TS05: construction rules ---

func TestEmailAgent_ConfigErrors(t *testing.T) {
	// Unknown scheme
	_, err := New(Config{
		AgentType:   TypeEmail,
		Name:        "m",
		SourceURL:   "ftp://mail.example",
		Credentials: map[string]string{"username": "u", "password": "p"},
	})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))

	// Missing credentials
	_, err = New(Config{AgentType: TypeEmail, Name: "m", SourceURL: "imaps://imap.example"})
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindConfigInvalid))

	// IMAP construction does not dial
	a, err := New(Config{
		AgentType:   TypeEmail,
		Name:        "m",
		SourceURL:   "imaps://imap.example",
		Credentials: map[string]string{"username": "u", "password": "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeEmail, a.Type())
}

func TestEmailAgent_IMAPUnreachable(t *testing.T) {
	a := newMailAgent(t, Config{Name: "m", SourceURL: "imap://127.0.0.1:1"})

	_, err := a.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, mmerrors.IsKind(err, mmerrors.KindRemoteUnavailable), "got %v", err)
}

// --- TS06: message parsing ---

func TestParseMail(t *testing.T) {
	// Quoted-printable multipart prefers the plain part
	pm := parseMail([]byte(multipartMail))
	assert.Equal(t, "Build finished", pm.subject)
	assert.Equal(t, "Build ✓ green.", pm.body)
	assert.Equal(t, time.Date(2026, 6, 10, 9, 30, 0, 0, time.UTC), pm.date.UTC())

	// Base64 bodies decode
	b64 := "Subject: Enc\r\nContent-Type: text/plain\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\nSGVsbG8gd29ybGQ=\r\n"
	pm = parseMail([]byte(b64))
	assert.Equal(t, "Hello world", pm.body)

	// An html-only message falls back to stripped html
	htmlOnly := "Subject: H\r\nContent-Type: text/html\r\n\r\n<p>Only <b>markup</b> here.</p>\r\n"
	pm = parseMail([]byte(htmlOnly))
	assert.Equal(t, "Only markup here.", pm.body)

	// Unparseable input keeps its raw text
	pm = parseMail([]byte("just some text"))
	assert.Equal(t, "just some text", pm.body)
	assert.Empty(t, pm.subject)
}
