// Package agent implements the ingestion source agents: each agent type
// knows how to pull documents out of one kind of source (web pages, RSS
// feeds, HTTP APIs, filesystems, SQL databases, mailboxes, or a custom
// handler) and turn them into documents ready for chunking and indexing.
//
// Agents are built per run from their stored configuration, honour the
// configured item cap, and fetch incrementally from the last successful
// run where the source supports it.
package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Agent type names accepted in Config.AgentType.
const (
	TypeWeb        = "web"
	TypeRSS        = "rss"
	TypeAPI        = "api"
	TypeFilesystem = "filesystem"
	TypeDatabase   = "database"
	TypeEmail      = "email"
	TypeCustom     = "custom"
)

const (
	// DefaultMaxItems caps a single run when the config leaves
	// max_items unset.
	DefaultMaxItems = 100

	// DefaultFetchTimeout bounds one outbound call when the config
	// carries no timeout option.
	DefaultFetchTimeout = 30 * time.Second

	// maxFetchBytes caps how much of a single remote payload is read.
	maxFetchBytes = 10 << 20
)

// Config is the stored description of one source agent. Only the
// ingestion manager mutates it; agents read it for a single run.
type Config struct {
	AgentID         string            `json:"agent_id"`
	AgentType       string            `json:"agent_type"`
	Name            string            `json:"name"`
	SourceURL       string            `json:"source_url"`
	Credentials     map[string]string `json:"credentials,omitempty"`
	Schedule        string            `json:"schedule"`
	Filters         map[string]any    `json:"filters,omitempty"`
	Options         map[string]any    `json:"options,omitempty"`
	MetadataMapping map[string]string `json:"metadata_mapping,omitempty"`
	Enabled         bool              `json:"enabled"`
	MaxItems        int               `json:"max_items,omitempty"`
	LastRun         time.Time         `json:"last_run,omitempty"`
	ErrorCount      int               `json:"error_count,omitempty"`
}

// Validate checks the fields every agent type needs. Type-specific
// options are checked by the agent constructors.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AgentType) == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid, "agent type is required")
	}
	if c.AgentType != TypeCustom && strings.TrimSpace(c.SourceURL) == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q needs a source_url", c.Name)
	}
	if c.MaxItems < 0 {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q has negative max_items %d", c.Name, c.MaxItems)
	}
	return nil
}

// EffectiveMaxItems returns the per-run item cap.
func (c Config) EffectiveMaxItems() int {
	if c.MaxItems > 0 {
		return c.MaxItems
	}
	return DefaultMaxItems
}

// FetchTimeout returns the per-call timeout from the timeout option,
// accepting a Go duration string or a number of seconds.
func (c Config) FetchTimeout() time.Duration {
	return durationOption(c.Options, "timeout", DefaultFetchTimeout)
}

// Credential returns a named credential, empty when absent.
func (c Config) Credential(key string) string {
	return c.Credentials[key]
}

// applyMetadataMapping renames metadata keys per the configured
// source-field to metadata-key mapping. Source fields the document
// does not carry are ignored.
func (c Config) applyMetadataMapping(md document.Metadata) {
	for from, to := range c.MetadataMapping {
		if from == to || to == "" {
			continue
		}
		if v, ok := md[from]; ok {
			md[to] = v
			delete(md, from)
		}
	}
}

// Result is one agent run's yield: the documents plus free-form run
// metadata (pages visited, feed title, rows read, and the like).
type Result struct {
	Documents []*document.Document
	Metadata  document.Metadata
}

// Agent fetches documents from one configured source.
type Agent interface {
	// Type returns the agent type name.
	Type() string

	// Fetch pulls documents from the source. Incremental sources skip
	// items at or before the config's last run time.
	Fetch(ctx context.Context) (*Result, error)

	// Close releases any held connections.
	Close() error
}

// Factory builds an agent from its config.
type Factory func(cfg Config) (Agent, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register installs a factory for an agent type. Registering an
// existing name replaces the previous factory.
func Register(agentType string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[agentType] = f
}

func init() {
	Register(TypeWeb, newWebAgent)
	Register(TypeRSS, newRSSAgent)
	Register(TypeAPI, newAPIAgent)
	Register(TypeFilesystem, newFilesystemAgent)
	Register(TypeDatabase, newDatabaseAgent)
	Register(TypeEmail, newEmailAgent)
	Register(TypeCustom, newCustomAgent)
}

// New builds the agent for the config's type.
func New(cfg Config) (Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factoriesMu.RLock()
	f, ok := factories[cfg.AgentType]
	factoriesMu.RUnlock()

	if !ok {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown agent type %q (valid: %s)", cfg.AgentType, strings.Join(Types(), ", "))
	}
	return f(cfg)
}

// Types returns the registered agent type names, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ------------------------------------------------------------------
// Option helpers. Options arrive from JSON config files, so numbers
// may be float64 and lists may be []any.
// ------------------------------------------------------------------

func stringOption(opts map[string]any, key, def string) string {
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolOption(opts map[string]any, key string, def bool) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// durationOption reads a duration given as a Go duration string or as
// a number of seconds.
func durationOption(opts map[string]any, key string, def time.Duration) time.Duration {
	switch v := opts[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return def
}

// stringListOption reads a list of strings given as a JSON array or a
// comma-separated string.
func stringListOption(opts map[string]any, key string) []string {
	var out []string
	switch v := opts[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func stringMapOption(opts map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch v := opts[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, item := range v {
			switch s := item.(type) {
			case string:
				out[k] = s
			default:
				out[k] = fmt.Sprint(item)
			}
		}
	}
	return out
}

// ------------------------------------------------------------------
// Shared HTTP plumbing for the web, rss and api agents.
// ------------------------------------------------------------------

// newFetchClient builds the HTTP client the remote agents share the
// shape of. No client-level timeout: per-request contexts carry the
// configured timeout so a caller cancel is honoured immediately.
func newFetchClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// classifyFetch maps a non-2xx source response onto the agent error
// kinds.
func classifyFetch(source string, status int, msg string) error {
	msg = strings.TrimSpace(msg)
	if len(msg) > 200 {
		msg = msg[:200]
	}

	var kind mmerrors.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = mmerrors.KindSourceAuth
	case status == http.StatusTooManyRequests:
		kind = mmerrors.KindRateLimited
	case status >= 500:
		kind = mmerrors.KindRemoteUnavailable
	default:
		kind = mmerrors.KindTransient
	}
	return mmerrors.Newf(kind, "%s request failed with status %d: %s", source, status, msg).
		WithDetail("source", source).
		WithDetail("status", strconv.Itoa(status))
}

// fetchBody performs one HTTP exchange under the given timeout and
// returns the response body and content type. Failures come back on
// the agent error kinds.
func fetchBody(parent context.Context, client *http.Client, req *http.Request, timeout time.Duration, source string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if parent.Err() != nil {
			return nil, "", mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		if ctx.Err() != nil {
			return nil, "", mmerrors.Newf(mmerrors.KindTimeout,
				"%s request timed out after %s", source, timeout)
		}
		return nil, "", mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", classifyFetch(source, resp.StatusCode, string(msg))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		if parent.Err() != nil {
			return nil, "", mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		return nil, "", mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
