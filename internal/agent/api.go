package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// apiAgent pulls documents from a JSON HTTP API. Options:
//
//	method          request method, default GET
//	headers         extra request headers
//	params          query parameters merged into source_url
//	body            request body (string or JSON value) for non-GET calls
//	auth_type       bearer | basic | api_key
//	api_key_header  header carrying the api key, default X-API-Key
//	data_path       dotted path to the item list within the response
//	text_field      item field holding the document text
//	title_field     item field holding the title
//	id_field        item field holding a stable document id
//
// Credentials: token (bearer), username and password (basic), api_key.
// The metadata mapping is applied as item-field extraction: each
// source field is read out of the item by path and stored under the
// mapped metadata key.
type apiAgent struct {
	cfg        Config
	client     *http.Client
	method     string
	headers    map[string]string
	params     map[string]string
	body       []byte
	authType   string
	keyHeader  string
	dataPath   string
	textField  string
	titleField string
	idField    string
}

func newAPIAgent(cfg Config) (Agent, error) {
	u, err := url.Parse(cfg.SourceURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q source_url %q is not an absolute http(s) url", cfg.Name, cfg.SourceURL)
	}

	method := strings.ToUpper(stringOption(cfg.Options, "method", http.MethodGet))

	var body []byte
	if raw, ok := cfg.Options["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = []byte(v)
		default:
			body, err = json.Marshal(v)
			if err != nil {
				return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
					"agent %q body option does not marshal: %v", cfg.Name, err)
			}
		}
	}

	authType := strings.ToLower(stringOption(cfg.Options, "auth_type", ""))
	switch authType {
	case "":
	case "bearer":
		if cfg.Credential("token") == "" {
			return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
				"agent %q bearer auth needs a token credential", cfg.Name)
		}
	case "basic":
		if cfg.Credential("username") == "" {
			return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
				"agent %q basic auth needs a username credential", cfg.Name)
		}
	case "api_key":
		if cfg.Credential("api_key") == "" {
			return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
				"agent %q api_key auth needs an api_key credential", cfg.Name)
		}
	default:
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q has unknown auth_type %q (valid: bearer, basic, api_key)", cfg.Name, authType)
	}

	return &apiAgent{
		cfg:        cfg,
		client:     newFetchClient(),
		method:     method,
		headers:    stringMapOption(cfg.Options, "headers"),
		params:     stringMapOption(cfg.Options, "params"),
		body:       body,
		authType:   authType,
		keyHeader:  stringOption(cfg.Options, "api_key_header", "X-API-Key"),
		dataPath:   stringOption(cfg.Options, "data_path", ""),
		textField:  stringOption(cfg.Options, "text_field", ""),
		titleField: stringOption(cfg.Options, "title_field", ""),
		idField:    stringOption(cfg.Options, "id_field", ""),
	}, nil
}

func (a *apiAgent) Type() string { return TypeAPI }

func (a *apiAgent) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *apiAgent) Fetch(ctx context.Context) (*Result, error) {
	req, err := a.buildRequest()
	if err != nil {
		return nil, err
	}

	body, _, err := fetchBody(ctx, a.client, req, a.cfg.FetchTimeout(), "api")
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, mmerrors.Newf(mmerrors.KindTransient,
			"api %s returned a response that is not valid json", a.cfg.SourceURL)
	}

	root := gjson.ParseBytes(body)
	if a.dataPath != "" {
		root = root.Get(a.dataPath)
		if !root.Exists() {
			return nil, mmerrors.Newf(mmerrors.KindTransient,
				"api response has nothing at data_path %q", a.dataPath)
		}
	}

	items := []gjson.Result{root}
	if root.IsArray() {
		items = root.Array()
	}

	maxItems := a.cfg.EffectiveMaxItems()
	var docs []*document.Document

	for i, item := range items {
		if len(docs) >= maxItems {
			break
		}

		text := item.Raw
		if a.textField != "" {
			text = item.Get(a.textField).String()
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		md := document.Metadata{
			"source_type": TypeAPI,
			"endpoint":    a.cfg.SourceURL,
		}
		if a.titleField != "" {
			if title := item.Get(a.titleField).String(); title != "" {
				md["title"] = title
			}
		}
		for from, to := range a.cfg.MetadataMapping {
			if to == "" {
				continue
			}
			if v := item.Get(from); v.Exists() {
				md[to] = v.Value()
			}
		}

		id := ""
		if a.idField != "" {
			id = item.Get(a.idField).String()
		}
		if id == "" {
			id = fmt.Sprintf("%s#%d", a.cfg.SourceURL, i)
		}

		doc := document.New(id, text, md)
		doc.Touch(time.Now())
		docs = append(docs, doc)
	}

	slog.Debug("api_fetched",
		slog.String("agent", a.cfg.Name),
		slog.Int("items", len(items)),
		slog.Int("documents", len(docs)))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"endpoint": a.cfg.SourceURL,
			"items":    len(items),
		},
	}, nil
}

func (a *apiAgent) buildRequest() (*http.Request, error) {
	u, err := url.Parse(a.cfg.SourceURL)
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindConfigInvalid, err)
	}
	if len(a.params) > 0 {
		q := u.Query()
		for k, v := range a.params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var reader *bytes.Reader
	if len(a.body) > 0 && a.method != http.MethodGet {
		reader = bytes.NewReader(a.body)
	}

	var req *http.Request
	if reader != nil {
		req, err = http.NewRequest(a.method, u.String(), reader)
	} else {
		req, err = http.NewRequest(a.method, u.String(), nil)
	}
	if err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindConfigInvalid, err)
	}

	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	switch a.authType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.cfg.Credential("token"))
	case "basic":
		req.SetBasicAuth(a.cfg.Credential("username"), a.cfg.Credential("password"))
	case "api_key":
		req.Header.Set(a.keyHeader, a.cfg.Credential("api_key"))
	}
	return req, nil
}
