package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

const defaultWeaviateURL = "http://localhost:8080"

// weaviateIndex stores vectors as Weaviate objects with external
// vectors (vectorizer none). Object ids are UUIDs derived from the
// chunk id; the raw id lives in the chunk_id property and comes back
// through GraphQL.
type weaviateIndex struct {
	mu     sync.RWMutex
	config Config
	call   *remoteCall
	base   string
	class  string
	count  int
	open   bool
	closed bool
}

func newWeaviateIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	class, err := weaviateClassName(cfg.Collection)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultWeaviateURL
	}
	return &weaviateIndex{config: cfg, base: base, class: class}, nil
}

// weaviateClassName normalises the collection into a valid class name:
// alphanumeric, first letter uppercase.
func weaviateClassName(collection string) (string, error) {
	if collection == "" {
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid, "weaviate requires a collection name")
	}
	var b strings.Builder
	for _, r := range collection {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" || !unicode.IsLetter(rune(cleaned[0])) {
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid,
			"weaviate collection %q does not reduce to a valid class name", collection)
	}
	return strings.ToUpper(cleaned[:1]) + cleaned[1:], nil
}

func weaviateDistance(m metric.Metric) string {
	switch m {
	case metric.L2:
		return "l2-squared"
	case metric.Dot:
		return "dot"
	case metric.Manhattan:
		return "manhattan"
	default:
		return "cosine"
	}
}

func (x *weaviateIndex) Initialize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}

	apiKey, err := apiKeyFromEnv(x.config, false)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	for k, v := range x.config.Headers {
		headers[k] = v
	}
	x.call = &remoteCall{
		backend: "weaviate",
		client:  newRemoteHTTPClient(),
		timeout: x.config.Timeout,
		headers: headers,
		breaker: mmerrors.NewBreaker("weaviate", 0, 0),
	}

	schema := map[string]any{
		"class":      x.class,
		"vectorizer": "none",
		"vectorIndexConfig": map[string]any{
			"distance": weaviateDistance(x.config.Metric),
		},
		"properties": []map[string]any{
			{"name": "chunk_id", "dataType": []string{"text"}},
			{"name": "text", "dataType": []string{"text"}},
			{"name": "document_id", "dataType": []string{"text"}},
			{"name": "metadata_json", "dataType": []string{"text"}},
		},
	}

	create := *x.call
	create.onStatus = func(status int, body string) error {
		if (status == http.StatusUnprocessableEntity || status == http.StatusBadRequest) &&
			strings.Contains(body, "already exists") {
			return nil
		}
		return classifyRemoteStatus("weaviate", status, body)
	}
	if err := create.do(ctx, http.MethodPost, x.base+"/v1/schema", schema, nil); err != nil {
		return err
	}

	x.open = true
	x.refreshCount(ctx)
	return nil
}

// graphql runs one query and decodes the data block.
func (x *weaviateIndex) graphql(ctx context.Context, query string, data any) error {
	var out struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	body := map[string]string{"query": query}
	if err := x.call.do(ctx, http.MethodPost, x.base+"/v1/graphql", body, &out); err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		return mmerrors.Newf(mmerrors.KindTransport, "weaviate graphql: %s", out.Errors[0].Message)
	}
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(out.Data, data); err != nil {
		return mmerrors.Wrap(mmerrors.KindTransport, err)
	}
	return nil
}

func (x *weaviateIndex) refreshCount(ctx context.Context) {
	query := fmt.Sprintf(`{ Aggregate { %s { meta { count } } } }`, x.class)
	var data struct {
		Aggregate map[string][]struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"Aggregate"`
	}
	if err := x.graphql(ctx, query, &data); err != nil {
		return
	}
	if rows := data.Aggregate[x.class]; len(rows) > 0 {
		x.count = rows[0].Meta.Count
	}
}

func (x *weaviateIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *weaviateIndex) AddBatch(ctx context.Context, vecs [][]float32, ids []string) error {
	if err := checkBatch(x.config, vecs, ids); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	for _, r := range batchRanges(len(ids), x.config.BatchSize) {
		objects := make([]map[string]any, 0, r[1]-r[0])
		for i := r[0]; i < r[1]; i++ {
			objects = append(objects, map[string]any{
				"class":  x.class,
				"id":     remoteUUID(ids[i]),
				"vector": vecs[i],
				"properties": map[string]any{
					"chunk_id": ids[i],
				},
			})
		}

		var out []struct {
			Result struct {
				Errors *struct {
					Error []struct {
						Message string `json:"message"`
					} `json:"error"`
				} `json:"errors"`
			} `json:"result"`
		}
		body := map[string]any{"objects": objects}
		if err := x.call.do(ctx, http.MethodPost, x.base+"/v1/batch/objects", body, &out); err != nil {
			return err
		}
		for _, item := range out {
			if item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				return mmerrors.Newf(mmerrors.KindTransport,
					"weaviate batch item failed: %s", item.Result.Errors.Error[0].Message)
			}
		}
	}

	x.refreshCount(ctx)
	return nil
}

func (x *weaviateIndex) Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
	if len(query) != x.config.Dimensions {
		return nil, mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"query has %d dimensions, index expects %d", len(query), x.config.Dimensions)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	vecJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query vector: %w", err)
	}
	gql := fmt.Sprintf(
		`{ Get { %s(limit: %d, nearVector: {vector: %s}) { chunk_id _additional { distance } } } }`,
		x.class, topK, vecJSON)

	var data struct {
		Get map[string][]struct {
			ChunkID    string `json:"chunk_id"`
			Additional struct {
				Distance float32 `json:"distance"`
			} `json:"_additional"`
		} `json:"Get"`
	}
	if err := x.graphql(ctx, gql, &data); err != nil {
		return nil, err
	}

	rows := data.Get[x.class]
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		if row.ChunkID == "" {
			continue
		}
		d := row.Additional.Distance
		if x.config.Metric == metric.L2 {
			// The server reports squared euclidean distance.
			d = sqrt32(d)
		}
		score := metric.Similarity(x.config.Metric, d)
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: row.ChunkID, Score: score})
	}
	return results, nil
}

func (x *weaviateIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	del := *x.call
	del.onStatus = func(status int, body string) error {
		if status == http.StatusNotFound {
			return nil
		}
		return classifyRemoteStatus("weaviate", status, body)
	}
	url := x.base + "/v1/objects/" + x.class + "/" + remoteUUID(id)
	if err := del.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return err
	}
	x.refreshCount(ctx)
	return nil
}

// Save is a no-op: the data lives on the server.
func (x *weaviateIndex) Save(string) error { return nil }

// Load is a no-op: the data lives on the server.
func (x *weaviateIndex) Load(string) error { return nil }

func (x *weaviateIndex) Optimize(context.Context) error { return nil }

func (x *weaviateIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendWeaviate),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.count,
		Trained:      true,
		Collection:   x.class,
	}
}

func (x *weaviateIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	if x.call != nil {
		x.call.client.CloseIdleConnections()
	}
	return nil
}

func (x *weaviateIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*weaviateIndex)(nil)
