package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

const defaultElasticsearchURL = "http://localhost:9200"

// elasticsearchIndex stores vectors in an Elasticsearch dense_vector
// field and searches with the knn endpoint. The chunk id is the
// document _id. Mutations pass refresh=true so they are searchable
// immediately.
type elasticsearchIndex struct {
	mu     sync.RWMutex
	config Config
	call   *remoteCall
	base   string
	name   string
	count  int
	open   bool
	closed bool
}

func newElasticsearchIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	if cfg.Collection == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "elasticsearch requires a collection name")
	}
	if cfg.Metric == metric.Manhattan {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"elasticsearch does not support the manhattan metric")
	}
	base := strings.TrimSuffix(cfg.URL, "/")
	if base == "" {
		base = defaultElasticsearchURL
	}
	return &elasticsearchIndex{
		config: cfg,
		base:   base,
		// Index names must be lowercase.
		name: strings.ToLower(cfg.Collection),
	}, nil
}

func elasticsearchSimilarity(m metric.Metric) string {
	switch m {
	case metric.L2:
		return "l2_norm"
	case metric.Dot:
		return "dot_product"
	default:
		return "cosine"
	}
}

func (x *elasticsearchIndex) Initialize(ctx context.Context) error {
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
		headers["Authorization"] = "ApiKey " + apiKey
	}
	for k, v := range x.config.Headers {
		headers[k] = v
	}
	x.call = &remoteCall{
		backend: "elasticsearch",
		client:  newRemoteHTTPClient(),
		timeout: x.config.Timeout,
		headers: headers,
		breaker: mmerrors.NewBreaker("elasticsearch", 0, 0),
	}

	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"text":        map[string]any{"type": "text"},
				"document_id": map[string]any{"type": "keyword"},
				"metadata":    map[string]any{"type": "object"},
				"vector": map[string]any{
					"type":       "dense_vector",
					"dims":       x.config.Dimensions,
					"index":      true,
					"similarity": elasticsearchSimilarity(x.config.Metric),
				},
			},
		},
	}

	create := *x.call
	create.onStatus = func(status int, body string) error {
		if status == http.StatusBadRequest && strings.Contains(body, "resource_already_exists_exception") {
			return nil
		}
		return classifyRemoteStatus("elasticsearch", status, body)
	}
	if err := create.do(ctx, http.MethodPut, x.base+"/"+x.name, mapping, nil); err != nil {
		return err
	}

	x.open = true
	x.refreshCount(ctx)
	return nil
}

func (x *elasticsearchIndex) refreshCount(ctx context.Context) {
	var out struct {
		Count int `json:"count"`
	}
	if err := x.call.do(ctx, http.MethodGet, x.base+"/"+x.name+"/_count", nil, &out); err == nil {
		x.count = out.Count
	}
}

func (x *elasticsearchIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *elasticsearchIndex) AddBatch(ctx context.Context, vecs [][]float32, ids []string) error {
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
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for i := r[0]; i < r[1]; i++ {
			if err := enc.Encode(map[string]any{"index": map[string]any{"_id": ids[i]}}); err != nil {
				return fmt.Errorf("failed to marshal bulk action: %w", err)
			}
			if err := enc.Encode(map[string]any{"vector": vecs[i]}); err != nil {
				return fmt.Errorf("failed to marshal bulk document: %w", err)
			}
		}

		var out struct {
			Errors bool `json:"errors"`
			Items  []map[string]struct {
				Error *struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				} `json:"error"`
			} `json:"items"`
		}
		url := x.base + "/" + x.name + "/_bulk?refresh=true"
		if err := x.call.doRaw(ctx, http.MethodPost, url, "application/x-ndjson", buf.Bytes(), &out); err != nil {
			return err
		}
		if out.Errors {
			for _, item := range out.Items {
				for _, op := range item {
					if op.Error != nil {
						return mmerrors.Newf(mmerrors.KindTransport,
							"elasticsearch bulk item failed: %s: %s", op.Error.Type, op.Error.Reason)
					}
				}
			}
			return mmerrors.Newf(mmerrors.KindTransport, "elasticsearch bulk reported errors")
		}
	}

	x.refreshCount(ctx)
	return nil
}

func (x *elasticsearchIndex) Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	numCandidates := topK * 4
	if numCandidates < 100 {
		numCandidates = 100
	}
	if v, ok := x.config.Options["num_candidates"].(int); ok && v > 0 {
		numCandidates = v
	}

	body := map[string]any{
		"knn": map[string]any{
			"field":          "vector",
			"query_vector":   query,
			"k":              topK,
			"num_candidates": numCandidates,
		},
		"size":    topK,
		"_source": false,
	}

	var out struct {
		Hits struct {
			Hits []struct {
				ID    string  `json:"_id"`
				Score float32 `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := x.call.do(ctx, http.MethodPost, x.base+"/"+x.name+"/_search", body, &out); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(out.Hits.Hits))
	for _, hit := range out.Hits.Hits {
		score := elasticsearchScore(x.config.Metric, hit.Score)
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: hit.ID, Score: score})
	}
	return results, nil
}

// elasticsearchScore converts the server _score to the shared scale.
// The cosine _score (1+cos)/2 already matches; l2_norm 1/(1+d^2) and
// dot_product (1+dot)/2 are folded back to raw distances first.
func elasticsearchScore(m metric.Metric, score float32) float32 {
	switch m {
	case metric.L2:
		if score <= 0 {
			return 0
		}
		d := sqrt32(1/score - 1)
		return metric.Similarity(metric.L2, d)
	case metric.Dot:
		return metric.Similarity(metric.Dot, 1-2*score)
	default:
		if score < 0 {
			return 0
		}
		if score > 1 {
			return 1
		}
		return score
	}
}

func (x *elasticsearchIndex) Delete(ctx context.Context, id string) error {
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
		return classifyRemoteStatus("elasticsearch", status, body)
	}
	url := x.base + "/" + x.name + "/_doc/" + id + "?refresh=true"
	if err := del.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return err
	}
	x.refreshCount(ctx)
	return nil
}

// Save is a no-op: the data lives on the server.
func (x *elasticsearchIndex) Save(string) error { return nil }

// Load is a no-op: the data lives on the server.
func (x *elasticsearchIndex) Load(string) error { return nil }

func (x *elasticsearchIndex) Optimize(context.Context) error { return nil }

func (x *elasticsearchIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendElasticsearch),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.count,
		Trained:      true,
		Collection:   x.name,
	}
}

func (x *elasticsearchIndex) Close() error {
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

func (x *elasticsearchIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*elasticsearchIndex)(nil)
