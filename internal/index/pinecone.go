package index

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

const pineconeControlURL = "https://api.pinecone.io"

// pineconeIndex stores vectors in a Pinecone serverless index. The
// control plane creates the index and resolves the data-plane host;
// setting the config url skips the control plane and talks to that
// host directly.
type pineconeIndex struct {
	mu     sync.RWMutex
	config Config
	call   *remoteCall
	host   string
	count  int
	open   bool
	closed bool
}

func newPineconeIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	if cfg.Collection == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "pinecone requires a collection name")
	}
	if cfg.Metric == metric.Manhattan {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "pinecone does not support the manhattan metric")
	}
	if _, err := apiKeyFromEnv(cfg, true); err != nil {
		return nil, err
	}
	return &pineconeIndex{config: cfg}, nil
}

func pineconeMetric(m metric.Metric) string {
	switch m {
	case metric.L2:
		return "euclidean"
	case metric.Dot:
		return "dotproduct"
	default:
		return "cosine"
	}
}

func (x *pineconeIndex) controlBase() string {
	if v, ok := x.config.Options["control_url"].(string); ok && v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return pineconeControlURL
}

func (x *pineconeIndex) Initialize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}

	apiKey, err := apiKeyFromEnv(x.config, true)
	if err != nil {
		return err
	}
	headers := map[string]string{"Api-Key": apiKey}
	for k, v := range x.config.Headers {
		headers[k] = v
	}
	x.call = &remoteCall{
		backend: "pinecone",
		client:  newRemoteHTTPClient(),
		timeout: x.config.Timeout,
		headers: headers,
		breaker: mmerrors.NewBreaker("pinecone", 0, 0),
	}

	if x.config.URL != "" {
		x.host = strings.TrimSuffix(x.config.URL, "/")
	} else {
		if err := x.ensureIndex(ctx); err != nil {
			return err
		}
		host, err := x.describeHost(ctx)
		if err != nil {
			return err
		}
		x.host = host
	}
	if !strings.Contains(x.host, "://") {
		x.host = "https://" + x.host
	}

	x.open = true
	x.refreshCount(ctx)
	return nil
}

func (x *pineconeIndex) ensureIndex(ctx context.Context) error {
	cloud, _ := x.config.Options["cloud"].(string)
	if cloud == "" {
		cloud = "aws"
	}
	region, _ := x.config.Options["region"].(string)
	if region == "" {
		region = "us-east-1"
	}
	body := map[string]any{
		"name":      x.config.Collection,
		"dimension": x.config.Dimensions,
		"metric":    pineconeMetric(x.config.Metric),
		"spec": map[string]any{
			"serverless": map[string]any{
				"cloud":  cloud,
				"region": region,
			},
		},
	}

	create := *x.call
	create.onStatus = func(status int, respBody string) error {
		if status == http.StatusConflict {
			return nil
		}
		return classifyRemoteStatus("pinecone", status, respBody)
	}
	return create.do(ctx, http.MethodPost, x.controlBase()+"/indexes", body, nil)
}

func (x *pineconeIndex) describeHost(ctx context.Context) (string, error) {
	var out struct {
		Host string `json:"host"`
	}
	url := x.controlBase() + "/indexes/" + x.config.Collection
	if err := x.call.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return "", err
	}
	if out.Host == "" {
		return "", mmerrors.Newf(mmerrors.KindRemoteUnavailable,
			"pinecone index %s has no data-plane host yet", x.config.Collection)
	}
	return out.Host, nil
}

func (x *pineconeIndex) refreshCount(ctx context.Context) {
	var out struct {
		TotalVectorCount int `json:"totalVectorCount"`
	}
	if err := x.call.do(ctx, http.MethodPost, x.host+"/describe_index_stats",
		map[string]any{}, &out); err == nil {
		x.count = out.TotalVectorCount
	}
}

func (x *pineconeIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *pineconeIndex) AddBatch(ctx context.Context, vecs [][]float32, ids []string) error {
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
		vectors := make([]map[string]any, 0, r[1]-r[0])
		for i := r[0]; i < r[1]; i++ {
			vectors = append(vectors, map[string]any{
				"id":     ids[i],
				"values": vecs[i],
			})
		}
		body := map[string]any{"vectors": vectors}
		if err := x.call.do(ctx, http.MethodPost, x.host+"/vectors/upsert", body, nil); err != nil {
			return err
		}
	}

	x.refreshCount(ctx)
	return nil
}

func (x *pineconeIndex) Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	body := map[string]any{
		"vector": query,
		"topK":   topK,
	}
	var out struct {
		Matches []struct {
			ID    string  `json:"id"`
			Score float32 `json:"score"`
		} `json:"matches"`
	}
	if err := x.call.do(ctx, http.MethodPost, x.host+"/query", body, &out); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(out.Matches))
	for _, match := range out.Matches {
		score := metric.Similarity(x.config.Metric, pineconeRawDistance(x.config.Metric, match.Score))
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: match.ID, Score: score})
	}
	return results, nil
}

// pineconeRawDistance converts the server score back to the raw
// distance. Cosine and dotproduct scores are similarities, euclidean
// the squared distance.
func pineconeRawDistance(m metric.Metric, score float32) float32 {
	switch m {
	case metric.L2:
		if score < 0 {
			score = 0
		}
		return sqrt32(score)
	case metric.Dot:
		return -score
	default:
		return 1 - score
	}
}

func (x *pineconeIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	body := map[string]any{"ids": []string{id}}
	if err := x.call.do(ctx, http.MethodPost, x.host+"/vectors/delete", body, nil); err != nil {
		return err
	}
	x.refreshCount(ctx)
	return nil
}

// Save is a no-op: the data lives on the server.
func (x *pineconeIndex) Save(string) error { return nil }

// Load is a no-op: the data lives on the server.
func (x *pineconeIndex) Load(string) error { return nil }

func (x *pineconeIndex) Optimize(context.Context) error { return nil }

func (x *pineconeIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendPinecone),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.count,
		Trained:      true,
		Collection:   x.config.Collection,
	}
}

func (x *pineconeIndex) Close() error {
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

func (x *pineconeIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*pineconeIndex)(nil)
