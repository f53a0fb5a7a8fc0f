package index

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

const defaultQdrantPort = 6334

// qdrantIndex stores vectors in a Qdrant collection over gRPC. Point
// ids are UUIDs derived from the chunk id; the original id travels in
// the payload so results map back without a second lookup.
type qdrantIndex struct {
	mu     sync.RWMutex
	config Config
	client *qdrant.Client
	count  int
	open   bool
	closed bool
}

func newQdrantIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	if cfg.Collection == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "qdrant requires a collection name")
	}
	return &qdrantIndex{config: cfg}, nil
}

// qdrantDistance maps the shared metric onto the server enum.
func qdrantDistance(m metric.Metric) qdrant.Distance {
	switch m {
	case metric.L2:
		return qdrant.Distance_Euclid
	case metric.Dot:
		return qdrant.Distance_Dot
	case metric.Manhattan:
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

// qdrantEndpoint splits the configured URL into host, port and TLS.
// Accepts "host", "host:port" and "scheme://host:port" forms.
func qdrantEndpoint(raw string) (string, int, bool, error) {
	if raw == "" {
		return "localhost", defaultQdrantPort, false, nil
	}
	useTLS := false
	hostport := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", 0, false, mmerrors.Newf(mmerrors.KindConfigInvalid, "invalid qdrant url %q: %v", raw, err)
		}
		useTLS = u.Scheme == "https"
		hostport = u.Host
	}
	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return "", 0, false, mmerrors.Newf(mmerrors.KindConfigInvalid, "invalid qdrant url %q: %v", raw, err)
	}
	port := defaultQdrantPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, mmerrors.Newf(mmerrors.KindConfigInvalid, "invalid qdrant port %q", portStr)
		}
	}
	return host, port, useTLS, nil
}

func splitHostPort(hostport string) (string, string, error) {
	if !strings.Contains(hostport, ":") {
		return hostport, "", nil
	}
	idx := strings.LastIndex(hostport, ":")
	host, port := hostport[:idx], hostport[idx+1:]
	if host == "" {
		return "", "", fmt.Errorf("missing host in %q", hostport)
	}
	return host, port, nil
}

// qdrantError maps SDK errors onto the shared kinds.
func qdrantError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "not found"):
		return mmerrors.Wrap(mmerrors.KindCollectionMissing, err)
	case strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "permission"):
		return mmerrors.Wrap(mmerrors.KindProviderAuth, err)
	case strings.Contains(msg, "deadline exceeded"):
		return mmerrors.Wrap(mmerrors.KindTimeout, err)
	default:
		return mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
}

func (x *qdrantIndex) Initialize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}

	host, port, useTLS, err := qdrantEndpoint(x.config.URL)
	if err != nil {
		return err
	}
	apiKey, err := apiKeyFromEnv(x.config, false)
	if err != nil {
		return err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return qdrantError(err)
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	exists, err := client.CollectionExists(cctx, x.config.Collection)
	if err != nil {
		_ = client.Close()
		return qdrantError(err)
	}
	if !exists {
		err = client.CreateCollection(cctx, &qdrant.CreateCollection{
			CollectionName: x.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(x.config.Dimensions),
				Distance: qdrantDistance(x.config.Metric),
			}),
		})
		// A concurrent creator winning the race is fine.
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			_ = client.Close()
			return qdrantError(err)
		}
	}

	x.client = client
	x.open = true
	x.refreshCount(cctx)
	return nil
}

// refreshCount updates the cached point count, keeping the last known
// value when the call fails.
func (x *qdrantIndex) refreshCount(ctx context.Context) {
	n, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: x.config.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err == nil {
		x.count = int(n)
	}
}

func (x *qdrantIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *qdrantIndex) AddBatch(ctx context.Context, vecs [][]float32, ids []string) error {
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
		points := make([]*qdrant.PointStruct, 0, r[1]-r[0])
		for i := r[0]; i < r[1]; i++ {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewID(remoteUUID(ids[i])),
				Vectors: qdrant.NewVectors(vecs[i]...),
				Payload: qdrant.NewValueMap(map[string]any{"chunk_id": ids[i]}),
			})
		}
		cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
		_, err := x.client.Upsert(cctx, &qdrant.UpsertPoints{
			CollectionName: x.config.Collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		cancel()
		if err != nil {
			return qdrantError(err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()
	x.refreshCount(cctx)
	return nil
}

func (x *qdrantIndex) Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	points, err := x.client.Query(cctx, &qdrant.QueryPoints{
		CollectionName: x.config.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, qdrantError(err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		id := ""
		if v, ok := p.Payload["chunk_id"]; ok {
			id = v.GetStringValue()
		}
		if id == "" {
			continue
		}
		score := metric.Similarity(x.config.Metric, qdrantRawDistance(x.config.Metric, p.Score))
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: id, Score: score})
	}
	return results, nil
}

// qdrantRawDistance converts the server score back to the raw distance
// of the metric. Cosine and dot scores come back as similarities,
// euclid and manhattan as distances.
func qdrantRawDistance(m metric.Metric, score float32) float32 {
	switch m {
	case metric.Cosine:
		return 1 - score
	case metric.Dot:
		return -score
	default:
		return score
	}
}

func (x *qdrantIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	_, err := x.client.Delete(cctx, &qdrant.DeletePoints{
		CollectionName: x.config.Collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(remoteUUID(id))),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return qdrantError(err)
	}
	x.refreshCount(cctx)
	return nil
}

// Save is a no-op: the data lives on the server.
func (x *qdrantIndex) Save(string) error { return nil }

// Load is a no-op: the data lives on the server.
func (x *qdrantIndex) Load(string) error { return nil }

func (x *qdrantIndex) Optimize(context.Context) error { return nil }

func (x *qdrantIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendQdrant),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.count,
		Trained:      true,
		Collection:   x.config.Collection,
	}
}

func (x *qdrantIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

func (x *qdrantIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*qdrantIndex)(nil)
