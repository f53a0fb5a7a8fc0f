package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

const (
	milvusIDMaxLen    = 256
	milvusTextMaxLen  = 65535
	milvusDocIDMaxLen = 512
	milvusMinSearchEf = 64
)

// milvusIndex stores vectors in a Milvus collection. The chunk id is
// the varchar primary key, so upserts update in place and results need
// no payload round trip.
type milvusIndex struct {
	mu     sync.RWMutex
	config Config
	client client.Client
	count  int
	open   bool
	closed bool
}

func newMilvusIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	if cfg.Collection == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "milvus requires a collection name")
	}
	if cfg.Metric == metric.Manhattan {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "milvus does not support the manhattan metric")
	}
	return &milvusIndex{config: cfg}, nil
}

func milvusMetricType(m metric.Metric) entity.MetricType {
	switch m {
	case metric.L2:
		return entity.L2
	case metric.Dot:
		return entity.IP
	default:
		return entity.COSINE
	}
}

func milvusError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "collection not") || strings.Contains(msg, "can't find collection"):
		return mmerrors.Wrap(mmerrors.KindCollectionMissing, err)
	case strings.Contains(msg, "auth") || strings.Contains(msg, "permission"):
		return mmerrors.Wrap(mmerrors.KindProviderAuth, err)
	case strings.Contains(msg, "deadline exceeded"):
		return mmerrors.Wrap(mmerrors.KindTimeout, err)
	default:
		return mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
}

func (x *milvusIndex) Initialize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}

	addr := x.config.URL
	if addr == "" {
		addr = "localhost:19530"
	}
	apiKey, err := apiKeyFromEnv(x.config, false)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	c, err := client.NewClient(cctx, client.Config{Address: addr, APIKey: apiKey})
	if err != nil {
		return milvusError(err)
	}

	has, err := c.HasCollection(cctx, x.config.Collection)
	if err != nil {
		_ = c.Close()
		return milvusError(err)
	}
	if !has {
		schema := entity.NewSchema().
			WithName(x.config.Collection).
			WithDescription("chunk vectors").
			WithField(entity.NewField().WithName("id").
				WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(milvusIDMaxLen)).
			WithField(entity.NewField().WithName("text").
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusTextMaxLen)).
			WithField(entity.NewField().WithName("document_id").
				WithDataType(entity.FieldTypeVarChar).WithMaxLength(milvusDocIDMaxLen)).
			WithField(entity.NewField().WithName("metadata").
				WithDataType(entity.FieldTypeJSON)).
			WithField(entity.NewField().WithName("vector").
				WithDataType(entity.FieldTypeFloatVector).WithDim(int64(x.config.Dimensions)))

		if err := c.CreateCollection(cctx, schema, entity.DefaultShardNumber); err != nil &&
			!strings.Contains(strings.ToLower(err.Error()), "already exist") {
			_ = c.Close()
			return milvusError(err)
		}
		idx, err := entity.NewIndexHNSW(milvusMetricType(x.config.Metric), x.config.M, x.config.EfConstruction)
		if err != nil {
			_ = c.Close()
			return milvusError(err)
		}
		if err := c.CreateIndex(cctx, x.config.Collection, "vector", idx, false); err != nil &&
			!strings.Contains(strings.ToLower(err.Error()), "already exist") {
			_ = c.Close()
			return milvusError(err)
		}
	}
	if err := c.LoadCollection(cctx, x.config.Collection, false); err != nil {
		_ = c.Close()
		return milvusError(err)
	}

	x.client = c
	x.open = true
	x.refreshCount(cctx)
	return nil
}

func (x *milvusIndex) refreshCount(ctx context.Context) {
	stats, err := x.client.GetCollectionStatistics(ctx, x.config.Collection)
	if err != nil {
		return
	}
	if n, err := strconv.Atoi(stats["row_count"]); err == nil {
		x.count = n
	}
}

func (x *milvusIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *milvusIndex) AddBatch(ctx context.Context, vecs [][]float32, ids []string) error {
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
		n := r[1] - r[0]
		batchIDs := make([]string, n)
		texts := make([]string, n)
		docIDs := make([]string, n)
		metas := make([][]byte, n)
		vectors := make([][]float32, n)
		for i := 0; i < n; i++ {
			batchIDs[i] = ids[r[0]+i]
			metas[i] = []byte("{}")
			vectors[i] = vecs[r[0]+i]
		}

		cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
		_, err := x.client.Upsert(cctx, x.config.Collection, "",
			entity.NewColumnVarChar("id", batchIDs),
			entity.NewColumnVarChar("text", texts),
			entity.NewColumnVarChar("document_id", docIDs),
			entity.NewColumnJSONBytes("metadata", metas),
			entity.NewColumnFloatVector("vector", x.config.Dimensions, vectors),
		)
		cancel()
		if err != nil {
			return milvusError(err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()
	x.refreshCount(cctx)
	return nil
}

func (x *milvusIndex) Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	ef := milvusMinSearchEf
	if topK*2 > ef {
		ef = topK * 2
	}
	sp, err := entity.NewIndexHNSWSearchParam(ef)
	if err != nil {
		return nil, milvusError(err)
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	searchResults, err := x.client.Search(cctx, x.config.Collection, nil, "",
		[]string{"id"}, []entity.Vector{entity.FloatVector(query)},
		"vector", milvusMetricType(x.config.Metric), topK, sp)
	if err != nil {
		return nil, milvusError(err)
	}

	results := make([]Result, 0, topK)
	for _, rs := range searchResults {
		for i := 0; i < rs.ResultCount; i++ {
			id, err := rs.IDs.GetAsString(i)
			if err != nil {
				continue
			}
			score := metric.Similarity(x.config.Metric, milvusRawDistance(x.config.Metric, rs.Scores[i]))
			if score < minScore {
				continue
			}
			results = append(results, Result{ID: id, Score: score})
		}
	}
	return results, nil
}

// milvusRawDistance converts a server score to the raw distance of the
// metric. COSINE returns similarity, L2 the squared distance, IP the
// inner product.
func milvusRawDistance(m metric.Metric, score float32) float32 {
	switch m {
	case metric.L2:
		return sqrt32(score)
	case metric.Dot:
		return -score
	default:
		return 1 - score
	}
}

func (x *milvusIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	expr := fmt.Sprintf(`id == "%s"`, strings.ReplaceAll(id, `"`, `\"`))
	if err := x.client.Delete(cctx, x.config.Collection, "", expr); err != nil {
		return milvusError(err)
	}
	x.refreshCount(cctx)
	return nil
}

// Save is a no-op: the data lives on the server.
func (x *milvusIndex) Save(string) error { return nil }

// Load is a no-op: the data lives on the server.
func (x *milvusIndex) Load(string) error { return nil }

// Optimize flushes growing segments so they seal and compact.
func (x *milvusIndex) Optimize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()
	if err := x.client.Flush(cctx, x.config.Collection, false); err != nil {
		return milvusError(err)
	}
	return nil
}

func (x *milvusIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendMilvus),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.count,
		Trained:      true,
		Collection:   x.config.Collection,
	}
}

func (x *milvusIndex) Close() error {
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

func (x *milvusIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*milvusIndex)(nil)
