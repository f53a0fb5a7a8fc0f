package index

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

// hnswIndex wraps the pure Go coder/hnsw graph. Deletes are lazy: the
// node stays in the graph, only the id mapping goes, and searches
// overfetch by the orphan count so topK live results still come back.
type hnswIndex struct {
	mu       sync.RWMutex
	config   Config
	graph    *hnsw.Graph[uint64]
	mapping  *idMapping
	capacity int
	closed   bool
}

func newHNSWIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	return &hnswIndex{
		config:   cfg,
		mapping:  newIDMapping(),
		capacity: cfg.MaxElements,
	}, nil
}

// Initialize builds the graph. Idempotent.
func (x *hnswIndex) Initialize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.graph != nil {
		return nil
	}
	x.graph = x.newGraph()
	return nil
}

func (x *hnswIndex) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = x.config.M
	g.EfSearch = x.config.EfSearch
	g.Ml = 0.25
	g.Distance = graphDistance(x.config.Metric)
	return g
}

// graphDistance maps the configured metric onto a graph distance
// function. Cosine and l2 use the library kernels; dot and manhattan
// are supplied so that smaller always means closer.
func graphDistance(m metric.Metric) func(a, b hnsw.Vector) float32 {
	switch m {
	case metric.L2:
		return hnsw.EuclideanDistance
	case metric.Dot:
		return func(a, b hnsw.Vector) float32 {
			var sum float64
			for i := range a {
				sum += float64(a[i]) * float64(b[i])
			}
			return float32(-sum)
		}
	case metric.Manhattan:
		return func(a, b hnsw.Vector) float32 {
			var sum float64
			for i := range a {
				d := float64(a[i]) - float64(b[i])
				if d < 0 {
					d = -d
				}
				sum += d
			}
			return float32(sum)
		}
	default:
		return hnsw.CosineDistance
	}
}

func (x *hnswIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *hnswIndex) AddBatch(_ context.Context, vecs [][]float32, ids []string) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vecs))
	}
	if len(ids) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	for _, v := range vecs {
		if len(v) != x.config.Dimensions {
			return mmerrors.Newf(mmerrors.KindDimensionMismatch,
				"vector has %d dimensions, index expects %d", len(v), x.config.Dimensions)
		}
	}

	for i, id := range ids {
		// Updating in place: orphan the old node, the graph cannot
		// remove it safely, and bind the id to a fresh key.
		x.mapping.Orphan(id)

		key := x.mapping.Assign(id)
		vec := make([]float32, len(vecs[i]))
		copy(vec, vecs[i])
		x.graph.Add(hnsw.MakeNode(key, vec))
	}

	x.growCapacity(x.graph.Len())
	return nil
}

// growCapacity applies the max(2x, 1.5x required) growth rule.
func (x *hnswIndex) growCapacity(required int) {
	if required <= x.capacity {
		return
	}
	doubled := x.capacity * 2
	scaled := required + required/2
	if doubled > scaled {
		x.capacity = doubled
	} else {
		x.capacity = scaled
	}
}

func (x *hnswIndex) Search(_ context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return nil, err
	}
	if len(query) != x.config.Dimensions {
		return nil, mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"query has %d dimensions, index expects %d", len(query), x.config.Dimensions)
	}
	if topK <= 0 || x.graph.Len() == 0 || x.mapping.Len() == 0 {
		return []Result{}, nil
	}

	// Orphaned nodes still come back from the graph; fetch enough
	// extra that filtering them cannot starve the result set.
	orphans := x.graph.Len() - x.mapping.Len()
	fetchK := topK + orphans
	if fetchK > x.graph.Len() {
		fetchK = x.graph.Len()
	}

	nodes := x.graph.Search(query, fetchK)

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		id, ok := x.mapping.DocID(node.Key)
		if !ok {
			continue
		}
		d := x.graph.Distance(query, node.Value)
		score := metric.Similarity(x.config.Metric, d)
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: id, Score: score})
	}

	sort.SliceStable(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].ID < results[b].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (x *hnswIndex) Delete(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	x.mapping.Orphan(id)
	return nil
}

// Save writes hnsw_index.bin, hnsw_mappings.json and hnsw_config.json
// under dir, each atomically.
func (x *hnswIndex) Save(dir string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	path := filepath.Join(dir, "hnsw_index.bin")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := x.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}

	if err := x.mapping.saveMappings(dir, "hnsw"); err != nil {
		return err
	}
	return saveConfigJSON(dir, "hnsw", x.config)
}

// Load restores the graph and mappings saved under dir.
func (x *hnswIndex) Load(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}

	if cfg, ok, err := loadConfigJSON(dir, "hnsw"); err != nil {
		return err
	} else if ok {
		x.config = cfg.withDefaults()
	}

	if err := x.mapping.loadMappings(dir, "hnsw"); err != nil {
		return err
	}

	path := filepath.Join(dir, "hnsw_index.bin")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mmerrors.Newf(mmerrors.KindNotFound, "index file not found at %s", path)
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	g := x.newGraph()
	// Import needs an io.ByteReader.
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return mmerrors.Wrap(mmerrors.KindIndexCorrupt,
			fmt.Errorf("import graph %s: %w", path, err))
	}
	x.graph = g
	x.growCapacity(g.Len())
	return nil
}

// Optimize reports orphan fill. Graph compaction happens through the
// store facade's rebuild, which replays live vectors from the chunk
// store into a fresh index.
func (x *hnswIndex) Optimize(_ context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return err
	}
	orphans := x.graph.Len() - x.mapping.Len()
	if orphans > 0 {
		slog.Debug("hnsw_orphans_pending_rebuild",
			slog.Int("orphans", orphans),
			slog.Int("live", x.mapping.Len()))
	}
	return nil
}

func (x *hnswIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed || x.graph == nil {
		return Stats{Backend: string(BackendHNSW), Metric: string(x.config.Metric)}
	}
	return Stats{
		Backend:      string(BackendHNSW),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.mapping.Len(),
		Deleted:      x.graph.Len() - x.mapping.Len(),
		Capacity:     x.capacity,
		Trained:      true,
	}
}

func (x *hnswIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.graph = nil
	return nil
}

func (x *hnswIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.graph == nil {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*hnswIndex)(nil)
