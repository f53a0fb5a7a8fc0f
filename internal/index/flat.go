package index

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

// flatIndex is the exhaustive-scan backend. Every query touches every
// live vector, which makes it exact and the reference the ANN backends
// are tested against. Deleted slots go to the free list and are reused
// by later inserts.
type flatIndex struct {
	mu      sync.RWMutex
	config  Config
	rows    [][]float32
	mapping *idMapping
	open    bool
	closed  bool
}

// flatHeader is the <type>_index.bin payload; load validates it
// against the vector matrix.
type flatHeader struct {
	Rows int
	Dims int
}

func newFlatIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	return &flatIndex{
		config:  cfg,
		mapping: newIDMapping(),
	}, nil
}

func (x *flatIndex) Initialize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	x.open = true
	return nil
}

func (x *flatIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *flatIndex) AddBatch(_ context.Context, vecs [][]float32, ids []string) error {
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
		vec := make([]float32, len(vecs[i]))
		copy(vec, vecs[i])

		if key, ok := x.mapping.Lookup(id); ok {
			// Duplicate id updates the existing slot in place.
			x.rows[key] = vec
			continue
		}
		x.setRow(x.mapping.Assign(id), vec)
	}
	return nil
}

// setRow places vec at the slot for key, growing the matrix as needed.
func (x *flatIndex) setRow(key uint64, vec []float32) {
	for uint64(len(x.rows)) <= key {
		x.rows = append(x.rows, nil)
	}
	x.rows[key] = vec
}

func (x *flatIndex) Search(_ context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return nil, err
	}
	if len(query) != x.config.Dimensions {
		return nil, mmerrors.Newf(mmerrors.KindDimensionMismatch,
			"query has %d dimensions, index expects %d", len(query), x.config.Dimensions)
	}
	if topK <= 0 || x.mapping.Len() == 0 {
		return []Result{}, nil
	}

	results := make([]Result, 0, x.mapping.Len())
	for id, key := range x.mapping.toKey {
		d, err := metric.Distance(x.config.Metric, query, x.rows[key])
		if err != nil {
			return nil, err
		}
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

func (x *flatIndex) Delete(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	if key, ok := x.mapping.Release(id); ok {
		x.rows[key] = nil
	}
	return nil
}

func (x *flatIndex) Save(dir string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	// Freed slots persist as zero rows so keys stay stable.
	rows := make([][]float32, len(x.rows))
	for i, row := range x.rows {
		if row == nil {
			rows[i] = make([]float32, x.config.Dimensions)
			continue
		}
		rows[i] = row
	}
	if err := saveVectors(dir, rows, x.config.Dimensions); err != nil {
		return err
	}
	if err := saveGob(dir, "flat", flatHeader{Rows: len(rows), Dims: x.config.Dimensions}); err != nil {
		return err
	}
	if err := x.mapping.saveMappings(dir, "flat"); err != nil {
		return err
	}
	return saveConfigJSON(dir, "flat", x.config)
}

func (x *flatIndex) Load(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}

	if cfg, ok, err := loadConfigJSON(dir, "flat"); err != nil {
		return err
	} else if ok {
		x.config = cfg.withDefaults()
	}

	var header flatHeader
	if err := loadGob(dir, "flat", &header); err != nil {
		return err
	}
	if err := x.mapping.loadMappings(dir, "flat"); err != nil {
		return err
	}
	rows, err := loadVectors(dir, x.config.Dimensions)
	if err != nil {
		return err
	}
	if len(rows) != header.Rows {
		return mmerrors.Newf(mmerrors.KindIndexCorrupt,
			"vector matrix holds %d rows, index file recorded %d", len(rows), header.Rows)
	}

	x.rows = rows
	x.open = true
	return nil
}

// Optimize compacts freed slots out of the matrix and renumbers the
// mapping sequentially.
func (x *flatIndex) Optimize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	ids := x.mapping.IDs()
	rows := make([][]float32, 0, len(ids))
	oldRows := x.rows
	oldMapping := x.mapping

	fresh := newIDMapping()
	for _, id := range ids {
		key, _ := oldMapping.Lookup(id)
		fresh.Assign(id)
		rows = append(rows, oldRows[key])
	}
	x.rows = rows
	x.mapping = fresh
	return nil
}

func (x *flatIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendFlat),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.mapping.Len(),
		Deleted:      len(x.rows) - x.mapping.Len(),
		Capacity:     len(x.rows),
		Trained:      true,
	}
}

func (x *flatIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.rows = nil
	return nil
}

func (x *flatIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*flatIndex)(nil)
