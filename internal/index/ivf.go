package index

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

// ivfIndex partitions vectors into nlist coarse cells and probes the
// nprobe nearest cells per query. The index trains on synthetic data
// at initialize so it is usable immediately, then retrains on the real
// vectors the first time the stored count exceeds nlist. Updates and
// deletes trigger a full rebuild because posting lists cannot be
// mutated in place.
type ivfIndex struct {
	mu          sync.RWMutex
	config      Config
	rng         *rand.Rand
	centroids   [][]float32
	lists       [][]uint64
	rows        [][]float32
	mapping     *idMapping
	trainedReal bool
	open        bool
	closed      bool
}

type ivfPayload struct {
	Centroids   [][]float32
	Lists       [][]uint64
	TrainedReal bool
}

func newIVFIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	return &ivfIndex{
		config:  cfg,
		rng:     newTrainingRNG(),
		mapping: newIDMapping(),
	}, nil
}

func (x *ivfIndex) Initialize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}
	x.centroids = trainKMeans(
		dummyVectors(x.config.Nlist*4, x.config.Dimensions, x.rng),
		x.config.Nlist, x.rng)
	x.lists = make([][]uint64, len(x.centroids))
	x.open = true
	return nil
}

func (x *ivfIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *ivfIndex) AddBatch(_ context.Context, vecs [][]float32, ids []string) error {
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

	updated := false
	for i, id := range ids {
		vec := make([]float32, len(vecs[i]))
		copy(vec, vecs[i])

		if key, ok := x.mapping.Lookup(id); ok {
			x.rows[key] = vec
			updated = true
			continue
		}

		key := x.mapping.Assign(id)
		x.rows = append(x.rows, vec)
		c, _ := nearestCentroid(vec, x.centroids)
		x.lists[c] = append(x.lists[c], key)
	}

	switch {
	case updated:
		// In-place updates leave posting lists pointing at stale
		// cells; rebuild restores the partition.
		x.rebuildLocked()
	case !x.trainedReal && x.mapping.Len() > x.config.Nlist:
		x.rebuildLocked()
	}
	return nil
}

func (x *ivfIndex) Search(_ context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	// A probe that cannot cover topK live vectors degrades to a full
	// scan; correctness over speed for small indexes.
	nprobe := x.config.Nprobe
	if topK >= x.mapping.Len() {
		nprobe = len(x.centroids)
	}

	results := make([]Result, 0, topK)
	for _, c := range nearestCentroids(query, x.centroids, nprobe) {
		for _, key := range x.lists[c] {
			id, ok := x.mapping.DocID(key)
			if !ok {
				continue
			}
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

func (x *ivfIndex) Delete(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	if _, ok := x.mapping.Orphan(id); ok {
		x.rebuildLocked()
	}
	return nil
}

// rebuildLocked compacts storage to the live vectors, renumbers keys
// sequentially, retrains centroids once enough real data exists, and
// reassigns every vector to its cell.
func (x *ivfIndex) rebuildLocked() {
	ids := x.mapping.IDs()
	liveRows := make([][]float32, 0, len(ids))
	oldMapping := x.mapping

	fresh := newIDMapping()
	for _, id := range ids {
		key, _ := oldMapping.Lookup(id)
		fresh.Assign(id)
		liveRows = append(liveRows, x.rows[key])
	}
	x.rows = liveRows
	x.mapping = fresh

	if len(x.rows) > x.config.Nlist {
		x.centroids = trainKMeans(x.rows, x.config.Nlist, x.rng)
		if !x.trainedReal {
			slog.Debug("ivf_retrained_on_real_data",
				slog.Int("vectors", len(x.rows)),
				slog.Int("nlist", x.config.Nlist))
		}
		x.trainedReal = true
	}

	x.lists = make([][]uint64, len(x.centroids))
	for key, vec := range x.rows {
		c, _ := nearestCentroid(vec, x.centroids)
		x.lists[c] = append(x.lists[c], uint64(key))
	}
}

func (x *ivfIndex) Save(dir string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.ready(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	if err := saveVectors(dir, x.rows, x.config.Dimensions); err != nil {
		return err
	}
	payload := ivfPayload{Centroids: x.centroids, Lists: x.lists, TrainedReal: x.trainedReal}
	if err := saveGob(dir, "ivf", payload); err != nil {
		return err
	}
	if err := x.mapping.saveMappings(dir, "ivf"); err != nil {
		return err
	}
	return saveConfigJSON(dir, "ivf", x.config)
}

func (x *ivfIndex) Load(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}

	if cfg, ok, err := loadConfigJSON(dir, "ivf"); err != nil {
		return err
	} else if ok {
		x.config = cfg.withDefaults()
	}

	var payload ivfPayload
	if err := loadGob(dir, "ivf", &payload); err != nil {
		return err
	}
	if err := x.mapping.loadMappings(dir, "ivf"); err != nil {
		return err
	}
	rows, err := loadVectors(dir, x.config.Dimensions)
	if err != nil {
		return err
	}

	x.centroids = payload.Centroids
	x.lists = payload.Lists
	x.trainedReal = payload.TrainedReal
	x.rows = rows
	x.open = true
	return nil
}

// Optimize forces a rebuild, compacting and retraining.
func (x *ivfIndex) Optimize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	x.rebuildLocked()
	return nil
}

func (x *ivfIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendIVF),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.mapping.Len(),
		Deleted:      len(x.rows) - x.mapping.Len(),
		Capacity:     len(x.rows),
		Trained:      x.trainedReal,
	}
}

func (x *ivfIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.rows = nil
	x.lists = nil
	x.centroids = nil
	return nil
}

func (x *ivfIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*ivfIndex)(nil)
