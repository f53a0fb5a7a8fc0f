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

// ivfpqIndex layers the two approximations: a coarse quantiser prunes
// the search to nprobe inverted lists, and the vectors inside each
// list are scanned through their product-quantisation codes. Coarse
// centroids retrain once the count passes nlist, codebooks once it
// passes the pq threshold, both inside the same rebuild. Raw vectors
// stay resident for rebuild and retraining.
type ivfpqIndex struct {
	mu            sync.RWMutex
	config        Config
	rng           *rand.Rand
	centroids     [][]float32
	lists         [][]uint64
	codebooks     [][][]float32
	codes         [][]uint8
	rows          [][]float32
	mapping       *idMapping
	coarseTrained bool
	codesTrained  bool
	open          bool
	closed        bool
}

type ivfpqPayload struct {
	Centroids     [][]float32
	Lists         [][]uint64
	Codebooks     [][][]float32
	Codes         [][]uint8
	CoarseTrained bool
	CodesTrained  bool
}

func newIVFPQIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	if cfg.Dimensions%cfg.MSub != 0 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"ivfpq needs dimensions divisible by m_sub: %d %% %d != 0", cfg.Dimensions, cfg.MSub)
	}
	if cfg.Nbits < 1 || cfg.Nbits > 8 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"ivfpq nbits must be in [1,8], got %d", cfg.Nbits)
	}
	return &ivfpqIndex{
		config:  cfg,
		rng:     newTrainingRNG(),
		mapping: newIDMapping(),
	}, nil
}

func (x *ivfpqIndex) subDims() int  { return x.config.Dimensions / x.config.MSub }
func (x *ivfpqIndex) codebook() int { return 1 << x.config.Nbits }

func (x *ivfpqIndex) Initialize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}

	n := x.config.Nlist * 4
	if min := x.codebook() * 4; n < min {
		n = min
	}
	dummy := dummyVectors(n, x.config.Dimensions, x.rng)
	x.centroids = trainKMeans(dummy, x.config.Nlist, x.rng)
	x.lists = make([][]uint64, len(x.centroids))
	x.codebooks = trainProductCodebooks(dummy, x.config.MSub, x.codebook(), x.rng)
	x.open = true
	return nil
}

func (x *ivfpqIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *ivfpqIndex) AddBatch(_ context.Context, vecs [][]float32, ids []string) error {
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
		x.codes = append(x.codes, encodePQ(vec, x.codebooks, x.subDims()))
		cell, _ := nearestCentroid(vec, x.centroids)
		x.lists[cell] = append(x.lists[cell], key)
	}

	switch {
	case updated:
		// Stale cells and codes; renumber and re-place everything.
		x.rebuildLocked()
	case (!x.coarseTrained && x.mapping.Len() > x.config.Nlist) ||
		(!x.codesTrained && x.mapping.Len() > pqRetrainThreshold):
		x.rebuildLocked()
	}
	return nil
}

func (x *ivfpqIndex) Search(_ context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	nprobe := x.config.Nprobe
	if topK >= x.mapping.Len() {
		// Correctness over speed for small indexes.
		nprobe = len(x.centroids)
	}
	cells := nearestCentroids(query, x.centroids, nprobe)
	tables := pqDistanceTables(query, x.codebooks, x.subDims(), x.config.Metric)

	results := make([]Result, 0, topK)
	for _, cell := range cells {
		for _, key := range x.lists[cell] {
			id, ok := x.mapping.DocID(key)
			if !ok {
				continue
			}
			score := metric.Similarity(x.config.Metric, pqAccToDistance(scoreCode(x.codes[key], tables), x.config.Metric))
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

func (x *ivfpqIndex) Delete(_ context.Context, id string) error {
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

// rebuildLocked compacts to the live vectors, renumbers sequentially,
// retrains whichever quantiser has crossed its threshold, then
// re-encodes and re-places every vector.
func (x *ivfpqIndex) rebuildLocked() {
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
		if !x.coarseTrained {
			slog.Debug("ivfpq_coarse_retrained_on_real_data",
				slog.Int("vectors", len(x.rows)),
				slog.Int("nlist", x.config.Nlist))
		}
		x.coarseTrained = true
	}
	if len(x.rows) > pqRetrainThreshold {
		x.codebooks = trainProductCodebooks(x.rows, x.config.MSub, x.codebook(), x.rng)
		if !x.codesTrained {
			slog.Debug("ivfpq_codebooks_retrained_on_real_data",
				slog.Int("vectors", len(x.rows)),
				slog.Int("m_sub", x.config.MSub))
		}
		x.codesTrained = true
	}

	x.lists = make([][]uint64, len(x.centroids))
	x.codes = make([][]uint8, len(x.rows))
	for key, vec := range x.rows {
		x.codes[key] = encodePQ(vec, x.codebooks, x.subDims())
		cell, _ := nearestCentroid(vec, x.centroids)
		x.lists[cell] = append(x.lists[cell], uint64(key))
	}
}

func (x *ivfpqIndex) Save(dir string) error {
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
	payload := ivfpqPayload{
		Centroids:     x.centroids,
		Lists:         x.lists,
		Codebooks:     x.codebooks,
		Codes:         x.codes,
		CoarseTrained: x.coarseTrained,
		CodesTrained:  x.codesTrained,
	}
	if err := saveGob(dir, "ivfpq", payload); err != nil {
		return err
	}
	if err := x.mapping.saveMappings(dir, "ivfpq"); err != nil {
		return err
	}
	return saveConfigJSON(dir, "ivfpq", x.config)
}

func (x *ivfpqIndex) Load(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}

	if cfg, ok, err := loadConfigJSON(dir, "ivfpq"); err != nil {
		return err
	} else if ok {
		x.config = cfg.withDefaults()
	}

	var payload ivfpqPayload
	if err := loadGob(dir, "ivfpq", &payload); err != nil {
		return err
	}
	if err := x.mapping.loadMappings(dir, "ivfpq"); err != nil {
		return err
	}
	rows, err := loadVectors(dir, x.config.Dimensions)
	if err != nil {
		return err
	}

	x.centroids = payload.Centroids
	x.lists = payload.Lists
	x.codebooks = payload.Codebooks
	x.codes = payload.Codes
	x.coarseTrained = payload.CoarseTrained
	x.codesTrained = payload.CodesTrained
	x.rows = rows
	x.open = true
	return nil
}

func (x *ivfpqIndex) Optimize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	x.rebuildLocked()
	return nil
}

func (x *ivfpqIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendIVFPQ),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.mapping.Len(),
		Deleted:      len(x.rows) - x.mapping.Len(),
		Capacity:     len(x.rows),
		Trained:      x.coarseTrained && x.codesTrained,
	}
}

func (x *ivfpqIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.rows = nil
	x.codes = nil
	x.codebooks = nil
	x.centroids = nil
	x.lists = nil
	return nil
}

func (x *ivfpqIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*ivfpqIndex)(nil)
