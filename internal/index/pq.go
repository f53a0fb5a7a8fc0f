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

// pqIndex compresses vectors with product quantisation: the vector is
// split into m_sub sub-vectors, each encoded as the id of its nearest
// codebook centroid. Queries score against the codes through per-query
// distance tables. Codebooks train on synthetic data at initialize and
// retrain on the real vectors once the stored count passes the
// threshold; raw vectors are kept beside the codes because rebuild
// and retraining need them.
type pqIndex struct {
	mu          sync.RWMutex
	config      Config
	rng         *rand.Rand
	codebooks   [][][]float32
	codes       [][]uint8
	rows        [][]float32
	mapping     *idMapping
	trainedReal bool
	open        bool
	closed      bool
}

type pqPayload struct {
	Codebooks   [][][]float32
	Codes       [][]uint8
	TrainedReal bool
}

func newPQIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	if cfg.Dimensions%cfg.MSub != 0 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"pq needs dimensions divisible by m_sub: %d %% %d != 0", cfg.Dimensions, cfg.MSub)
	}
	if cfg.Nbits < 1 || cfg.Nbits > 8 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"pq nbits must be in [1,8], got %d", cfg.Nbits)
	}
	return &pqIndex{
		config:  cfg,
		rng:     newTrainingRNG(),
		mapping: newIDMapping(),
	}, nil
}

func (x *pqIndex) subDims() int  { return x.config.Dimensions / x.config.MSub }
func (x *pqIndex) codebook() int { return 1 << x.config.Nbits }

func (x *pqIndex) Initialize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}
	x.codebooks = trainProductCodebooks(
		dummyVectors(x.codebook()*4, x.config.Dimensions, x.rng),
		x.config.MSub, x.codebook(), x.rng)
	x.open = true
	return nil
}

func (x *pqIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *pqIndex) AddBatch(_ context.Context, vecs [][]float32, ids []string) error {
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

		x.mapping.Assign(id)
		x.rows = append(x.rows, vec)
		x.codes = append(x.codes, encodePQ(vec, x.codebooks, x.subDims()))
	}

	switch {
	case updated:
		x.rebuildLocked()
	case !x.trainedReal && x.mapping.Len() > pqRetrainThreshold:
		x.rebuildLocked()
	}
	return nil
}

func (x *pqIndex) Search(_ context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	tables := pqDistanceTables(query, x.codebooks, x.subDims(), x.config.Metric)

	results := make([]Result, 0, topK)
	for key, code := range x.codes {
		id, ok := x.mapping.DocID(uint64(key))
		if !ok {
			continue
		}
		score := metric.Similarity(x.config.Metric, pqAccToDistance(scoreCode(code, tables), x.config.Metric))
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

func (x *pqIndex) Delete(_ context.Context, id string) error {
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
// retrains codebooks once past the threshold, and re-encodes.
func (x *pqIndex) rebuildLocked() {
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

	if len(x.rows) > pqRetrainThreshold {
		x.codebooks = trainProductCodebooks(x.rows, x.config.MSub, x.codebook(), x.rng)
		if !x.trainedReal {
			slog.Debug("pq_retrained_on_real_data",
				slog.Int("vectors", len(x.rows)),
				slog.Int("m_sub", x.config.MSub))
		}
		x.trainedReal = true
	}

	x.codes = make([][]uint8, len(x.rows))
	for key, vec := range x.rows {
		x.codes[key] = encodePQ(vec, x.codebooks, x.subDims())
	}
}

func (x *pqIndex) Save(dir string) error {
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
	payload := pqPayload{Codebooks: x.codebooks, Codes: x.codes, TrainedReal: x.trainedReal}
	if err := saveGob(dir, "pq", payload); err != nil {
		return err
	}
	if err := x.mapping.saveMappings(dir, "pq"); err != nil {
		return err
	}
	return saveConfigJSON(dir, "pq", x.config)
}

func (x *pqIndex) Load(dir string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}

	if cfg, ok, err := loadConfigJSON(dir, "pq"); err != nil {
		return err
	} else if ok {
		x.config = cfg.withDefaults()
	}

	var payload pqPayload
	if err := loadGob(dir, "pq", &payload); err != nil {
		return err
	}
	if err := x.mapping.loadMappings(dir, "pq"); err != nil {
		return err
	}
	rows, err := loadVectors(dir, x.config.Dimensions)
	if err != nil {
		return err
	}

	x.codebooks = payload.Codebooks
	x.codes = payload.Codes
	x.trainedReal = payload.TrainedReal
	x.rows = rows
	x.open = true
	return nil
}

func (x *pqIndex) Optimize(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	x.rebuildLocked()
	return nil
}

func (x *pqIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendPQ),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.mapping.Len(),
		Deleted:      len(x.rows) - x.mapping.Len(),
		Capacity:     len(x.rows),
		Trained:      x.trainedReal,
	}
}

func (x *pqIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.rows = nil
	x.codes = nil
	x.codebooks = nil
	return nil
}

func (x *pqIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*pqIndex)(nil)
