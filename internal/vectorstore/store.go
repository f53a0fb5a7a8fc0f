package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/modularmind/modularmind/internal/document"
	"github.com/modularmind/modularmind/internal/embed"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/index"
	"github.com/modularmind/modularmind/internal/search"
)

// shard pairs one embedding model with its vector index. The mutex
// serialises writers against readers and protects the index pointer,
// which RebuildIndex swaps for a freshly built one.
type shard struct {
	modelID string
	dims    int

	mu  sync.RWMutex
	idx index.VectorIndex
}

// Store is the retrieval facade: one vector shard per embedding model,
// the shared chunk store, and the sparse keyword index. Writes go to
// every shard; reads pick one shard (routed or explicit) and join hits
// back through the chunk store.
//
// Shard writes are sequential per shard, not transactional across
// shards. A cross-shard batch observed mid-write can be present in one
// shard and absent from another until the batch returns.
type Store struct {
	cfg     Config
	service *embed.Service
	router  *embed.Router
	rerank  search.Reranker

	mu           sync.RWMutex
	shards       map[string]*shard
	defaultModel string
	closed       bool

	chunks *ChunkStore

	sparseMu sync.RWMutex
	sparse   search.SparseIndex

	lock *flock.Flock
}

// Option configures optional store collaborators.
type Option func(*Store)

// WithRouter routes searches that name no model through the model
// router instead of the default model.
func WithRouter(r *embed.Router) Option {
	return func(s *Store) { s.router = r }
}

// WithReranker supplies the reranker hybrid searches use when asked
// to rerank. The store closes it with the rest of its resources.
func WithReranker(r search.Reranker) Option {
	return func(s *Store) { s.rerank = r }
}

// New builds the store: acquires the storage lock, creates one shard
// per embedding model and initialises the sparse index. The storage
// path starts empty; call Load to restore persisted state.
func New(ctx context.Context, cfg Config, service *embed.Service, opts ...Option) (*Store, error) {
	if service == nil {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "vector store needs an embedding service")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		service: service,
		shards:  make(map[string]*shard),
		chunks:  NewChunkStore(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.StoragePath != "" {
		if err := os.MkdirAll(cfg.StoragePath, 0755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		s.lock = flock.New(filepath.Join(cfg.StoragePath, lockFileName))
		ok, err := s.lock.TryLock()
		if err != nil {
			_ = s.lock.Close()
			return nil, fmt.Errorf("acquire storage lock: %w", err)
		}
		if !ok {
			_ = s.lock.Close()
			return nil, mmerrors.Newf(mmerrors.KindAlreadyRunning,
				"storage path %s is locked by another process", cfg.StoragePath)
		}
	}

	models := append([]string(nil), cfg.EmbeddingModels...)
	if len(models) == 0 {
		for _, mc := range service.Models() {
			models = append(models, mc.ID)
		}
	}
	if len(models) == 0 {
		s.releaseLock()
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"no embedding models available to shard")
	}
	sort.Strings(models)

	s.defaultModel = cfg.DefaultEmbeddingModel
	if s.defaultModel == "" {
		s.defaultModel = service.DefaultModel()
	}
	if s.defaultModel == "" {
		s.defaultModel = models[0]
	}
	if !contains(models, s.defaultModel) {
		s.releaseLock()
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"default embedding model %q is not among the sharded models", s.defaultModel)
	}

	for _, m := range models {
		sh, err := s.newShard(ctx, m, len(models))
		if err != nil {
			s.closeShards()
			s.releaseLock()
			return nil, err
		}
		s.shards[m] = sh
	}

	var sparseBase string
	if cfg.StoragePath != "" {
		sparseBase = filepath.Join(cfg.StoragePath, "sparse")
	}
	sparse, err := search.NewSparseIndex(sparseBase, search.DefaultConfig(), cfg.SparseBackend)
	if err != nil {
		s.closeShards()
		s.releaseLock()
		return nil, err
	}
	s.sparse = sparse

	slog.Info("vector_store_opened",
		slog.String("index_type", cfg.IndexType),
		slog.String("metric", string(cfg.Metric)),
		slog.Int("shards", len(models)),
		slog.String("default_model", s.defaultModel))
	return s, nil
}

// newShard builds and initialises one model's index.
func (s *Store) newShard(ctx context.Context, modelID string, modelCount int) (*shard, error) {
	dims := s.cfg.Dimensions[modelID]
	if dims <= 0 {
		d, err := s.service.Dimensions(modelID)
		if err != nil {
			return nil, err
		}
		dims = d
	}
	if dims <= 0 {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"dimensions for embedding model %q are unknown; set them in the vector store config", modelID)
	}

	idx, err := index.New(s.cfg.shardIndexConfig(modelID, dims, modelCount))
	if err != nil {
		return nil, err
	}
	if err := idx.Initialize(ctx); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return &shard{modelID: modelID, dims: dims, idx: idx}, nil
}

// shardList snapshots the shards in model id order.
func (s *Store) shardList() ([]*shard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	out := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].modelID < out[j].modelID })
	return out, nil
}

// shardFor resolves the shard a query should search: the explicit
// model, the router's pick, or the default model.
func (s *Store) shardFor(explicit, text string) (*shard, error) {
	model := explicit
	if model == "" {
		if s.router != nil {
			model = s.router.SelectModel(text)
		}
		if model == "" {
			model = s.defaultModel
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	sh, ok := s.shards[model]
	if !ok {
		return nil, mmerrors.Newf(mmerrors.KindModelNotFound,
			"no shard for embedding model %q", model)
	}
	return sh, nil
}

// AddBatch stores chunks and indexes them in every shard and the
// sparse index. Embeddings missing for any shard model are computed
// through the embedding service first. Chunks are owned by the store
// afterwards.
func (s *Store) AddBatch(ctx context.Context, chunks []*document.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if c == nil || c.ID == "" {
			return mmerrors.Newf(mmerrors.KindConfigInvalid, "chunk with empty id in batch")
		}
	}
	shards, err := s.shardList()
	if err != nil {
		return err
	}

	for _, sh := range shards {
		if err := s.ensureEmbeddings(ctx, chunks, sh.modelID, sh.dims); err != nil {
			return err
		}
	}

	s.chunks.PutBatch(chunks)

	for _, sh := range shards {
		ids := make([]string, len(chunks))
		vecs := make([][]float32, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
			vecs[i] = c.Embeddings[sh.modelID]
		}
		sh.mu.Lock()
		err := sh.idx.AddBatch(ctx, vecs, ids)
		sh.mu.Unlock()
		if err != nil {
			slog.Error("shard_add_failed",
				slog.String("model", sh.modelID),
				slog.Int("chunks", len(chunks)),
				slog.String("error", err.Error()))
			return err
		}
	}

	docs := make([]*search.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = &search.Document{ID: c.ID, Text: c.Text}
	}
	s.sparseMu.Lock()
	err = s.sparse.Index(ctx, docs)
	s.sparseMu.Unlock()
	if err != nil {
		return err
	}

	slog.Debug("chunks_indexed",
		slog.Int("chunks", len(chunks)),
		slog.Int("shards", len(shards)))
	return nil
}

// ensureEmbeddings fills the gaps for one model across the batch and
// verifies vector widths against the shard.
func (s *Store) ensureEmbeddings(ctx context.Context, chunks []*document.Chunk, modelID string, dims int) error {
	var texts []string
	var missing []int
	for i, c := range chunks {
		if c.Embeddings == nil {
			c.Embeddings = make(map[string][]float32)
		}
		if vec, ok := c.Embeddings[modelID]; ok {
			if len(vec) != dims {
				return mmerrors.Newf(mmerrors.KindDimensionMismatch,
					"chunk %s carries a %d-dim vector for model %q, shard expects %d",
					c.ID, len(vec), modelID, dims).
					WithDetail("chunk_id", c.ID).
					WithDetail("model", modelID)
			}
			continue
		}
		texts = append(texts, c.Text)
		missing = append(missing, i)
	}
	if len(texts) == 0 {
		return nil
	}

	vecs, err := s.service.CreateBatchEmbeddings(ctx, texts, modelID)
	if err != nil {
		return err
	}
	for j, i := range missing {
		if len(vecs[j]) != dims {
			return mmerrors.Newf(mmerrors.KindDimensionMismatch,
				"model %q produced %d-dim vectors, shard expects %d", modelID, len(vecs[j]), dims)
		}
		chunks[i].Embeddings[modelID] = vecs[j]
	}
	return nil
}

// Delete removes one chunk from every shard, the sparse index and the
// chunk store. Per-shard failures do not stop the remaining removals;
// they are collected and returned as a composite. Leftover index
// entries are filtered at join time and compacted by RebuildIndex.
func (s *Store) Delete(ctx context.Context, chunkID string) error {
	shards, err := s.shardList()
	if err != nil {
		return err
	}
	if _, ok := s.chunks.Get(chunkID); !ok {
		return mmerrors.Newf(mmerrors.KindNotFound, "chunk %q is not in the store", chunkID)
	}

	var errs *multierror.Error
	for _, sh := range shards {
		sh.mu.Lock()
		err := sh.idx.Delete(ctx, chunkID)
		sh.mu.Unlock()
		if err != nil {
			slog.Warn("shard_delete_failed",
				slog.String("model", sh.modelID),
				slog.String("chunk", chunkID),
				slog.String("error", err.Error()))
			errs = multierror.Append(errs, err)
		}
	}

	s.sparseMu.Lock()
	if err := s.sparse.Delete(ctx, []string{chunkID}); err != nil {
		errs = multierror.Append(errs, err)
	}
	s.sparseMu.Unlock()

	s.chunks.Delete(chunkID)
	return errs.ErrorOrNil()
}

// DeleteDocument removes every chunk of a document. Documents are
// immutable after ingestion, so re-ingesting means deleting the old
// document first; agents rely on this call for that.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	shards, err := s.shardList()
	if err != nil {
		return err
	}
	chunks := s.chunks.ChunksByDocument(docID)
	if len(chunks) == 0 {
		return mmerrors.Newf(mmerrors.KindNotFound, "document %q has no chunks in the store", docID)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}

	var errs *multierror.Error
	for _, sh := range shards {
		sh.mu.Lock()
		for _, id := range ids {
			if err := sh.idx.Delete(ctx, id); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		sh.mu.Unlock()
	}

	s.sparseMu.Lock()
	if err := s.sparse.Delete(ctx, ids); err != nil {
		errs = multierror.Append(errs, err)
	}
	s.sparseMu.Unlock()

	s.chunks.DeleteDocument(docID)
	slog.Debug("document_deleted",
		slog.String("document", docID),
		slog.Int("chunks", len(ids)))
	return errs.ErrorOrNil()
}

// RebuildIndex rebuilds one model's shard, or every shard when modelID
// is empty, from the chunk store. Embeddings the chunks are missing
// are computed through the embedding service and written back. A model
// that has no shard yet gets one, which is how a model added after
// ingestion catches up.
//
// The replacement index is built off to the side; searches keep hitting
// the old one until the swap.
func (s *Store) RebuildIndex(ctx context.Context, modelID string) error {
	var targets []string
	if modelID != "" {
		targets = []string{modelID}
	} else {
		shards, err := s.shardList()
		if err != nil {
			return err
		}
		for _, sh := range shards {
			targets = append(targets, sh.modelID)
		}
	}

	for _, m := range targets {
		if err := s.rebuildShard(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rebuildShard(ctx context.Context, modelID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("vector store is closed")
	}
	existing := s.shards[modelID]
	modelCount := len(s.shards)
	s.mu.RUnlock()

	if existing == nil {
		if !s.service.HasModel(modelID) {
			return mmerrors.Newf(mmerrors.KindModelNotFound,
				"embedding model %q is not registered", modelID)
		}
		modelCount++
	}

	fresh, err := s.newShard(ctx, modelID, modelCount)
	if err != nil {
		return err
	}

	all := s.chunks.All()
	ids := make([]string, 0, len(all))
	vecs := make([][]float32, 0, len(all))
	var missingIDs []string
	var missingTexts []string
	for _, c := range all {
		if vec, ok := c.Embeddings[modelID]; ok && len(vec) == fresh.dims {
			ids = append(ids, c.ID)
			vecs = append(vecs, vec)
			continue
		}
		missingIDs = append(missingIDs, c.ID)
		missingTexts = append(missingTexts, c.Text)
	}

	if len(missingTexts) > 0 {
		got, err := s.service.CreateBatchEmbeddings(ctx, missingTexts, modelID)
		if err != nil {
			_ = fresh.idx.Close()
			return err
		}
		for i, id := range missingIDs {
			s.chunks.SetEmbedding(id, modelID, got[i])
			ids = append(ids, id)
			vecs = append(vecs, got[i])
		}
	}

	if len(ids) > 0 {
		if err := fresh.idx.AddBatch(ctx, vecs, ids); err != nil {
			_ = fresh.idx.Close()
			return err
		}
	}

	s.mu.Lock()
	if old := s.shards[modelID]; old != nil {
		old.mu.Lock()
		retired := old.idx
		old.idx = fresh.idx
		old.dims = fresh.dims
		old.mu.Unlock()
		s.mu.Unlock()
		_ = retired.Close()
	} else {
		s.shards[modelID] = fresh
		s.mu.Unlock()
	}

	slog.Info("shard_rebuilt",
		slog.String("model", modelID),
		slog.Int("vectors", len(ids)),
		slog.Int("embedded", len(missingIDs)))
	return nil
}

// shardDir returns a shard's artefact directory under the storage
// path.
func (s *Store) shardDir(modelID string) string {
	return filepath.Join(s.cfg.StoragePath, "shards", sanitizeModelID(modelID))
}

// Save persists the chunk store, every shard artefact and the sparse
// index under the storage path.
func (s *Store) Save() error {
	if s.cfg.StoragePath == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"vector store has no storage path configured")
	}
	shards, err := s.shardList()
	if err != nil {
		return err
	}

	if err := s.chunks.Save(filepath.Join(s.cfg.StoragePath, chunkFileName)); err != nil {
		return err
	}

	for _, sh := range shards {
		dir := s.shardDir(sh.modelID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create shard directory: %w", err)
		}
		sh.mu.RLock()
		err := sh.idx.Save(dir)
		sh.mu.RUnlock()
		if err != nil {
			return err
		}
	}

	s.sparseMu.RLock()
	err = s.sparse.Save(search.SparseIndexPath(s.cfg.StoragePath, s.cfg.SparseBackend))
	s.sparseMu.RUnlock()
	if err != nil {
		return err
	}

	slog.Info("vector_store_saved",
		slog.String("path", s.cfg.StoragePath),
		slog.Int("chunks", s.chunks.Count()),
		slog.Int("shards", len(shards)))
	return nil
}

// Load restores the chunk store, shard artefacts and sparse index from
// the storage path. Shards without artefacts, and a sparse index with
// no snapshot, are backfilled from the chunk store so a fresh process
// serves searches immediately. Vectors whose width no longer matches
// their shard fail the load; rebuild the index after changing
// dimensions.
func (s *Store) Load(ctx context.Context) error {
	if s.cfg.StoragePath == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"vector store has no storage path configured")
	}
	shards, err := s.shardList()
	if err != nil {
		return err
	}

	if err := s.chunks.Load(filepath.Join(s.cfg.StoragePath, chunkFileName)); err != nil {
		return err
	}

	all := s.chunks.All()
	for _, sh := range shards {
		for _, c := range all {
			vec, ok := c.Embeddings[sh.modelID]
			if ok && len(vec) != sh.dims {
				return mmerrors.Newf(mmerrors.KindDimensionMismatch,
					"chunk %s carries a %d-dim vector for model %q, shard expects %d",
					c.ID, len(vec), sh.modelID, sh.dims).
					WithDetail("hint", "rebuild the index for this model")
			}
		}
	}

	for _, sh := range shards {
		if err := s.loadShard(ctx, sh, all); err != nil {
			return err
		}
	}

	s.sparseMu.Lock()
	err = s.sparse.Load(search.SparseIndexPath(s.cfg.StoragePath, s.cfg.SparseBackend))
	if err != nil && !mmerrors.IsKind(err, mmerrors.KindNotFound) {
		s.sparseMu.Unlock()
		return err
	}
	needSparse := s.sparse.Stats().DocumentCount == 0 && len(all) > 0
	if needSparse {
		docs := make([]*search.Document, len(all))
		for i, c := range all {
			docs[i] = &search.Document{ID: c.ID, Text: c.Text}
		}
		if err := s.sparse.Index(ctx, docs); err != nil {
			s.sparseMu.Unlock()
			return err
		}
		slog.Info("sparse_index_backfilled", slog.Int("chunks", len(docs)))
	}
	s.sparseMu.Unlock()

	slog.Info("vector_store_loaded",
		slog.String("path", s.cfg.StoragePath),
		slog.Int("chunks", len(all)),
		slog.Int("shards", len(shards)))
	return nil
}

// loadShard restores one shard's artefact, or backfills the index from
// chunk embeddings when no artefact exists.
func (s *Store) loadShard(ctx context.Context, sh *shard, all []*document.Chunk) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	err := sh.idx.Load(s.shardDir(sh.modelID))
	if err != nil && !mmerrors.IsKind(err, mmerrors.KindNotFound) {
		return err
	}
	if sh.idx.Stats().TotalVectors > 0 {
		return nil
	}

	ids := make([]string, 0, len(all))
	vecs := make([][]float32, 0, len(all))
	for _, c := range all {
		if vec, ok := c.Embeddings[sh.modelID]; ok {
			ids = append(ids, c.ID)
			vecs = append(vecs, vec)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := sh.idx.AddBatch(ctx, vecs, ids); err != nil {
		return err
	}
	slog.Info("shard_backfilled",
		slog.String("model", sh.modelID),
		slog.Int("vectors", len(ids)))
	return nil
}

// Stats aggregates chunk, shard and sparse statistics.
func (s *Store) Stats() Stats {
	st := Stats{
		ChunkCount:    s.chunks.Count(),
		DocumentCount: s.chunks.DocumentCount(),
		Shards:        make(map[string]index.Stats),
	}

	s.mu.RLock()
	st.DefaultModel = s.defaultModel
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	for _, sh := range shards {
		sh.mu.RLock()
		st.Shards[sh.modelID] = sh.idx.Stats()
		sh.mu.RUnlock()
	}

	s.sparseMu.RLock()
	if s.sparse != nil {
		st.Sparse = s.sparse.Stats()
	}
	s.sparseMu.RUnlock()
	return st
}

// ChunkCount returns the number of stored chunks.
func (s *Store) ChunkCount() int {
	return s.chunks.Count()
}

// GetChunk returns one chunk by id.
func (s *Store) GetChunk(id string) (*document.Chunk, bool) {
	return s.chunks.Get(id)
}

// DefaultModel returns the embedding model searches fall back to when
// the caller names none.
func (s *Store) DefaultModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultModel
}

// Close releases every shard, the sparse index, the reranker and the
// storage lock. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	var errs *multierror.Error
	for _, sh := range shards {
		sh.mu.Lock()
		if err := sh.idx.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		sh.mu.Unlock()
	}

	s.sparseMu.Lock()
	if s.sparse != nil {
		if err := s.sparse.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.sparseMu.Unlock()

	if s.rerank != nil {
		if err := s.rerank.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := s.releaseLock(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (s *Store) closeShards() {
	for _, sh := range s.shards {
		_ = sh.idx.Close()
	}
}

func (s *Store) releaseLock() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
