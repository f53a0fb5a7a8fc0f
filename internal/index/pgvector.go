package index

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/metric"
)

// pgvectorIndex stores vectors in a Postgres table through the
// pgvector extension. The collection name becomes the table name, the
// chunk id the primary key, so upserts update in place.
type pgvectorIndex struct {
	mu     sync.RWMutex
	config Config
	pool   *pgxpool.Pool
	table  string
	count  int
	open   bool
	closed bool
}

func newPGVectorIndex(cfg Config) (VectorIndex, error) {
	cfg = cfg.withDefaults()
	table, err := pgvectorTableName(cfg.Collection)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "pgvector requires a postgres connection url")
	}
	return &pgvectorIndex{config: cfg, table: table}, nil
}

// pgvectorTableName validates the collection as a safe identifier.
// Table names cannot be bound as query parameters, so only lowercase
// letters, digits and underscores pass.
func pgvectorTableName(collection string) (string, error) {
	if collection == "" {
		return "", mmerrors.Newf(mmerrors.KindConfigInvalid, "pgvector requires a collection name")
	}
	for i, r := range collection {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return "", mmerrors.Newf(mmerrors.KindConfigInvalid,
					"pgvector collection %q must start with a letter", collection)
			}
		default:
			return "", mmerrors.Newf(mmerrors.KindConfigInvalid,
				"pgvector collection %q may only contain [a-z0-9_]", collection)
		}
	}
	return collection, nil
}

// pgvectorOperator returns the distance operator and index ops class
// for the metric.
func pgvectorOperator(m metric.Metric) (string, string) {
	switch m {
	case metric.L2:
		return "<->", "vector_l2_ops"
	case metric.Dot:
		return "<#>", "vector_ip_ops"
	case metric.Manhattan:
		return "<+>", "vector_l1_ops"
	default:
		return "<=>", "vector_cosine_ops"
	}
}

func pgvectorError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "does not exist") && strings.Contains(msg, "relation"):
		return mmerrors.Wrap(mmerrors.KindCollectionMissing, err)
	case strings.Contains(msg, "password") || strings.Contains(msg, "authentication"):
		return mmerrors.Wrap(mmerrors.KindProviderAuth, err)
	case strings.Contains(msg, "context deadline exceeded"):
		return mmerrors.Wrap(mmerrors.KindTimeout, err)
	default:
		return mmerrors.Wrap(mmerrors.KindRemoteUnavailable, err)
	}
}

func (x *pgvectorIndex) Initialize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.open {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(x.config.URL)
	if err != nil {
		return mmerrors.Newf(mmerrors.KindConfigInvalid, "invalid pgvector url: %v", err)
	}
	if maxConns, ok := x.config.Options["max_conns"].(int); ok && maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, poolCfg)
	if err != nil {
		return pgvectorError(err)
	}
	if err := x.ensureSchema(cctx, pool); err != nil {
		pool.Close()
		return err
	}

	x.pool = pool
	x.open = true
	x.refreshCount(cctx)
	return nil
}

func (x *pgvectorIndex) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, ops := pgvectorOperator(x.config.Metric)
	statements := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL DEFAULT '',
	document_id TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding vector(%[2]d) NOT NULL
);

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = '%[1]s_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX %[1]s_embedding_idx ON %[1]s USING ivfflat (embedding %[3]s) WITH (lists = 100);';
	END IF;
END
$$;
`, x.table, x.config.Dimensions, ops)

	_, err := pool.Exec(ctx, statements)
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// The approximate index needs rows to build against; without
		// them exhaustive scans still answer queries.
		err = nil
	}
	return pgvectorError(err)
}

func (x *pgvectorIndex) refreshCount(ctx context.Context) {
	var n int
	if err := x.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, x.table)).Scan(&n); err == nil {
		x.count = n
	}
}

func (x *pgvectorIndex) Add(ctx context.Context, vec []float32, id string) error {
	return x.AddBatch(ctx, [][]float32{vec}, []string{id})
}

func (x *pgvectorIndex) AddBatch(ctx context.Context, vecs [][]float32, ids []string) error {
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

	upsert := fmt.Sprintf(`INSERT INTO %s (id, embedding) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`, x.table)

	for _, r := range batchRanges(len(ids), x.config.BatchSize) {
		cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
		err := func() error {
			tx, err := x.pool.Begin(cctx)
			if err != nil {
				return pgvectorError(err)
			}
			defer func() { _ = tx.Rollback(cctx) }()

			for i := r[0]; i < r[1]; i++ {
				if _, err := tx.Exec(cctx, upsert, ids[i], pgvector.NewVector(vecs[i])); err != nil {
					return pgvectorError(err)
				}
			}
			return pgvectorError(tx.Commit(cctx))
		}()
		cancel()
		if err != nil {
			return err
		}
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()
	x.refreshCount(cctx)
	return nil
}

func (x *pgvectorIndex) Search(ctx context.Context, query []float32, topK int, minScore float32) ([]Result, error) {
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

	op, _ := pgvectorOperator(x.config.Metric)
	stmt := fmt.Sprintf(`SELECT id, embedding %[1]s $1 AS distance
FROM %[2]s
ORDER BY embedding %[1]s $1
LIMIT $2`, op, x.table)

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	rows, err := x.pool.Query(cctx, stmt, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, pgvectorError(err)
	}
	defer rows.Close()

	results := make([]Result, 0, topK)
	for rows.Next() {
		var id string
		var distance float32
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, pgvectorError(err)
		}
		score := metric.Similarity(x.config.Metric, distance)
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, pgvectorError(err)
	}
	return results, nil
}

func (x *pgvectorIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	if _, err := x.pool.Exec(cctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, x.table), id); err != nil {
		return pgvectorError(err)
	}
	x.refreshCount(cctx)
	return nil
}

// Save is a no-op: the data lives in Postgres.
func (x *pgvectorIndex) Save(string) error { return nil }

// Load is a no-op: the data lives in Postgres.
func (x *pgvectorIndex) Load(string) error { return nil }

// Optimize re-analyzes the table so the planner sees current row
// distribution.
func (x *pgvectorIndex) Optimize(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.ready(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()
	if _, err := x.pool.Exec(cctx, fmt.Sprintf(`ANALYZE %s`, x.table)); err != nil {
		return pgvectorError(err)
	}
	return nil
}

func (x *pgvectorIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Backend:      string(BackendPGVector),
		Metric:       string(x.config.Metric),
		Dimensions:   x.config.Dimensions,
		TotalVectors: x.count,
		Trained:      true,
		Collection:   x.table,
	}
}

func (x *pgvectorIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	if x.pool != nil {
		x.pool.Close()
	}
	return nil
}

func (x *pgvectorIndex) ready() error {
	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if !x.open {
		return fmt.Errorf("index is not initialized")
	}
	return nil
}

var _ VectorIndex = (*pgvectorIndex)(nil)
