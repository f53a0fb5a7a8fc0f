package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "modernc.org/sqlite"

	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// databaseAgent runs one SQL query and emits every row as a document of
// "column: value" lines. Postgres connects through pgx, SQLite through
// the modernc driver; MySQL sources are rejected at construction.
// Options:
//
//	query      the SQL to run (required)
//	id_column  column whose value becomes the document id
//
// The metadata mapping copies column values into metadata keys.
type databaseAgent struct {
	cfg      Config
	driver   string
	dsn      string
	query    string
	idColumn string
}

func newDatabaseAgent(cfg Config) (Agent, error) {
	query := stringOption(cfg.Options, "query", "")
	if strings.TrimSpace(query) == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %q needs a query option", cfg.Name)
	}

	driver, dsn, err := splitDatabaseURL(cfg.SourceURL)
	if err != nil {
		return nil, err
	}

	return &databaseAgent{
		cfg:      cfg,
		driver:   driver,
		dsn:      dsn,
		query:    query,
		idColumn: stringOption(cfg.Options, "id_column", ""),
	}, nil
}

// splitDatabaseURL picks the driver from the source URL scheme.
func splitDatabaseURL(raw string) (string, string, error) {
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite://"), nil
	case strings.HasPrefix(raw, "mysql://"):
		return "", "", mmerrors.Newf(mmerrors.KindConfigInvalid,
			"mysql sources are not supported")
	case strings.HasSuffix(raw, ".db"), strings.HasSuffix(raw, ".sqlite"),
		strings.HasSuffix(raw, ".sqlite3"):
		return "sqlite", raw, nil
	}
	return "", "", mmerrors.Newf(mmerrors.KindConfigInvalid,
		"cannot tell the database driver from %q (want postgres://, sqlite:// or a sqlite file path)", raw)
}

func (a *databaseAgent) Type() string { return TypeDatabase }

func (a *databaseAgent) Close() error { return nil }

func (a *databaseAgent) Fetch(parent context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(parent, a.cfg.FetchTimeout())
	defer cancel()

	fetch := a.fetchSQLite
	if a.driver == "postgres" {
		fetch = a.fetchPostgres
	}

	docs, rowsIn, err := fetch(ctx)
	if err != nil {
		if parent.Err() != nil {
			return nil, mmerrors.Wrap(mmerrors.KindCancelled, parent.Err())
		}
		return nil, err
	}

	slog.Debug("db_query_complete",
		slog.String("agent", a.cfg.Name),
		slog.String("driver", a.driver),
		slog.Int("rows", rowsIn),
		slog.Int("documents", len(docs)))

	return &Result{
		Documents: docs,
		Metadata: document.Metadata{
			"driver": a.driver,
			"rows":   rowsIn,
		},
	}, nil
}

func (a *databaseAgent) fetchPostgres(ctx context.Context) ([]*document.Document, int, error) {
	conn, err := pgx.Connect(ctx, a.dsn)
	if err != nil {
		return nil, 0, classifyPostgres(err, mmerrors.KindRemoteUnavailable)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	rows, err := conn.Query(ctx, a.query)
	if err != nil {
		return nil, 0, classifyPostgres(err, mmerrors.KindTransient)
	}
	defer rows.Close()

	var cols []string
	for _, fd := range rows.FieldDescriptions() {
		cols = append(cols, fd.Name)
	}

	maxItems := a.cfg.EffectiveMaxItems()
	var docs []*document.Document
	count := 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, count, classifyPostgres(err, mmerrors.KindTransient)
		}
		count++
		docs = append(docs, a.rowDocument(cols, vals, count-1))
		if len(docs) >= maxItems {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, count, classifyPostgres(err, mmerrors.KindTransient)
	}
	return docs, count, nil
}

func (a *databaseAgent) fetchSQLite(ctx context.Context) ([]*document.Document, int, error) {
	db, err := sql.Open("sqlite", a.dsn)
	if err != nil {
		return nil, 0, mmerrors.Wrap(mmerrors.KindConfigInvalid, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, a.query)
	if err != nil {
		return nil, 0, mmerrors.Newf(mmerrors.KindTransient,
			"sqlite query failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, mmerrors.Wrap(mmerrors.KindTransient, err)
	}

	maxItems := a.cfg.EffectiveMaxItems()
	var docs []*document.Document
	count := 0
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, count, mmerrors.Wrap(mmerrors.KindTransient, err)
		}
		count++
		docs = append(docs, a.rowDocument(cols, vals, count-1))
		if len(docs) >= maxItems {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, count, mmerrors.Wrap(mmerrors.KindTransient, err)
	}
	return docs, count, nil
}

// rowDocument formats one row as "column: value" lines. The id comes
// from the configured id column when present, else the row index.
func (a *databaseAgent) rowDocument(cols []string, vals []any, index int) *document.Document {
	var b strings.Builder
	byColumn := make(map[string]any, len(cols))
	id := ""

	for i, col := range cols {
		v := vals[i]
		if bs, ok := v.([]byte); ok {
			v = string(bs)
		}
		if v == nil {
			v = "null"
		}
		fmt.Fprintf(&b, "%s: %v\n", col, v)
		byColumn[col] = v
		if a.idColumn != "" && col == a.idColumn {
			id = fmt.Sprint(v)
		}
	}
	if id == "" {
		prefix := a.cfg.Name
		if prefix == "" {
			prefix = TypeDatabase
		}
		id = fmt.Sprintf("%s#row%d", prefix, index)
	}

	md := document.Metadata{
		"source_type": TypeDatabase,
		"row":         index,
	}
	for from, to := range a.cfg.MetadataMapping {
		if to == "" {
			continue
		}
		if v, ok := byColumn[from]; ok {
			md[to] = v
		}
	}

	doc := document.New(id, strings.TrimRight(b.String(), "\n"), md)
	doc.Touch(time.Now())
	return doc
}

// classifyPostgres maps wire errors: authentication failures are
// SourceAuth, everything else keeps the caller's default kind.
func classifyPostgres(err error, def mmerrors.Kind) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
		return mmerrors.Newf(mmerrors.KindSourceAuth,
			"postgres rejected the credentials: %s", pgErr.Message)
	}
	return mmerrors.Wrap(def, err)
}
