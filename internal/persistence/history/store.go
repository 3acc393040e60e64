// Package historypersist implements the market-history time-series store on
// top of go-zero sqlx. DuckDB is the default engine, Postgres is supported
// through pgx.
package historypersist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"aodp-ingest/internal/model"
	"aodp-ingest/pkg/ingest"
	"aodp-ingest/pkg/tsnorm"
)

// Engine selects the SQL backend.
type Engine string

const (
	EngineDuckDB   Engine = "duckdb"
	EnginePostgres Engine = "postgres"
)

// Options describes how to open a store.
type Options struct {
	Engine  Engine
	Path    string // DuckDB database file
	DSN     string // Postgres DSN
	MaxOpen int
	MaxIdle int
}

// Store owns the market_history and import_metadata tables.
type Store struct {
	engine  Engine
	conn    sqlx.SqlConn
	imports model.ImportMetadataModel
	loader  loader
}

var _ ingest.Store = (*Store)(nil)

// Open connects to the configured engine and ensures the schema exists.
// The pool is owned by the store and released by Close.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var driver, source string
	switch opts.Engine {
	case EngineDuckDB, "":
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			return nil, errors.New("history: duckdb path is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create db dir: %w", err)
		}
		driver, source = "duckdb", path
		opts.Engine = EngineDuckDB
	case EnginePostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New("history: postgres dsn is required")
		}
		driver, source = "pgx", opts.DSN
	default:
		return nil, fmt.Errorf("history: unsupported engine %q", opts.Engine)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", opts.Engine, err)
	}
	if opts.MaxOpen > 0 {
		db.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}

	store, err := NewStore(sqlx.NewSqlConnFromDB(db), opts.Engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing connection.
func NewStore(conn sqlx.SqlConn, engine Engine) (*Store, error) {
	if conn == nil {
		return nil, errors.New("history: sql conn is required")
	}
	var l loader
	switch engine {
	case EngineDuckDB:
		l = duckdbLoader{}
	case EnginePostgres:
		l = postgresLoader{}
	default:
		return nil, fmt.Errorf("history: unsupported engine %q", engine)
	}
	return &Store{
		engine:  engine,
		conn:    conn,
		imports: model.NewImportMetadataModel(conn),
		loader:  l,
	}, nil
}

// Engine returns the backend in use.
func (s *Store) Engine() Engine { return s.engine }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.conn.RawDB()
	if err != nil {
		return err
	}
	return db.Close()
}

// EnsureSchema creates tables and secondary indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return s.RebuildSecondaryIndexes(ctx)
}

// DropSecondaryIndexes removes the read-path indexes ahead of a bulk load.
func (s *Store) DropSecondaryIndexes(ctx context.Context) error {
	for _, idx := range secondaryIndexes {
		if _, err := s.conn.ExecCtx(ctx, "DROP INDEX IF EXISTS "+idx.name); err != nil {
			return fmt.Errorf("history: drop index %s: %w", idx.name, err)
		}
	}
	return nil
}

// RebuildSecondaryIndexes recreates the read-path indexes.
func (s *Store) RebuildSecondaryIndexes(ctx context.Context) error {
	for _, idx := range secondaryIndexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.name, recordsTable, idx.columns)
		if _, err := s.conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("history: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// CurrentMaxTimestamp returns the normalized newest record timestamp. ok is
// false for an empty store.
func (s *Store) CurrentMaxTimestamp(ctx context.Context) (string, bool, error) {
	var row struct {
		MaxTS sql.NullString `db:"max_ts"`
	}
	query := `SELECT CAST(MAX("timestamp") AS VARCHAR) AS max_ts FROM market_history`
	if err := s.conn.QueryRowCtx(ctx, &row, query); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("history: max timestamp: %w", err)
	}
	if !row.MaxTS.Valid {
		return "", false, nil
	}
	norm, ok := tsnorm.Normalize(row.MaxTS.String)
	return norm, ok, nil
}

// BulkUpsert loads a staging CSV and returns the number of new keys.
func (s *Store) BulkUpsert(ctx context.Context, stagingPath string) (int64, error) {
	if _, err := os.Stat(stagingPath); err != nil {
		return 0, fmt.Errorf("history: staging file: %w", err)
	}
	started := time.Now()
	inserted, err := s.loader.load(ctx, s.conn, stagingPath)
	if err != nil {
		return 0, fmt.Errorf("history: bulk load: %w", err)
	}
	logx.WithContext(ctx).WithDuration(time.Since(started)).
		Infof("history: bulk inserted %d records engine=%s", inserted, s.engine)
	return inserted, nil
}

// RecordImport writes or replaces the metadata row of a processed snapshot.
func (s *Store) RecordImport(ctx context.Context, meta ingest.ImportMeta) error {
	importedAt := meta.ImportedAt
	if importedAt.IsZero() {
		importedAt = time.Now().UTC()
	}
	row := &model.ImportMetadata{
		DumpName:       meta.Name,
		DumpType:       sql.NullString{String: meta.Kind, Valid: meta.Kind != ""},
		ImportDate:     importedAt,
		RecordCount:    meta.RecordCount,
		DateRangeStart: nullDate(meta.DateStart),
		DateRangeEnd:   nullDate(meta.DateEnd),
	}
	if err := s.imports.Upsert(ctx, row); err != nil {
		return fmt.Errorf("history: record import %s: %w", meta.Name, err)
	}
	return nil
}

// ImportedNames lists processed snapshot names, oldest import first.
func (s *Store) ImportedNames(ctx context.Context) ([]string, error) {
	rows, err := s.imports.FindAll(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("history: list imports: %w", err)
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.DumpName)
	}
	return names, nil
}

// ResetCounts reports what HardReset removed.
type ResetCounts struct {
	RemovedRecords int64 `json:"removed_records"`
	RemovedImports int64 `json:"removed_imports"`
}

// HardReset deletes every record and import row in one transaction.
func (s *Store) HardReset(ctx context.Context) (ResetCounts, error) {
	var counts ResetCounts
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		imports := s.imports.WithSession(session)
		records, err := countRows(ctx, session)
		if err != nil {
			return err
		}
		n, err := imports.Count(ctx)
		if err != nil {
			return fmt.Errorf("history: count imports: %w", err)
		}
		if _, err := session.ExecCtx(ctx, "DELETE FROM "+recordsTable); err != nil {
			return fmt.Errorf("history: delete records: %w", err)
		}
		if err := imports.DeleteAll(ctx); err != nil {
			return fmt.Errorf("history: delete imports: %w", err)
		}
		counts = ResetCounts{RemovedRecords: records, RemovedImports: n}
		return nil
	})
	if err != nil {
		return ResetCounts{}, err
	}
	if s.engine == EngineDuckDB {
		if _, err := s.conn.ExecCtx(ctx, "CHECKPOINT"); err != nil {
			logx.WithContext(ctx).Errorf("history: checkpoint after reset: %v", err)
		}
	}
	logx.WithContext(ctx).Infof("history: hard reset removed_records=%d removed_imports=%d",
		counts.RemovedRecords, counts.RemovedImports)
	return counts, nil
}

func (s *Store) countRecords(ctx context.Context) (int64, error) {
	return countRows(ctx, s.conn)
}

func countRows(ctx context.Context, q sqlx.Session) (int64, error) {
	var n int64
	if err := q.QueryRowCtx(ctx, &n, "SELECT COUNT(*) FROM "+recordsTable); err != nil {
		return 0, fmt.Errorf("history: count records: %w", err)
	}
	return n, nil
}

func nullDate(s string) sql.NullTime {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullTime{}
	}
	t, err := time.ParseInLocation("2006-01-02", tsnorm.Date(s), time.UTC)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
