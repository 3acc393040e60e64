package historypersist

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"aodp-ingest/pkg/staging"
	"aodp-ingest/pkg/tsnorm"
)

// loader merges a staging CSV into market_history and returns the number of
// keys that did not exist before.
type loader interface {
	load(ctx context.Context, conn sqlx.SqlConn, path string) (int64, error)
}

type duckdbLoader struct{}

func (duckdbLoader) load(ctx context.Context, conn sqlx.SqlConn, path string) (int64, error) {
	var inserted int64
	err := conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		before, err := countRows(ctx, session)
		if err != nil {
			return err
		}
		if _, err := session.ExecCtx(ctx, fmt.Sprintf(upsertFromSource, readCSVSource(path))); err != nil {
			return err
		}
		after, err := countRows(ctx, session)
		if err != nil {
			return err
		}
		inserted = after - before
		return nil
	})
	return inserted, err
}

// readCSVSource renders a DuckDB read_csv table function over the staging
// file with explicit column types.
func readCSVSource(path string) string {
	types := map[string]string{
		"item_id":   "VARCHAR",
		"location":  "VARCHAR",
		"quality":   "INTEGER",
		"timestamp": "TIMESTAMP",
	}
	cols := make([]string, 0, len(staging.Columns))
	for _, name := range staging.Columns {
		typ, ok := types[name]
		if !ok {
			typ = "BIGINT"
		}
		cols = append(cols, fmt.Sprintf("'%s': '%s'", name, typ))
	}
	return fmt.Sprintf("read_csv('%s', columns={%s}, header=true, ignore_errors=true)",
		strings.ReplaceAll(path, "'", "''"), strings.Join(cols, ", "))
}

const stagingTable = "market_history_staging"

type postgresLoader struct{}

func (postgresLoader) load(ctx context.Context, conn sqlx.SqlConn, path string) (int64, error) {
	db, err := conn.RawDB()
	if err != nil {
		return 0, err
	}
	c, err := db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var inserted int64
	err = c.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		inserted, err = copyAndMerge(ctx, sc.Conn(), path)
		return err
	})
	return inserted, err
}

func copyAndMerge(ctx context.Context, pc *pgx.Conn, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	tx, err := pc.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stagingTable, recordsTable)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	src, err := newCSVSource(f)
	if err != nil {
		return 0, err
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{stagingTable}, staging.Columns, src)
	if err != nil {
		return 0, fmt.Errorf("copy staging rows: %w", err)
	}
	if src.skipped > 0 {
		logx.WithContext(ctx).Infof("history: skipped %d malformed staging rows", src.skipped)
	}

	var before, after int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+recordsTable).Scan(&before); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(upsertFromSource, stagingTable)); err != nil {
		return 0, fmt.Errorf("merge staging rows: %w", err)
	}
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+recordsTable).Scan(&after); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	logx.WithContext(ctx).Debugf("history: copied %d staging rows", copied)
	return after - before, nil
}

// csvSource feeds a staging file to pgx CopyFrom. Rows that do not parse are
// skipped and counted.
type csvSource struct {
	r       *csv.Reader
	values  []any
	err     error
	skipped int64
}

var _ pgx.CopyFromSource = (*csvSource)(nil)

func newCSVSource(r io.Reader) (*csvSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(staging.Columns)
	cr.ReuseRecord = true
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("read staging header: %w", err)
	}
	return &csvSource{r: cr}, nil
}

func (s *csvSource) Next() bool {
	for {
		rec, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				s.skipped++
				continue
			}
			s.err = err
			return false
		}
		values, ok := parseStagingRecord(rec)
		if !ok {
			s.skipped++
			continue
		}
		s.values = values
		return true
	}
}

func (s *csvSource) Values() ([]any, error) { return s.values, nil }

func (s *csvSource) Err() error { return s.err }

var fractionalLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseStagingTimestamp(s string) (time.Time, bool) {
	for _, layout := range fractionalLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return tsnorm.Parse(s)
}

func parseStagingRecord(rec []string) ([]any, bool) {
	if rec[0] == "" || rec[1] == "" {
		return nil, false
	}
	quality, err := strconv.Atoi(rec[2])
	if err != nil {
		return nil, false
	}
	ts, ok := parseStagingTimestamp(rec[3])
	if !ok {
		return nil, false
	}
	values := []any{rec[0], rec[1], int32(quality), ts}
	for _, field := range rec[4:] {
		if field == "" {
			values = append(values, nil)
			continue
		}
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, false
		}
		values = append(values, n)
	}
	return values, true
}
