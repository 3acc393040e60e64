package model

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/builder"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var (
	importMetadataFieldNames = builder.RawFieldNames(&ImportMetadata{}, true)
	importMetadataRows       = strings.Join(importMetadataFieldNames, ",")
)

type (
	importMetadataModel interface {
		Upsert(ctx context.Context, data *ImportMetadata) error
		FindOne(ctx context.Context, dumpName string) (*ImportMetadata, error)
		Delete(ctx context.Context, dumpName string) error
	}

	defaultImportMetadataModel struct {
		conn  sqlx.SqlConn
		table string
	}

	ImportMetadata struct {
		DumpName       string         `db:"dump_name"`
		DumpType       sql.NullString `db:"dump_type"`
		ImportDate     time.Time      `db:"import_date"`
		RecordCount    int64          `db:"record_count"`
		DateRangeStart sql.NullTime   `db:"date_range_start"`
		DateRangeEnd   sql.NullTime   `db:"date_range_end"`
	}
)

func newImportMetadataModel(conn sqlx.SqlConn) *defaultImportMetadataModel {
	return &defaultImportMetadataModel{
		conn:  conn,
		table: "import_metadata",
	}
}

func (m *defaultImportMetadataModel) Delete(ctx context.Context, dumpName string) error {
	query := fmt.Sprintf("delete from %s where dump_name = $1", m.table)
	_, err := m.conn.ExecCtx(ctx, query, dumpName)
	return err
}

func (m *defaultImportMetadataModel) FindOne(ctx context.Context, dumpName string) (*ImportMetadata, error) {
	query := fmt.Sprintf("select %s from %s where dump_name = $1 limit 1", importMetadataRows, m.table)
	var resp ImportMetadata
	err := m.conn.QueryRowCtx(ctx, &resp, query, dumpName)
	switch err {
	case nil:
		return &resp, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, err
	}
}

func (m *defaultImportMetadataModel) Upsert(ctx context.Context, data *ImportMetadata) error {
	query := fmt.Sprintf(`insert into %s (%s) values ($1, $2, $3, $4, $5, $6)
on conflict (dump_name) do update set
    dump_type = excluded.dump_type,
    import_date = excluded.import_date,
    record_count = excluded.record_count,
    date_range_start = excluded.date_range_start,
    date_range_end = excluded.date_range_end`, m.table, importMetadataRows)
	_, err := m.conn.ExecCtx(ctx, query, data.DumpName, nullValue(data.DumpType), data.ImportDate,
		data.RecordCount, nullValue(data.DateRangeStart), nullValue(data.DateRangeEnd))
	return err
}

func (m *defaultImportMetadataModel) tableName() string {
	return m.table
}

// nullValue unwraps a sql.Null* into nil or its underlying value.
func nullValue(v driver.Valuer) any {
	val, err := v.Value()
	if err != nil {
		return nil
	}
	return val
}
