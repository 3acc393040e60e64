package model

import (
	"context"
	"fmt"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ ImportMetadataModel = (*customImportMetadataModel)(nil)

type (
	// ImportMetadataModel is an interface to be customized, add more methods here,
	// and implement the added methods in customImportMetadataModel.
	ImportMetadataModel interface {
		importMetadataModel
		FindAll(ctx context.Context, newestFirst bool) ([]*ImportMetadata, error)
		Count(ctx context.Context) (int64, error)
		DeleteAll(ctx context.Context) error
		WithSession(session sqlx.Session) ImportMetadataModel
	}

	customImportMetadataModel struct {
		*defaultImportMetadataModel
	}
)

// NewImportMetadataModel returns a model for the database table.
func NewImportMetadataModel(conn sqlx.SqlConn) ImportMetadataModel {
	return &customImportMetadataModel{
		defaultImportMetadataModel: newImportMetadataModel(conn),
	}
}

func (m *customImportMetadataModel) FindAll(ctx context.Context, newestFirst bool) ([]*ImportMetadata, error) {
	order := "asc"
	if newestFirst {
		order = "desc"
	}
	query := fmt.Sprintf("select %s from %s order by import_date %s, dump_name %s", importMetadataRows, m.tableName(), order, order)
	var resp []*ImportMetadata
	if err := m.conn.QueryRowsCtx(ctx, &resp, query); err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *customImportMetadataModel) Count(ctx context.Context) (int64, error) {
	var count int64
	query := fmt.Sprintf("select count(*) from %s", m.tableName())
	if err := m.conn.QueryRowCtx(ctx, &count, query); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *customImportMetadataModel) DeleteAll(ctx context.Context) error {
	_, err := m.conn.ExecCtx(ctx, fmt.Sprintf("delete from %s", m.tableName()))
	return err
}

// WithSession returns a model bound to session, for use inside a transaction.
func (m *customImportMetadataModel) WithSession(session sqlx.Session) ImportMetadataModel {
	return NewImportMetadataModel(sqlx.NewSqlConnFromSession(session))
}
