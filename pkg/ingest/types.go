package ingest

import (
	"context"
	"time"

	"aodp-ingest/pkg/catalog"
)

// ImportMeta describes one processed snapshot.
type ImportMeta struct {
	Name        string
	Kind        string
	ImportedAt  time.Time
	RecordCount int64
	DateStart   string
	DateEnd     string
}

// Store is the time-series store surface driven by the pipeline.
type Store interface {
	CurrentMaxTimestamp(ctx context.Context) (string, bool, error)
	ImportedNames(ctx context.Context) ([]string, error)
	DropSecondaryIndexes(ctx context.Context) error
	RebuildSecondaryIndexes(ctx context.Context) error
	BulkUpsert(ctx context.Context, stagingPath string) (int64, error)
	RecordImport(ctx context.Context, meta ImportMeta) error
}

// Catalog lists the remote snapshots.
type Catalog interface {
	List(ctx context.Context) ([]catalog.Snapshot, error)
}

// Downloader fetches snapshots into local storage.
type Downloader interface {
	Fetch(ctx context.Context, snap catalog.Snapshot, onProgress func(done, total int64)) (string, error)
	Remove(path string) bool
}
