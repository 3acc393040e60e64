package svc

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/zeromicro/go-zero/core/collection"
	"github.com/zeromicro/go-zero/core/logx"

	"aodp-ingest/internal/cache"
	"aodp-ingest/internal/config"
	historypersist "aodp-ingest/internal/persistence/history"
	"aodp-ingest/pkg/catalog"
	"aodp-ingest/pkg/download"
	ingestpkg "aodp-ingest/pkg/ingest"
	"aodp-ingest/pkg/journal"
)

const (
	catalogCacheName = "aodp-catalog"
	stagingSubdir    = "staging"
)

type ServiceContext struct {
	Config config.Config

	IngestConfig *ingestpkg.Config
	TTL          cache.TTLSet

	Store        *historypersist.Store
	CatalogCache *collection.Cache
	Catalog      *catalog.Client
	Downloader   *download.Downloader
	Journal      *journal.Writer
	Tracker      *ingestpkg.Tracker
	Orchestrator *ingestpkg.Orchestrator
}

// NewServiceContext opens the history store and wires the ingestion
// pipeline described by c.
func NewServiceContext(ctx context.Context, c config.Config) (*ServiceContext, error) {
	ic := c.IngestConfig()
	svc := &ServiceContext{
		Config:       c,
		IngestConfig: ic,
		TTL:          cache.NewTTLSet(c.TTL),
	}

	store, err := historypersist.Open(ctx, historypersist.Options{
		Engine:  historypersist.Engine(c.Store.Engine),
		Path:    c.Store.Path,
		DSN:     c.Store.DSN,
		MaxOpen: c.Store.MaxOpen,
		MaxIdle: c.Store.MaxIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	svc.Store = store

	catalogOpts := []catalog.Option{
		catalog.WithIndexURL(ic.IndexURL),
		catalog.WithTimeout(ic.HTTPTimeout),
		catalog.WithMaxRetries(ic.Retries()),
	}
	if svc.TTL.Catalog > 0 {
		cc, err := collection.NewCache(svc.TTL.Catalog, collection.WithName(catalogCacheName))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create catalog cache: %w", err)
		}
		svc.CatalogCache = cc
		catalogOpts = append(catalogOpts, catalog.WithCache(cc, cache.CatalogListingKey(ic.IndexURL)))
	}
	svc.Catalog = catalog.NewClient(catalogOpts...)
	svc.Downloader = download.New(ic.DownloadDir, download.WithTimeout(ic.DownloadTimeout))

	jw, err := journal.NewWriter(ic.JournalDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc.Journal = jw

	svc.Tracker = ingestpkg.NewTracker()
	svc.Orchestrator = ingestpkg.NewOrchestrator(store, svc.Catalog, svc.Downloader,
		ingestpkg.WithTracker(svc.Tracker),
		ingestpkg.WithJournal(jw),
		ingestpkg.WithStagingDir(filepath.Join(ic.DownloadDir, stagingSubdir)),
		ingestpkg.WithProgressInterval(ic.ProgressInterval),
		ingestpkg.WithDefaults(ic.RunOptions()),
	)

	logx.WithContext(ctx).Infof("svc: history store %s ready, dump index %s", c.Store.Engine, ic.IndexURL)
	return svc, nil
}

// Close releases the history store.
func (s *ServiceContext) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Close()
}
