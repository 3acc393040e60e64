// Package service exposes the market-history store and its ingestion
// pipeline as one facade for the command line and other callers.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	historypersist "aodp-ingest/internal/persistence/history"
	"aodp-ingest/internal/svc"
	"aodp-ingest/pkg/catalog"
	ingestpkg "aodp-ingest/pkg/ingest"
	"aodp-ingest/pkg/tsnorm"
)

const (
	// UpdateStrategy names how snapshots are chosen for import.
	UpdateStrategy = "latest_daily_full_snapshot"

	statusImportsLimit = 10
	pendingLimit       = 10
)

// DumpCleaner removes downloaded snapshot files.
type DumpCleaner interface {
	Clean() ([]string, error)
}

type invalidator interface {
	Invalidate()
}

// MarketHistory is the boundary facade over the history store and the
// ingestion orchestrator.
type MarketHistory struct {
	store   *historypersist.Store
	catalog ingestpkg.Catalog
	cleaner DumpCleaner
	orch    *ingestpkg.Orchestrator
}

// NewMarketHistory assembles the facade from its parts.
func NewMarketHistory(store *historypersist.Store, cat ingestpkg.Catalog, cleaner DumpCleaner, orch *ingestpkg.Orchestrator) *MarketHistory {
	return &MarketHistory{store: store, catalog: cat, cleaner: cleaner, orch: orch}
}

// FromServiceContext builds the facade from the composition root.
func FromServiceContext(svcCtx *svc.ServiceContext) *MarketHistory {
	return NewMarketHistory(svcCtx.Store, svcCtx.Catalog, svcCtx.Downloader, svcCtx.Orchestrator)
}

type DateRange struct {
	Earliest string `json:"earliest"`
	Latest   string `json:"latest"`
}

type DatabaseStatus struct {
	Initialized        bool      `json:"initialized"`
	TotalRecords       int64     `json:"total_records"`
	DateRange          DateRange `json:"date_range"`
	ImportedDumpsCount int       `json:"imported_dumps_count"`
	ImportedDumps      []string  `json:"imported_dumps"`
}

type Coverage struct {
	Months []historypersist.MonthCoverage `json:"months"`
}

// Updates describes what the remote index offers beyond local coverage.
// Error is set instead of the counts when the index could not be read.
type Updates struct {
	TotalAvailable int                `json:"total_available"`
	DailyAvailable int                `json:"daily_available"`
	PendingImport  int                `json:"pending_import"`
	PendingDumps   []catalog.Snapshot `json:"pending_dumps"`
	Recommended    []catalog.Snapshot `json:"recommended"`
	Strategy       string             `json:"strategy"`
	Error          string             `json:"error,omitempty"`
}

type StatusReport struct {
	Database         DatabaseStatus `json:"database"`
	Coverage         Coverage       `json:"coverage"`
	UpdatesAvailable *Updates       `json:"updates_available,omitempty"`
}

// Status reports the store contents. With checkRemote the dump index is
// consulted too; an index failure is reported inside the result.
func (m *MarketHistory) Status(ctx context.Context, checkRemote bool) (*StatusReport, error) {
	st, err := m.store.Status(ctx)
	if err != nil {
		return nil, err
	}
	imported := st.ImportedDumps
	if len(imported) > statusImportsLimit {
		imported = imported[:statusImportsLimit]
	}
	report := &StatusReport{
		Database: DatabaseStatus{
			Initialized:        st.Initialized,
			TotalRecords:       st.TotalRecords,
			DateRange:          DateRange{Earliest: st.EarliestDate, Latest: st.LatestDate},
			ImportedDumpsCount: len(st.ImportedDumps),
			ImportedDumps:      imported,
		},
		Coverage: Coverage{Months: st.Months},
	}
	if !checkRemote {
		return report, nil
	}
	updates, err := m.Updates(ctx)
	if err != nil {
		logx.WithContext(ctx).Errorf("service: check updates: %v", err)
		updates = &Updates{Error: err.Error()}
	}
	report.UpdatesAvailable = updates
	return report, nil
}

// Updates lists the remote snapshots and what would be imported next.
func (m *MarketHistory) Updates(ctx context.Context) (*Updates, error) {
	available, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.store.ImportedNames(ctx)
	if err != nil {
		return nil, err
	}
	imported := make(map[string]bool, len(names))
	for _, n := range names {
		imported[n] = true
	}
	currentMax, err := m.currentMax(ctx)
	if err != nil {
		return nil, err
	}

	daily := 0
	for _, s := range available {
		if s.Kind == catalog.KindDaily {
			daily++
		}
	}
	pending := catalog.Recommend(available, imported, currentMax, pendingLimit)
	recommended := catalog.Recommend(available, imported, currentMax, 1)
	return &Updates{
		TotalAvailable: len(available),
		DailyAvailable: daily,
		PendingImport:  len(pending),
		PendingDumps:   nonNil(pending),
		Recommended:    nonNil(recommended),
		Strategy:       UpdateStrategy,
	}, nil
}

func (m *MarketHistory) currentMax(ctx context.Context) (*time.Time, error) {
	ts, ok, err := m.store.CurrentMaxTimestamp(ctx)
	if err != nil || !ok {
		return nil, err
	}
	t, parsed := tsnorm.Parse(ts)
	if !parsed {
		return nil, nil
	}
	return &t, nil
}

func nonNil(s []catalog.Snapshot) []catalog.Snapshot {
	if s == nil {
		return []catalog.Snapshot{}
	}
	return s
}

func (m *MarketHistory) runOptions(maxSnapshots int) ingestpkg.Options {
	opts := m.orch.Defaults()
	if maxSnapshots > 0 {
		opts.MaxSnapshots = maxSnapshots
	}
	return opts
}

func (m *MarketHistory) refreshCatalog() {
	if inv, ok := m.catalog.(invalidator); ok {
		inv.Invalidate()
	}
}

// StartUpdate launches a background update and returns immediately.
func (m *MarketHistory) StartUpdate(ctx context.Context, maxSnapshots int) ingestpkg.StartResult {
	if !m.orch.Tracker().Active() {
		m.refreshCatalog()
	}
	return m.orch.Start(ctx, m.runOptions(maxSnapshots))
}

// RunUpdate performs an update inline. It fails fast with
// ingest.ErrRunActive when another update is running.
func (m *MarketHistory) RunUpdate(ctx context.Context, maxSnapshots int) (*ingestpkg.Result, error) {
	if !m.orch.Tracker().Active() {
		m.refreshCatalog()
	}
	return m.orch.Run(ctx, m.runOptions(maxSnapshots))
}

// Progress returns the current or last run.
func (m *MarketHistory) Progress() ingestpkg.Run {
	return m.orch.Tracker().Snapshot()
}

// ClearProgress resets a finished run to idle.
func (m *MarketHistory) ClearProgress() (ingestpkg.Run, error) {
	return m.orch.Tracker().Clear()
}

// Query returns raw records, newest first.
func (m *MarketHistory) Query(ctx context.Context, f historypersist.Filter) ([]historypersist.Record, error) {
	return m.store.Query(ctx, f)
}

// Aggregate returns period buckets, newest first.
func (m *MarketHistory) Aggregate(ctx context.Context, f historypersist.Filter, g historypersist.Granularity) ([]historypersist.Bucket, error) {
	return m.store.Aggregate(ctx, f, g)
}

// HistoryRequest is a caller-facing aggregate query. Cities is a comma
// separated location list.
type HistoryRequest struct {
	Item        string
	Cities      string
	Quality     *int
	StartDate   string
	EndDate     string
	Granularity historypersist.Granularity
}

type HistoryReport struct {
	Item        string                  `json:"item"`
	Locations   []string                `json:"locations"`
	Quality     *int                    `json:"quality"`
	Granularity string                  `json:"granularity"`
	DateRange   map[string]string       `json:"date_range"`
	Data        []historypersist.Bucket `json:"data"`
	RecordCount int                     `json:"record_count"`
	Source      string                  `json:"source"`
}

// History aggregates the local history of one item.
func (m *MarketHistory) History(ctx context.Context, req HistoryRequest) (*HistoryReport, error) {
	g := req.Granularity
	if g == "" {
		g = historypersist.Daily
	}
	locations := ParseCities(req.Cities)
	data, err := m.Aggregate(ctx, historypersist.Filter{
		ItemID:    strings.TrimSpace(req.Item),
		Locations: locations,
		Quality:   req.Quality,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}, g)
	if err != nil {
		return nil, err
	}
	return &HistoryReport{
		Item:        strings.TrimSpace(req.Item),
		Locations:   locations,
		Quality:     req.Quality,
		Granularity: string(g),
		DateRange:   map[string]string{"start": req.StartDate, "end": req.EndDate},
		Data:        data,
		RecordCount: len(data),
		Source:      "local_" + string(m.store.Engine()),
	}, nil
}

// ParseCities splits a comma separated city list. An empty list yields nil.
func ParseCities(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type ResetReport struct {
	Success           bool                       `json:"success"`
	Reset             historypersist.ResetCounts `json:"reset"`
	CleanedDumpsCount int                        `json:"cleaned_dumps_count"`
	CleanedDumps      []string                   `json:"cleaned_dumps"`
}

// Reset empties the store and optionally deletes downloaded snapshots. It
// is refused while an update is running.
func (m *MarketHistory) Reset(ctx context.Context, cleanupDownloads bool) (*ResetReport, error) {
	var report *ResetReport
	err := m.orch.Tracker().Exclusive(func() error {
		counts, err := m.store.HardReset(ctx)
		if err != nil {
			return err
		}
		report = &ResetReport{Success: true, Reset: counts, CleanedDumps: []string{}}
		if cleanupDownloads && m.cleaner != nil {
			cleaned, err := m.cleaner.Clean()
			if err != nil {
				return fmt.Errorf("service: clean downloads: %w", err)
			}
			report.CleanedDumps = cleaned
		}
		report.CleanedDumpsCount = len(report.CleanedDumps)
		return nil
	})
	if errors.Is(err, ingestpkg.ErrRunActive) {
		return nil, fmt.Errorf("service: reset: %w", err)
	}
	if err != nil {
		return nil, err
	}
	m.refreshCatalog()
	logx.WithContext(ctx).Infof("service: reset removed %d records and %d imports, cleaned %d dumps",
		report.Reset.RemovedRecords, report.Reset.RemovedImports, report.CleanedDumpsCount)
	return report, nil
}
