// Package ingest runs the snapshot ingestion pipeline: discovery, selection,
// bounded concurrent download, sequential decode and bulk load, and run
// progress tracking.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"

	"aodp-ingest/pkg/catalog"
	"aodp-ingest/pkg/dump"
	"aodp-ingest/pkg/journal"
	"aodp-ingest/pkg/staging"
	"aodp-ingest/pkg/tsnorm"
)

// Progress bands of a run, in percent.
const (
	pctFetchIndex      = 3.0
	pctPlanned         = 7.0
	pctSelected        = 9.0
	pctProcessing      = 10.0
	pctDroppingIndexes = 12.0
	pctDownloadStart   = 15.0
	pctDownloadEnd     = 45.0
	pctImportStart     = 45.0
	pctImportEnd       = 90.0
	pctRebuildIndexes  = 95.0

	parsedFractionCap   = 0.8
	parsedFractionScale = 2_000_000.0
	bulkLoadFraction    = 0.9
)

// Options tunes one run.
type Options struct {
	MaxSnapshots       int
	CleanupAfterImport bool
	ParallelDownloads  int
}

// Result aggregates the outcome of a run.
type Result struct {
	Success      bool     `json:"success"`
	Downloaded   []string `json:"downloaded"`
	Imported     []string `json:"imported"`
	Errors       []string `json:"errors"`
	TotalRecords int64    `json:"total_records"`
	CleanedUp    []string `json:"cleaned_up,omitempty"`
}

func (r Result) clone() Result {
	out := r
	out.Downloaded = append([]string{}, r.Downloaded...)
	out.Imported = append([]string{}, r.Imported...)
	out.Errors = append([]string{}, r.Errors...)
	if r.CleanedUp != nil {
		out.CleanedUp = append([]string{}, r.CleanedUp...)
	}
	return out
}

// StartResult is returned by the non-blocking Start.
type StartResult struct {
	Started  bool   `json:"started"`
	RunID    string `json:"run_id,omitempty"`
	Progress Run    `json:"progress"`
}

// DecodeFunc streams the rows of a downloaded snapshot.
type DecodeFunc func(path string, emit func(dump.Row)) (dump.Stats, error)

// Orchestrator composes catalog, downloader and store into runs.
type Orchestrator struct {
	store      Store
	catalog    Catalog
	downloader Downloader
	tracker    *Tracker
	journal    *journal.Writer
	decode     DecodeFunc
	stagingDir string
	every      int
	defaults   Options
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTracker shares an existing tracker.
func WithTracker(t *Tracker) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracker = t
		}
	}
}

// WithJournal records each finished run.
func WithJournal(w *journal.Writer) OrchestratorOption {
	return func(o *Orchestrator) { o.journal = w }
}

// WithDecodeFunc replaces the snapshot decoder.
func WithDecodeFunc(fn DecodeFunc) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.decode = fn
		}
	}
}

// WithStagingDir places staging files under dir.
func WithStagingDir(dir string) OrchestratorOption {
	return func(o *Orchestrator) {
		if dir != "" {
			o.stagingDir = dir
		}
	}
}

// WithProgressInterval sets the row interval between parse progress updates.
func WithProgressInterval(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.every = n
		}
	}
}

// WithDefaults sets the options used for zero-valued fields of a run.
func WithDefaults(opts Options) OrchestratorOption {
	return func(o *Orchestrator) { o.defaults = opts }
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(store Store, cat Catalog, dl Downloader, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		catalog:    cat,
		downloader: dl,
		decode:     dump.DecodeFile,
		stagingDir: os.TempDir(),
		every:      staging.DefaultProgressInterval,
		defaults: Options{
			MaxSnapshots:       DefaultMaxSnapshots,
			CleanupAfterImport: true,
			ParallelDownloads:  DefaultParallelDownloads,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = NewTracker()
	}
	return o
}

// Tracker exposes the run tracker.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Defaults returns the options applied to a run that does not override them.
func (o *Orchestrator) Defaults() Options { return o.resolve(o.defaults) }

func (o *Orchestrator) resolve(opts Options) Options {
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = o.defaults.MaxSnapshots
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = 1
	}
	if opts.ParallelDownloads <= 0 {
		opts.ParallelDownloads = o.defaults.ParallelDownloads
	}
	if opts.ParallelDownloads <= 0 {
		opts.ParallelDownloads = DefaultParallelDownloads
	}
	return opts
}

// Run executes a run inline and blocks until it finishes. It fails fast with
// ErrRunActive when another run is in progress.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	opts = o.resolve(opts)
	runID, ok := o.tracker.Start(opts.MaxSnapshots)
	if !ok {
		return nil, ErrRunActive
	}
	res, err := o.execute(ctx, runID, opts)
	o.finish(ctx, runID, opts, res, err)
	return res, err
}

// Start launches a run on a background worker. When a run is already active
// it returns Started=false with that run's progress.
func (o *Orchestrator) Start(ctx context.Context, opts Options) StartResult {
	opts = o.resolve(opts)
	runID, ok := o.tracker.Start(opts.MaxSnapshots)
	if !ok {
		return StartResult{Started: false, Progress: o.tracker.Snapshot()}
	}
	bg := context.WithoutCancel(ctx)
	threading.GoSafe(func() {
		res, err := o.execute(bg, runID, opts)
		o.finish(bg, runID, opts, res, err)
	})
	return StartResult{Started: true, RunID: runID, Progress: o.tracker.Snapshot()}
}

func (o *Orchestrator) finish(ctx context.Context, runID string, opts Options, res *Result, err error) {
	status, message := StatusCompleted, "Database update completed successfully"
	if err != nil {
		status, message = StatusFailed, "Database update failed: "+err.Error()
		logx.WithContext(ctx).Errorf("ingest: run %s failed: %v", runID, err)
		o.tracker.Update(runID, func(r *Run) {
			r.Errors = []string{err.Error()}
			r.Result = &Result{Success: false, Errors: []string{err.Error()}}
		})
	} else {
		if len(res.Downloaded) == 0 && len(res.Errors) == 0 {
			message = "Database is already up to date"
		}
		snap := res.clone()
		o.tracker.Update(runID, func(r *Run) { r.Result = &snap })
	}
	run := o.tracker.Snapshot()
	o.tracker.Finish(runID, status, message)
	metricRuns.Inc(string(status))

	rec := &journal.RunRecord{
		RunID:        runID,
		Status:       string(status),
		Message:      message,
		MaxSnapshots: opts.MaxSnapshots,
		Errors:       run.Errors,
	}
	if run.ElapsedSeconds != nil {
		rec.ElapsedSeconds = *run.ElapsedSeconds
	}
	if res != nil {
		rec.Downloaded, rec.Imported, rec.CleanedUp = res.Downloaded, res.Imported, res.CleanedUp
		rec.TotalRecords, rec.Success, rec.Errors = res.TotalRecords, res.Success, res.Errors
	}
	if path, jerr := o.journal.WriteRun(rec); jerr != nil {
		logx.WithContext(ctx).Errorf("ingest: write run journal: %v", jerr)
	} else if path != "" {
		logx.WithContext(ctx).Infof("ingest: run %s journaled to %s", runID, path)
	}
}

func (o *Orchestrator) execute(ctx context.Context, runID string, opts Options) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("ingest: unexpected panic: %v", p)
		}
	}()
	update := func(fn func(*Run)) { o.tracker.Update(runID, fn) }

	update(func(r *Run) {
		r.Stage, r.Message, r.ProgressPct = StageFetchingIndex, "Fetching dump index", pctFetchIndex
	})
	available, err := o.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: list snapshots: %w", err)
	}
	update(func(r *Run) {
		r.Stage, r.ProgressPct = StagePlanning, pctPlanned
		r.Message = fmt.Sprintf("Found %d available dumps", len(available))
	})

	names, err := o.store.ImportedNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: imported snapshots: %w", err)
	}
	imported := make(map[string]bool, len(names))
	for _, n := range names {
		imported[n] = true
	}
	var currentMax *time.Time
	maxTS, ok, err := o.store.CurrentMaxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: current max timestamp: %w", err)
	}
	if ok {
		if t, parsed := tsnorm.Parse(maxTS); parsed {
			currentMax = &t
		}
	}

	selected := catalog.Recommend(available, imported, currentMax, opts.MaxSnapshots)
	update(func(r *Run) {
		r.Stage, r.ProgressPct = StagePlanning, pctSelected
		r.Message = fmt.Sprintf("Selected %d dump(s) for import", len(selected))
		r.TotalSnapshots = len(selected)
	})
	return o.process(ctx, runID, selected, opts)
}

type fetchOutcome struct {
	path string
	err  error
}

func (o *Orchestrator) process(ctx context.Context, runID string, selected []catalog.Snapshot, opts Options) (res *Result, err error) {
	update := func(fn func(*Run)) { o.tracker.Update(runID, fn) }
	res = &Result{Downloaded: []string{}, Imported: []string{}, Errors: []string{}}

	if len(selected) == 0 {
		update(func(r *Run) {
			r.Stage, r.Message, r.ProgressPct = StagePlanning, "No new dumps to import", 100
			r.TotalSnapshots, r.CompletedSnapshots = 0, 0
		})
		res.Success = true
		return res, nil
	}

	total := len(selected)
	logx.WithContext(ctx).Infof("ingest: processing %d dumps", total)
	update(func(r *Run) {
		r.Stage, r.ProgressPct = StageProcessing, pctProcessing
		r.Message = fmt.Sprintf("Processing %d dump(s)", total)
		r.TotalSnapshots, r.CompletedSnapshots = total, 0
	})

	update(func(r *Run) {
		r.Stage, r.Message, r.ProgressPct = StageDroppingIndexes, "Dropping indexes for bulk loading...", pctDroppingIndexes
	})
	defer func() {
		update(func(r *Run) {
			r.Stage, r.Message, r.ProgressPct = StageRecreatingIndexes, "Recreating indexes...", pctRebuildIndexes
		})
		if rerr := o.store.RebuildSecondaryIndexes(ctx); rerr != nil {
			logx.WithContext(ctx).Errorf("ingest: rebuild indexes: %v", rerr)
			if res != nil {
				res.Errors = append(res.Errors, "Index rebuild failed - "+rerr.Error())
				res.Success = false
			} else if err == nil {
				err = fmt.Errorf("ingest: rebuild indexes: %w", rerr)
			}
		}
	}()
	if err := o.store.DropSecondaryIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ingest: drop indexes: %w", err)
	}

	outcomes := o.downloadAll(ctx, runID, selected, opts.ParallelDownloads)

	span := (pctImportEnd - pctImportStart) / float64(total)
	for i, snap := range selected {
		out := outcomes[i]
		if out.err != nil {
			msg := fmt.Sprintf("%s: Download failed - %v", snap.Name, out.err)
			logx.WithContext(ctx).Errorf("ingest: %s", msg)
			res.Errors = append(res.Errors, msg)
			errs := append([]string{}, res.Errors...)
			update(func(r *Run) {
				r.Errors = errs
				r.Message = "Download failed for " + snap.Name
			})
			metricSnapshots.Inc("download", "failed")
			continue
		}
		metricSnapshots.Inc("download", "ok")
		res.Downloaded = append(res.Downloaded, snap.Name)

		start := pctImportStart + float64(i)*span
		update(func(r *Run) {
			r.Stage, r.CurrentSnapshot = StageImporting, snap.Name
			r.Message = fmt.Sprintf("Importing %s (%d/%d)", snap.Name, i+1, total)
			r.ProgressPct = start + span*0.1
		})

		count, ierr := o.importSnapshot(ctx, runID, snap, out.path, start, span)
		if ierr != nil {
			msg := fmt.Sprintf("%s: Import failed - %v", snap.Name, ierr)
			logx.WithContext(ctx).Errorf("ingest: %s", msg)
			res.Errors = append(res.Errors, msg)
			errs := append([]string{}, res.Errors...)
			update(func(r *Run) {
				r.Errors = errs
				r.Message = "Import failed for " + snap.Name
			})
			metricSnapshots.Inc("import", "failed")
			continue
		}
		metricSnapshots.Inc("import", "ok")
		res.Imported = append(res.Imported, snap.Name)
		res.TotalRecords += count
		if opts.CleanupAfterImport && out.path != "" && o.downloader.Remove(out.path) {
			res.CleanedUp = append(res.CleanedUp, snap.Name)
		}

		completed, records := len(res.Imported), res.TotalRecords
		update(func(r *Run) {
			r.Stage = StageImporting
			r.Message = fmt.Sprintf("Imported %d/%d dump(s)", completed, total)
			r.CompletedSnapshots, r.RecordsImported = completed, records
			r.ProgressPct = pctImportStart + (pctImportEnd-pctImportStart)*float64(completed)/float64(total)
		})
	}

	res.Success = len(res.Errors) == 0
	return res, nil
}

// downloadAll fetches every selected snapshot with at most parallel
// transfers in flight. Failures are returned per snapshot.
func (o *Orchestrator) downloadAll(ctx context.Context, runID string, selected []catalog.Snapshot, parallel int) []fetchOutcome {
	update := func(fn func(*Run)) { o.tracker.Update(runID, fn) }
	outcomes := make([]fetchOutcome, len(selected))

	var totalBytes int64
	for _, s := range selected {
		if s.SizeBytes > 0 {
			totalBytes += s.SizeBytes
		}
	}
	var mu sync.Mutex
	progress := make(map[string]int64, len(selected))
	sumProgress := func() int64 {
		var sum int64
		for _, v := range progress {
			sum += v
		}
		return sum
	}

	limit := syncx.NewLimit(parallel)
	group := threading.NewRoutineGroup()
	for i, snap := range selected {
		i, snap := i, snap
		outcomes[i] = fetchOutcome{err: errors.New("download aborted")}
		group.RunSafe(func() {
			limit.Borrow()
			defer func() { _ = limit.Return() }()

			update(func(r *Run) {
				r.Stage, r.CurrentSnapshot = StageDownloading, snap.Name
				r.Message = "Downloading " + snap.Name
				r.DownloadTotalBytes = totalBytes
				r.ProgressPct = math.Max(r.ProgressPct, pctDownloadStart)
			})
			var last int64
			path, err := o.downloader.Fetch(ctx, snap, func(done, size int64) {
				if size <= 0 {
					size = snap.SizeBytes
				}
				if delta := done - last; delta > 0 {
					metricDownloadBytes.Add(float64(delta), string(snap.Kind))
					last = done
				}
				mu.Lock()
				progress[snap.Name] = min(done, max(0, size))
				downloaded := sumProgress()
				mu.Unlock()
				ratio := 0.0
				if totalBytes > 0 {
					ratio = math.Min(1, float64(downloaded)/float64(totalBytes))
				}
				update(func(r *Run) {
					r.Stage, r.CurrentSnapshot = StageDownloading, snap.Name
					r.Message = "Downloading " + snap.Name
					r.DownloadedBytes, r.DownloadTotalBytes = downloaded, totalBytes
					r.ProgressPct = pctDownloadStart + (pctDownloadEnd-pctDownloadStart)*ratio
				})
			})
			if err == nil && snap.SizeBytes > 0 {
				mu.Lock()
				progress[snap.Name] = snap.SizeBytes
				mu.Unlock()
			}
			outcomes[i] = fetchOutcome{path: path, err: err}
		})
	}
	group.Wait()

	mu.Lock()
	downloaded := sumProgress()
	mu.Unlock()
	update(func(r *Run) {
		r.Stage, r.Message = StageDownloading, "Download stage completed"
		r.DownloadedBytes, r.DownloadTotalBytes = downloaded, totalBytes
		r.ProgressPct = pctDownloadEnd
	})
	return outcomes
}

// importSnapshot decodes, stages and bulk loads one downloaded snapshot and
// records its metadata. A snapshot already covered by the store is recorded
// as a zero-record import.
func (o *Orchestrator) importSnapshot(ctx context.Context, runID string, snap catalog.Snapshot, path string, start, span float64) (int64, error) {
	update := func(fn func(*Run)) { o.tracker.Update(runID, fn) }
	began := time.Now()
	defer func() {
		metricImportDuration.Observe(time.Since(began).Milliseconds(), string(snap.Kind))
	}()

	record := func(count int64, sum staging.Summary) error {
		meta := ImportMeta{
			Name:        snap.Name,
			Kind:        string(snap.Kind),
			ImportedAt:  time.Now().UTC(),
			RecordCount: count,
		}
		if count > 0 {
			meta.DateStart, meta.DateEnd = sum.DateStart, sum.DateEnd
		}
		return o.store.RecordImport(ctx, meta)
	}

	cutoff, hasData, err := o.store.CurrentMaxTimestamp(ctx)
	if err != nil {
		return 0, err
	}
	if hasData && catalog.FullyCovered(snap, cutoff) {
		logx.WithContext(ctx).Infof("ingest: skipping %s: already covered by existing data (max timestamp: %s)", snap.Name, cutoff)
		return 0, record(0, staging.Summary{})
	}

	stagingOpts := []staging.Option{
		staging.WithProgress(o.every, func(kept, skipped int64) {
			parsed := kept + skipped
			frac := math.Min(parsedFractionCap, float64(parsed)/parsedFractionScale)
			update(func(r *Run) {
				r.Stage, r.CurrentSnapshot = StageImporting, snap.Name
				r.Message = fmt.Sprintf("Parsing %s: %s records", snap.Name, formatCount(parsed))
				r.RecordsParsed, r.RecordsSkippedExisting = parsed, skipped
				r.ProgressPct = start + span*frac
			})
		}),
	}
	if hasData {
		stagingOpts = append(stagingOpts, staging.WithCutoff(cutoff))
	}
	if err := os.MkdirAll(o.stagingDir, 0o755); err != nil {
		return 0, err
	}
	w, err := staging.New(filepath.Join(o.stagingDir, filepath.Base(snap.Name)+".staging.csv"), stagingOpts...)
	if err != nil {
		return 0, err
	}
	defer w.Remove()

	var writeErr error
	stats, err := o.decode(path, func(row dump.Row) {
		if writeErr == nil {
			writeErr = w.Write(row)
		}
	})
	if err != nil {
		return 0, err
	}
	if writeErr != nil {
		return 0, writeErr
	}
	sum, err := w.Close()
	if err != nil {
		return 0, err
	}
	logx.WithContext(ctx).Infof("ingest: decoded %s rows=%d dropped=%d kept=%d skipped_existing=%d",
		snap.Name, stats.Rows, stats.Dropped, sum.Kept, sum.SkippedExisting)
	update(func(r *Run) {
		r.RecordsParsed = sum.Kept + sum.SkippedExisting
		r.RecordsSkippedExisting = sum.SkippedExisting
	})

	var inserted int64
	if sum.Kept > 0 {
		update(func(r *Run) {
			r.Stage, r.CurrentSnapshot = StageImporting, snap.Name
			r.Message = fmt.Sprintf("Bulk loading %s...", snap.Name)
			r.ProgressPct = start + span*bulkLoadFraction
		})
		inserted, err = o.store.BulkUpsert(ctx, sum.Path)
		if err != nil {
			return 0, err
		}
		update(func(r *Run) {
			r.Message = fmt.Sprintf("Imported %s records from %s", formatCount(inserted), snap.Name)
		})
	} else {
		logx.WithContext(ctx).Infof("ingest: no new records found in %s", snap.Name)
	}
	if err := record(inserted, sum); err != nil {
		return 0, err
	}
	metricRecordsImported.Add(float64(inserted), string(snap.Kind))
	logx.WithContext(ctx).Infof("ingest: imported %d records from %s", inserted, snap.Name)
	return inserted, nil
}

// formatCount renders n with thousands separators.
func formatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
