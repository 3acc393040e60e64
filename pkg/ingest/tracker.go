package ingest

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/syncx"
)

// ErrRunActive is returned when a run is already in progress.
var ErrRunActive = errors.New("ingest: a database update is already in progress")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Pipeline stages reported through Run.Stage.
const (
	StageIdle              = "idle"
	StageStarting          = "starting"
	StageFetchingIndex     = "fetching_index"
	StagePlanning          = "planning"
	StageProcessing        = "processing"
	StageDroppingIndexes   = "dropping_indexes"
	StageDownloading       = "downloading"
	StageImporting         = "importing"
	StageRecreatingIndexes = "recreating_indexes"
)

const idleMessage = "No database update in progress"

// Run is the pollable state of the current or last ingestion run.
type Run struct {
	RunID                  string     `json:"run_id,omitempty"`
	Status                 Status     `json:"status"`
	Stage                  string     `json:"stage"`
	Message                string     `json:"message"`
	ProgressPct            float64    `json:"progress_pct"`
	StartedAt              *time.Time `json:"started_at"`
	UpdatedAt              *time.Time `json:"updated_at"`
	FinishedAt             *time.Time `json:"finished_at"`
	MaxSnapshots           int        `json:"max_dumps,omitempty"`
	TotalSnapshots         int        `json:"total_dumps"`
	CompletedSnapshots     int        `json:"completed_dumps"`
	CurrentSnapshot        string     `json:"current_dump,omitempty"`
	DownloadedBytes        int64      `json:"downloaded_bytes"`
	DownloadTotalBytes     int64      `json:"download_total_bytes"`
	RecordsParsed          int64      `json:"records_parsed"`
	RecordsSkippedExisting int64      `json:"records_skipped_existing"`
	RecordsImported        int64      `json:"records_imported"`
	Errors                 []string   `json:"errors"`
	Result                 *Result    `json:"result"`
	ElapsedSeconds         *float64   `json:"elapsed_seconds"`
	EtaSeconds             *float64   `json:"eta_seconds"`
}

func idleRun() Run {
	return Run{Status: StatusIdle, Stage: StageIdle, Message: idleMessage, Errors: []string{}}
}

func (r Run) clone() Run {
	out := r
	out.Errors = append([]string{}, r.Errors...)
	if r.Result != nil {
		res := r.Result.clone()
		out.Result = &res
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.UpdatedAt = cloneTime(r.UpdatedAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Tracker owns the single current Run. All access is serialized; readers
// receive copies.
type Tracker struct {
	mu    sync.Mutex
	run   Run
	lock  syncx.Limit
	nowFn func() time.Time
	newID func() string
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		run:   idleRun(),
		lock:  syncx.NewLimit(1),
		nowFn: func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Start begins a new run unless one is active. It never blocks.
func (t *Tracker) Start(maxSnapshots int) (string, bool) {
	if !t.lock.TryBorrow() {
		return "", false
	}
	now := t.nowFn()
	id := t.newID()

	t.mu.Lock()
	defer t.mu.Unlock()
	run := idleRun()
	run.RunID = id
	run.Status = StatusRunning
	run.Stage = StageStarting
	run.Message = "Starting database update..."
	run.ProgressPct = 1
	run.StartedAt = &now
	run.UpdatedAt = &now
	run.MaxSnapshots = maxSnapshots
	t.run = run
	return id, true
}

// Update applies fn to the run identified by runID. Stale ids are ignored.
func (t *Tracker) Update(runID string, fn func(*Run)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if runID == "" || t.run.RunID != runID {
		return
	}
	fn(&t.run)
	t.run.ProgressPct = clampPct(t.run.ProgressPct)
	now := t.nowFn()
	t.run.UpdatedAt = &now
}

// Finish moves a running run to a terminal status and releases the run lock.
func (t *Tracker) Finish(runID string, status Status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.RunID != runID || t.run.Status != StatusRunning {
		return
	}
	now := t.nowFn()
	t.run.Status = status
	t.run.Stage = string(status)
	t.run.Message = message
	t.run.ProgressPct = 100
	t.run.UpdatedAt = &now
	t.run.FinishedAt = &now
	if err := t.lock.Return(); err != nil {
		logx.Errorf("ingest: release run lock: %v", err)
	}
}

// Snapshot returns a copy of the run with derived timing fields.
func (t *Tracker) Snapshot() Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Clear resets a finished run to idle.
func (t *Tracker) Clear() (Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status == StatusRunning {
		return t.snapshotLocked(), fmt.Errorf("ingest: cannot clear progress: %w", ErrRunActive)
	}
	now := t.nowFn()
	t.run = idleRun()
	t.run.UpdatedAt = &now
	return t.snapshotLocked(), nil
}

// Exclusive runs fn while holding the run lock, so no run can start until it
// returns. It fails with ErrRunActive when a run already holds the lock.
func (t *Tracker) Exclusive(fn func() error) error {
	if !t.lock.TryBorrow() {
		return ErrRunActive
	}
	defer func() {
		if err := t.lock.Return(); err != nil {
			logx.Errorf("ingest: release run lock: %v", err)
		}
	}()
	return fn()
}

// Active reports whether a run is in progress.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Status == StatusRunning
}

func (t *Tracker) snapshotLocked() Run {
	out := t.run.clone()
	out.ElapsedSeconds, out.EtaSeconds = nil, nil
	if out.StartedAt != nil {
		end := t.nowFn()
		if out.FinishedAt != nil {
			end = *out.FinishedAt
		}
		elapsed := math.Max(0, end.Sub(*out.StartedAt).Seconds())
		e := round(elapsed, 1)
		out.ElapsedSeconds = &e
		if out.Status == StatusRunning && out.ProgressPct > 0 {
			eta := round(math.Max(0, elapsed*(100-out.ProgressPct)/out.ProgressPct), 1)
			out.EtaSeconds = &eta
		}
	}
	out.ProgressPct = round(out.ProgressPct, 2)
	return out
}

func clampPct(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
