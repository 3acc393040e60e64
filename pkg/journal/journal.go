// Package journal persists finished ingestion runs as JSON files for audit.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunRecord captures one finished ingestion run.
type RunRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Sequence       int       `json:"sequence"`
	RunID          string    `json:"run_id"`
	Status         string    `json:"status"`
	Message        string    `json:"message,omitempty"`
	MaxSnapshots   int       `json:"max_dumps"`
	Downloaded     []string  `json:"downloaded,omitempty"`
	Imported       []string  `json:"imported,omitempty"`
	CleanedUp      []string  `json:"cleaned_up,omitempty"`
	TotalRecords   int64     `json:"total_records"`
	Success        bool      `json:"success"`
	Errors         []string  `json:"errors,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// Writer persists run records to a directory, one file per run.
type Writer struct {
	dir   string
	mu    sync.Mutex
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer. An empty dir disables journaling
// and yields a nil Writer.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", dir, err)
	}
	return &Writer{dir: dir, nowFn: time.Now}, nil
}

// Dir returns the journal directory.
func (w *Writer) Dir() string { return w.dir }

// WriteRun writes rec to a timestamped JSON file and returns its path. A nil
// Writer discards the record.
func (w *Writer) WriteRun(rec *RunRecord) (string, error) {
	if w == nil {
		return "", nil
	}
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	w.seq++
	rec.Sequence = w.seq
	name := fmt.Sprintf("run_%s_%05d.json", rec.Timestamp.UTC().Format("20060102_150405"), w.seq)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
