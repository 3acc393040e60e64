// Package staging streams decoded rows into an on-disk CSV file that the
// history store bulk loads in one statement.
package staging

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/zeromicro/go-zero/core/logx"

	"aodp-ingest/pkg/dump"
	"aodp-ingest/pkg/tsnorm"
)

const (
	// DefaultProgressInterval is the number of rows between progress callbacks.
	DefaultProgressInterval = 100000
	logInterval             = 500000
	fileBufferSize          = 1 << 20
)

// Columns is the header row of a staging file, in table column order.
var Columns = []string{
	"item_id", "location", "quality", "timestamp",
	"sell_price_min", "sell_price_max", "buy_price_min", "buy_price_max",
	"item_count",
}

// ProgressFunc receives running kept and skipped counts.
type ProgressFunc func(kept, skipped int64)

// Summary describes a closed staging file.
type Summary struct {
	Path            string
	Kept            int64
	SkippedExisting int64
	Invalid         int64
	DateStart       string
	DateEnd         string
}

// Writer applies the coverage cutoff and writes kept rows as CSV.
type Writer struct {
	path     string
	file     *os.File
	buf      *bufio.Writer
	csv      *csv.Writer
	cutoff   string
	every    int64
	progress ProgressFunc
	record   []string

	kept      int64
	skipped   int64
	invalid   int64
	dateStart string
	dateEnd   string
	closed    bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithCutoff drops rows whose normalized timestamp is at or before cutoff.
// A cutoff that does not normalize disables filtering.
func WithCutoff(cutoff string) Option {
	return func(w *Writer) {
		if norm, ok := tsnorm.Normalize(cutoff); ok {
			w.cutoff = norm
		}
	}
}

// WithProgress registers fn to be called every n kept or skipped rows.
func WithProgress(n int, fn ProgressFunc) Option {
	return func(w *Writer) {
		if n > 0 {
			w.every = int64(n)
		}
		w.progress = fn
	}
}

// New creates the staging file at path and writes the header row.
func New(path string, opts ...Option) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("staging: create %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, fileBufferSize)
	w := &Writer{
		path:   path,
		file:   f,
		buf:    buf,
		csv:    csv.NewWriter(buf),
		every:  DefaultProgressInterval,
		record: make([]string, len(Columns)),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.csv.Write(Columns); err != nil {
		f.Close()
		return nil, fmt.Errorf("staging: write header: %w", err)
	}
	return w, nil
}

// Path returns the staging file location.
func (w *Writer) Path() string { return w.path }

// Write filters and appends one row.
func (w *Writer) Write(row dump.Row) error {
	if !row.Valid() {
		w.invalid++
		logx.Debugf("staging: drop invalid row item=%q ts=%q", row.ItemID, row.Timestamp)
		return nil
	}
	norm, normOK := tsnorm.Normalize(row.Timestamp)
	if w.cutoff != "" {
		if normOK && norm <= w.cutoff {
			w.skipped++
			if w.progress != nil && w.skipped%w.every == 0 {
				w.progress(w.kept, w.skipped)
			}
			return nil
		}
	}

	w.record[0] = row.ItemID
	w.record[1] = row.Location
	w.record[2] = strconv.Itoa(row.Quality)
	w.record[3] = row.Timestamp
	w.record[4] = formatInt(row.SellMin)
	w.record[5] = formatInt(row.SellMax)
	w.record[6] = formatInt(row.BuyMin)
	w.record[7] = formatInt(row.BuyMax)
	w.record[8] = formatInt(row.ItemCount)
	if err := w.csv.Write(w.record); err != nil {
		return fmt.Errorf("staging: write row: %w", err)
	}

	date := tsnorm.Date(row.Timestamp)
	if normOK {
		date = tsnorm.Date(norm)
	}
	if w.dateStart == "" || date < w.dateStart {
		w.dateStart = date
	}
	if w.dateEnd == "" || date > w.dateEnd {
		w.dateEnd = date
	}

	w.kept++
	if w.kept%logInterval == 0 {
		logx.Infof("staging: %d records staged to %s", w.kept, w.path)
	}
	if w.progress != nil && w.kept%w.every == 0 {
		w.progress(w.kept, w.skipped)
	}
	return nil
}

// Counts returns the running kept and skipped totals.
func (w *Writer) Counts() (kept, skipped int64) { return w.kept, w.skipped }

// Close flushes the file and returns the staging summary.
func (w *Writer) Close() (Summary, error) {
	sum := Summary{
		Path:            w.path,
		Kept:            w.kept,
		SkippedExisting: w.skipped,
		Invalid:         w.invalid,
		DateStart:       w.dateStart,
		DateEnd:         w.dateEnd,
	}
	if w.closed {
		return sum, nil
	}
	w.closed = true
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.file.Close()
		return sum, fmt.Errorf("staging: flush: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return sum, fmt.Errorf("staging: flush: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return sum, fmt.Errorf("staging: close: %w", err)
	}
	return sum, nil
}

// Remove closes the writer if needed and deletes the staging file.
func (w *Writer) Remove() {
	if !w.closed {
		_, _ = w.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		logx.Errorf("staging: remove %s: %v", w.path, err)
	}
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
