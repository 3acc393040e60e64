package historypersist

import (
	"context"
	"database/sql"
	"fmt"
)

// MonthCoverage is the record count of one calendar month.
type MonthCoverage struct {
	Year        int64 `json:"year"`
	Month       int64 `json:"month"`
	RecordCount int64 `json:"record_count"`
	HasData     bool  `json:"has_data"`
}

// Status summarizes the store contents.
type Status struct {
	Initialized   bool            `json:"initialized"`
	TotalRecords  int64           `json:"total_records"`
	EarliestDate  string          `json:"earliest_date,omitempty"`
	LatestDate    string          `json:"latest_date,omitempty"`
	ImportedDumps []string        `json:"imported_dumps"`
	Months        []MonthCoverage `json:"months"`
}

// Status reports totals, date range, imports (newest first) and monthly coverage.
func (s *Store) Status(ctx context.Context) (Status, error) {
	st := Status{Initialized: true, ImportedDumps: []string{}, Months: []MonthCoverage{}}

	total, err := s.countRecords(ctx)
	if err != nil {
		return st, err
	}
	st.TotalRecords = total

	imports, err := s.imports.FindAll(ctx, true)
	if err != nil {
		return st, fmt.Errorf("history: list imports: %w", err)
	}
	for _, m := range imports {
		st.ImportedDumps = append(st.ImportedDumps, m.DumpName)
	}
	if total == 0 {
		return st, nil
	}

	var span struct {
		Earliest sql.NullString `db:"earliest"`
		Latest   sql.NullString `db:"latest"`
	}
	spanQuery := `SELECT CAST(CAST(MIN("timestamp") AS DATE) AS VARCHAR) AS earliest,
    CAST(CAST(MAX("timestamp") AS DATE) AS VARCHAR) AS latest
FROM market_history`
	if err := s.conn.QueryRowCtx(ctx, &span, spanQuery); err != nil {
		return st, fmt.Errorf("history: date range: %w", err)
	}
	st.EarliestDate, st.LatestDate = span.Earliest.String, span.Latest.String

	var months []struct {
		Year        int64 `db:"year"`
		Month       int64 `db:"month"`
		RecordCount int64 `db:"record_count"`
	}
	monthQuery := `SELECT CAST(EXTRACT(YEAR FROM "timestamp") AS BIGINT) AS year,
    CAST(EXTRACT(MONTH FROM "timestamp") AS BIGINT) AS month,
    COUNT(*) AS record_count
FROM market_history
GROUP BY 1, 2
ORDER BY 1, 2`
	if err := s.conn.QueryRowsCtx(ctx, &months, monthQuery); err != nil {
		return st, fmt.Errorf("history: monthly coverage: %w", err)
	}
	for _, m := range months {
		st.Months = append(st.Months, MonthCoverage{
			Year:        m.Year,
			Month:       m.Month,
			RecordCount: m.RecordCount,
			HasData:     m.RecordCount > 0,
		})
	}
	return st, nil
}
