package historypersist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"aodp-ingest/pkg/tsnorm"
)

// DefaultQueryLimit caps raw lookups when the caller does not set a limit.
const DefaultQueryLimit = 1000

const aggregateLimit = 1000

// Filter narrows raw and aggregated lookups to one item.
type Filter struct {
	ItemID    string
	Locations []string
	Quality   *int
	StartDate string
	EndDate   string
	Limit     int
}

// Record is one stored row with prices normalized to per-unit values.
type Record struct {
	ItemID       string `json:"item_id"`
	Location     string `json:"location"`
	Quality      int64  `json:"quality"`
	Timestamp    string `json:"timestamp"`
	SellPriceMin *int64 `json:"sell_price_min"`
	SellPriceMax *int64 `json:"sell_price_max"`
	BuyPriceMin  *int64 `json:"buy_price_min"`
	BuyPriceMax  *int64 `json:"buy_price_max"`
	ItemCount    *int64 `json:"item_count"`
}

// Granularity is the bucket width of an aggregation.
type Granularity string

const (
	Hourly  Granularity = "hourly"
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// truncUnit maps a granularity onto a DATE_TRUNC unit; unknown values use day.
func (g Granularity) truncUnit() string {
	switch g {
	case Hourly:
		return "hour"
	case Weekly:
		return "week"
	case Monthly:
		return "month"
	default:
		return "day"
	}
}

// Bucket is one period x location x quality aggregate.
type Bucket struct {
	Period      string `json:"period"`
	Location    string `json:"location"`
	Quality     int64  `json:"quality"`
	AvgSellMin  *int64 `json:"avg_sell_min"`
	AvgSellMax  *int64 `json:"avg_sell_max"`
	AvgBuyMin   *int64 `json:"avg_buy_min"`
	AvgBuyMax   *int64 `json:"avg_buy_max"`
	TotalVolume *int64 `json:"total_volume"`
	DataPoints  int64  `json:"data_points"`
}

type recordRow struct {
	ItemID       string        `db:"item_id"`
	Location     string        `db:"location"`
	Quality      int64         `db:"quality"`
	Timestamp    string        `db:"ts"`
	SellPriceMin sql.NullInt64 `db:"sell_price_min"`
	SellPriceMax sql.NullInt64 `db:"sell_price_max"`
	BuyPriceMin  sql.NullInt64 `db:"buy_price_min"`
	BuyPriceMax  sql.NullInt64 `db:"buy_price_max"`
	ItemCount    sql.NullInt64 `db:"item_count"`
}

type bucketRow struct {
	Period      string        `db:"period"`
	Location    string        `db:"location"`
	Quality     int64         `db:"quality"`
	AvgSellMin  sql.NullInt64 `db:"avg_sell_min"`
	AvgSellMax  sql.NullInt64 `db:"avg_sell_max"`
	AvgBuyMin   sql.NullInt64 `db:"avg_buy_min"`
	AvgBuyMax   sql.NullInt64 `db:"avg_buy_max"`
	TotalVolume sql.NullInt64 `db:"total_volume"`
	DataPoints  int64         `db:"data_points"`
}

// perUnit divides a stack price by item_count, treating 0 or null as 1.
func perUnit(column string) string {
	return fmt.Sprintf("CAST(%s AS FLOAT8) / COALESCE(NULLIF(item_count, 0), 1)", column)
}

// Query returns raw records for an item, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query := fmt.Sprintf(`SELECT item_id, location, quality, CAST("timestamp" AS VARCHAR) AS ts,
    CAST(ROUND(%s) AS BIGINT) AS sell_price_min,
    CAST(ROUND(%s) AS BIGINT) AS sell_price_max,
    CAST(ROUND(%s) AS BIGINT) AS buy_price_min,
    CAST(ROUND(%s) AS BIGINT) AS buy_price_max,
    item_count
FROM market_history
WHERE %s
ORDER BY "timestamp" DESC
LIMIT %d`,
		perUnit("sell_price_min"), perUnit("sell_price_max"),
		perUnit("buy_price_min"), perUnit("buy_price_max"),
		where, limit)

	var rows []recordRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("history: query %s: %w", f.ItemID, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		ts, ok := tsnorm.Normalize(r.Timestamp)
		if !ok {
			ts = r.Timestamp
		}
		out = append(out, Record{
			ItemID:       r.ItemID,
			Location:     r.Location,
			Quality:      r.Quality,
			Timestamp:    ts,
			SellPriceMin: nullableInt(r.SellPriceMin),
			SellPriceMax: nullableInt(r.SellPriceMax),
			BuyPriceMin:  nullableInt(r.BuyPriceMin),
			BuyPriceMax:  nullableInt(r.BuyPriceMax),
			ItemCount:    nullableInt(r.ItemCount),
		})
	}
	return out, nil
}

// Aggregate buckets an item's records by period, location and quality.
func (s *Store) Aggregate(ctx context.Context, f Filter, g Granularity) ([]Bucket, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT CAST(DATE_TRUNC('%s', "timestamp") AS VARCHAR) AS period,
    location,
    quality,
    CAST(ROUND(AVG(%s)) AS BIGINT) AS avg_sell_min,
    CAST(ROUND(AVG(%s)) AS BIGINT) AS avg_sell_max,
    CAST(ROUND(AVG(%s)) AS BIGINT) AS avg_buy_min,
    CAST(ROUND(AVG(%s)) AS BIGINT) AS avg_buy_max,
    CAST(SUM(item_count) AS BIGINT) AS total_volume,
    COUNT(*) AS data_points
FROM market_history
WHERE %s
GROUP BY 1, 2, 3
ORDER BY period DESC, location, quality
LIMIT %d`,
		g.truncUnit(),
		perUnit("sell_price_min"), perUnit("sell_price_max"),
		perUnit("buy_price_min"), perUnit("buy_price_max"),
		where, aggregateLimit)

	var rows []bucketRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("history: aggregate %s: %w", f.ItemID, err)
	}
	out := make([]Bucket, 0, len(rows))
	for _, r := range rows {
		period, ok := tsnorm.Normalize(r.Period)
		if !ok {
			period = r.Period
		}
		out = append(out, Bucket{
			Period:      period,
			Location:    r.Location,
			Quality:     r.Quality,
			AvgSellMin:  nullableInt(r.AvgSellMin),
			AvgSellMax:  nullableInt(r.AvgSellMax),
			AvgBuyMin:   nullableInt(r.AvgBuyMin),
			AvgBuyMax:   nullableInt(r.AvgBuyMax),
			TotalVolume: nullableInt(r.TotalVolume),
			DataPoints:  r.DataPoints,
		})
	}
	return out, nil
}

// where renders the filter as a positional-argument predicate. A bare end
// date includes the whole day.
func (f Filter) where() (string, []any, error) {
	item := strings.TrimSpace(f.ItemID)
	if item == "" {
		return "", nil, errors.New("history: item id is required")
	}
	conds := []string{"item_id = $1"}
	args := []any{item}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Locations) > 0 {
		marks := make([]string, 0, len(f.Locations))
		for _, loc := range f.Locations {
			marks = append(marks, next(loc))
		}
		conds = append(conds, fmt.Sprintf("location IN (%s)", strings.Join(marks, ", ")))
	}
	if f.Quality != nil {
		conds = append(conds, "quality = "+next(*f.Quality))
	}
	if strings.TrimSpace(f.StartDate) != "" {
		start, ok := tsnorm.Parse(f.StartDate)
		if !ok {
			return "", nil, fmt.Errorf("history: invalid start date %q", f.StartDate)
		}
		conds = append(conds, `"timestamp" >= `+next(start))
	}
	if end := strings.TrimSpace(f.EndDate); end != "" {
		t, ok := tsnorm.Parse(end)
		if !ok {
			return "", nil, fmt.Errorf("history: invalid end date %q", f.EndDate)
		}
		if len(end) == len("2006-01-02") {
			conds = append(conds, `"timestamp" < `+next(t.Add(24*time.Hour)))
		} else {
			conds = append(conds, `"timestamp" <= `+next(t))
		}
	}
	return strings.Join(conds, " AND "), args, nil
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
