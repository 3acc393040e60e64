package historypersist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"aodp-ingest/internal/model"
	"aodp-ingest/pkg/dump"
	"aodp-ingest/pkg/ingest"
	"aodp-ingest/pkg/staging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{
		Engine: EngineDuckDB,
		Path:   filepath.Join(t.TempDir(), "history", "market.duckdb"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func stageRows(t *testing.T, rows ...dump.Row) string {
	t.Helper()
	w, err := staging.New(filepath.Join(t.TempDir(), "staging.csv"))
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.Write(r))
	}
	_, err = w.Close()
	require.NoError(t, err)
	return w.Path()
}

func i64(v int64) *int64 { return &v }

func bag(ts string, price, count *int64) dump.Row {
	return dump.Row{
		ItemID:    "T4_BAG",
		Location:  "Caerleon",
		Quality:   2,
		Timestamp: ts,
		SellMin:   price,
		SellMax:   price,
		ItemCount: count,
	}
}

func TestCurrentMaxTimestampEmptyStore(t *testing.T) {
	store := newTestStore(t)

	ts, ok, err := store.CurrentMaxTimestamp(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, ts)
}

func TestBulkUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	path := stageRows(t,
		bag("2026-01-15 10:00:00", i64(2500), i64(50)),
		bag("2026-01-15 11:00:00", i64(2600), i64(30)),
	)
	inserted, err := store.BulkUpsert(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	inserted, err = store.BulkUpsert(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	total, err := store.countRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	maxTS, ok, err := store.CurrentMaxTimestamp(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-15 11:00:00", maxTS)
}

func TestBulkUpsertNeverOverwritesWithNull(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.BulkUpsert(ctx, stageRows(t, bag("2026-01-15 10:00:00", i64(2500), i64(1))))
	require.NoError(t, err)

	_, err = store.BulkUpsert(ctx, stageRows(t, bag("2026-01-15 10:00:00", nil, nil)))
	require.NoError(t, err)

	records, err := store.Query(ctx, Filter{ItemID: "T4_BAG"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].SellPriceMin)
	assert.Equal(t, int64(2500), *records[0].SellPriceMin)
	require.NotNil(t, records[0].ItemCount)
	assert.Equal(t, int64(1), *records[0].ItemCount)

	_, err = store.BulkUpsert(ctx, stageRows(t, bag("2026-01-15 10:00:00", i64(3000), nil)))
	require.NoError(t, err)
	records, err = store.Query(ctx, Filter{ItemID: "T4_BAG"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3000), *records[0].SellPriceMin)
	assert.Nil(t, records[0].BuyPriceMin)
}

func TestBulkUpsertDeduplicatesWithinFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	inserted, err := store.BulkUpsert(ctx, stageRows(t,
		bag("2026-01-15 10:00:00", i64(2500), i64(1)),
		bag("2026-01-15 10:00:00", i64(2700), i64(1)),
	))
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)
}

func TestAggregateDailyPerUnitAverage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.BulkUpsert(ctx, stageRows(t,
		bag("2026-01-15 10:00:00", i64(2500), i64(50)),
		bag("2026-01-15 18:30:00", i64(1500), i64(30)),
	))
	require.NoError(t, err)

	buckets, err := store.Aggregate(ctx, Filter{ItemID: "T4_BAG"}, Daily)
	require.NoError(t, err)
	require.Len(t, buckets, 1)

	b := buckets[0]
	assert.Equal(t, "2026-01-15 00:00:00", b.Period)
	assert.Equal(t, "Caerleon", b.Location)
	assert.Equal(t, int64(2), b.Quality)
	require.NotNil(t, b.AvgSellMin)
	assert.Equal(t, int64(50), *b.AvgSellMin)
	require.NotNil(t, b.TotalVolume)
	assert.Equal(t, int64(80), *b.TotalVolume)
	assert.Equal(t, int64(2), b.DataPoints)
	assert.Nil(t, b.AvgBuyMin)
}

func TestAggregateUnknownGranularityUsesDay(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.BulkUpsert(ctx, stageRows(t,
		bag("2026-01-15 10:00:00", i64(100), i64(1)),
		bag("2026-01-16 10:00:00", i64(200), i64(1)),
	))
	require.NoError(t, err)

	buckets, err := store.Aggregate(ctx, Filter{ItemID: "T4_BAG"}, Granularity("fortnightly"))
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "2026-01-16 00:00:00", buckets[0].Period)

	monthly, err := store.Aggregate(ctx, Filter{ItemID: "T4_BAG"}, Monthly)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, "2026-01-01 00:00:00", monthly[0].Period)
	assert.Equal(t, int64(150), *monthly[0].AvgSellMin)
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	martlock := bag("2026-01-16 09:00:00", i64(900), i64(3))
	martlock.Location = "Martlock"
	_, err := store.BulkUpsert(ctx, stageRows(t,
		bag("2026-01-15 10:00:00", i64(2500), i64(2)),
		bag("2026-01-16 23:59:00", i64(1000), i64(0)),
		bag("2026-01-17 00:00:00", i64(1000), i64(1)),
		martlock,
	))
	require.NoError(t, err)

	records, err := store.Query(ctx, Filter{ItemID: "T4_BAG", Locations: []string{"Caerleon"}})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "2026-01-17 00:00:00", records[0].Timestamp)
	assert.Equal(t, int64(1250), *records[2].SellPriceMin, "price is per unit")
	assert.Equal(t, int64(1000), *records[1].SellPriceMin, "zero item_count counts as one")

	ranged, err := store.Query(ctx, Filter{ItemID: "T4_BAG", StartDate: "2026-01-16", EndDate: "2026-01-16"})
	require.NoError(t, err)
	require.Len(t, ranged, 2)

	quality := 2
	limited, err := store.Query(ctx, Filter{ItemID: "T4_BAG", Quality: &quality, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	_, err = store.Query(ctx, Filter{})
	assert.Error(t, err)
}

func TestStatusImportsAndHardReset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	st, err := store.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Initialized)
	assert.Zero(t, st.TotalRecords)
	assert.Empty(t, st.Months)

	_, err = store.BulkUpsert(ctx, stageRows(t,
		bag("2025-12-31 10:00:00", i64(100), i64(1)),
		bag("2026-01-15 10:00:00", i64(100), i64(1)),
		bag("2026-01-16 10:00:00", i64(100), i64(1)),
	))
	require.NoError(t, err)

	base := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordImport(ctx, ingest.ImportMeta{
		Name: "db_backup_2026-01-15.tgz", Kind: "daily", ImportedAt: base,
		RecordCount: 2, DateStart: "2025-12-31", DateEnd: "2026-01-15",
	}))
	require.NoError(t, store.RecordImport(ctx, ingest.ImportMeta{
		Name: "db_backup_2026-01-16.tgz", Kind: "daily", ImportedAt: base.Add(time.Hour),
	}))
	require.NoError(t, store.RecordImport(ctx, ingest.ImportMeta{
		Name: "db_backup_2026-01-15.tgz", Kind: "daily", ImportedAt: base.Add(-time.Hour), RecordCount: 2,
	}))

	names, err := store.ImportedNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_backup_2026-01-15.tgz", "db_backup_2026-01-16.tgz"}, names)

	st, err = store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalRecords)
	assert.Equal(t, "2025-12-31", st.EarliestDate)
	assert.Equal(t, "2026-01-16", st.LatestDate)
	assert.Equal(t, []string{"db_backup_2026-01-16.tgz", "db_backup_2026-01-15.tgz"}, st.ImportedDumps)
	assert.Equal(t, []MonthCoverage{
		{Year: 2025, Month: 12, RecordCount: 1, HasData: true},
		{Year: 2026, Month: 1, RecordCount: 2, HasData: true},
	}, st.Months)

	counts, err := store.HardReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetCounts{RemovedRecords: 3, RemovedImports: 2}, counts)

	_, ok, err := store.CurrentMaxTimestamp(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecondaryIndexesAreSafeToRepeat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.DropSecondaryIndexes(ctx))
	require.NoError(t, store.DropSecondaryIndexes(ctx))
	require.NoError(t, store.RebuildSecondaryIndexes(ctx))
	require.NoError(t, store.RebuildSecondaryIndexes(ctx))
}

func TestBulkUpsertMissingFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.BulkUpsert(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestParseStagingRecord(t *testing.T) {
	values, ok := parseStagingRecord([]string{"T4_BAG", "Caerleon", "2", "2026-01-15 10:00:00.123", "25", "", "", "", "3"})
	require.True(t, ok)
	assert.Equal(t, "T4_BAG", values[0])
	assert.Equal(t, int32(2), values[2])
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 0, 123000000, time.UTC), values[3])
	assert.Equal(t, int64(25), values[4])
	assert.Nil(t, values[5])
	assert.Equal(t, int64(3), values[8])

	_, ok = parseStagingRecord([]string{"T4_BAG", "Caerleon", "x", "2026-01-15 10:00:00", "", "", "", "", ""})
	assert.False(t, ok)
	_, ok = parseStagingRecord([]string{"T4_BAG", "Caerleon", "1", "not a time", "", "", "", "", ""})
	assert.False(t, ok)
}

func TestReadCSVSourceEscapesPath(t *testing.T) {
	src := readCSVSource("/tmp/o'brien/staging.csv")
	assert.Contains(t, src, "read_csv('/tmp/o''brien/staging.csv'")
	assert.Contains(t, src, "'timestamp': 'TIMESTAMP'")
	assert.Contains(t, src, "'item_count': 'BIGINT'")
}

type failingDeleteImports struct {
	model.ImportMetadataModel
}

func (f failingDeleteImports) WithSession(session sqlx.Session) model.ImportMetadataModel {
	return failingDeleteImports{f.ImportMetadataModel.WithSession(session)}
}

func (failingDeleteImports) DeleteAll(context.Context) error {
	return errors.New("disk full")
}

func TestHardResetRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.BulkUpsert(ctx, stageRows(t,
		bag("2026-01-15 10:00:00", i64(100), i64(1)),
		bag("2026-01-16 10:00:00", i64(100), i64(1)),
	))
	require.NoError(t, err)
	require.NoError(t, store.RecordImport(ctx, ingest.ImportMeta{
		Name: "db_backup_2026-01-16.tgz", Kind: "daily", ImportedAt: time.Now().UTC(), RecordCount: 2,
	}))

	orig := store.imports
	store.imports = failingDeleteImports{orig}
	counts, err := store.HardReset(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, ResetCounts{}, counts)

	store.imports = orig
	total, err := store.countRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	meta, err := store.imports.FindOne(ctx, "db_backup_2026-01-16.tgz")
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.RecordCount)

	counts, err = store.HardReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetCounts{RemovedRecords: 2, RemovedImports: 1}, counts)
	_, err = store.imports.FindOne(ctx, "db_backup_2026-01-16.tgz")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestImportMetadataDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, name := range []string{"db_backup_2026-01-15.tgz", "db_backup_2026-01-16.tgz"} {
		require.NoError(t, store.RecordImport(ctx, ingest.ImportMeta{Name: name, Kind: "daily", ImportedAt: time.Now().UTC()}))
	}

	require.NoError(t, store.imports.Delete(ctx, "db_backup_2026-01-15.tgz"))
	names, err := store.ImportedNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db_backup_2026-01-16.tgz"}, names)
}
