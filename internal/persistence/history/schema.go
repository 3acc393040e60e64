package historypersist

const (
	recordsTable  = "market_history"
	importsTable  = "import_metadata"
	recordColumns = `item_id, location, quality, "timestamp", sell_price_min, sell_price_max, buy_price_min, buy_price_max, item_count`
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS market_history (
    item_id VARCHAR NOT NULL,
    location VARCHAR NOT NULL,
    quality INTEGER NOT NULL DEFAULT 1,
    "timestamp" TIMESTAMP NOT NULL,
    sell_price_min BIGINT,
    sell_price_max BIGINT,
    buy_price_min BIGINT,
    buy_price_max BIGINT,
    item_count BIGINT,
    PRIMARY KEY (item_id, location, quality, "timestamp")
)`,
	`CREATE TABLE IF NOT EXISTS import_metadata (
    dump_name VARCHAR PRIMARY KEY,
    dump_type VARCHAR,
    import_date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    record_count BIGINT NOT NULL DEFAULT 0,
    date_range_start DATE,
    date_range_end DATE
)`,
}

type secondaryIndex struct {
	name    string
	columns string
}

var secondaryIndexes = []secondaryIndex{
	{name: "idx_item_location", columns: "item_id, location"},
	{name: "idx_timestamp", columns: `"timestamp"`},
}

// upsertFromSource merges deduplicated staged rows into market_history.
// Prices and item_count are only replaced by non-null incoming values.
const upsertFromSource = `INSERT INTO market_history (` + recordColumns + `)
SELECT item_id, location, quality, "timestamp",
    MAX(sell_price_min), MAX(sell_price_max), MAX(buy_price_min), MAX(buy_price_max), MAX(item_count)
FROM %s
WHERE item_id IS NOT NULL AND location IS NOT NULL AND "timestamp" IS NOT NULL
GROUP BY item_id, location, quality, "timestamp"
ON CONFLICT (item_id, location, quality, "timestamp") DO UPDATE SET
    sell_price_min = COALESCE(excluded.sell_price_min, market_history.sell_price_min),
    sell_price_max = COALESCE(excluded.sell_price_max, market_history.sell_price_max),
    buy_price_min = COALESCE(excluded.buy_price_min, market_history.buy_price_min),
    buy_price_max = COALESCE(excluded.buy_price_max, market_history.buy_price_max),
    item_count = COALESCE(excluded.item_count, market_history.item_count)`
