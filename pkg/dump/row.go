package dump

import (
	"strconv"
	"strings"
)

// TargetTable is the logical table decoded from a dump.
const TargetTable = "market_history"

// Row is one decoded market-history record awaiting staging.
type Row struct {
	ItemID    string
	Location  string
	Quality   int
	Timestamp string
	SellMin   *int64
	SellMax   *int64
	BuyMin    *int64
	BuyMax    *int64
	ItemCount *int64
}

// Valid reports whether the row carries the fields required for persistence.
func (r Row) Valid() bool {
	return strings.TrimSpace(r.ItemID) != "" && strings.TrimSpace(r.Timestamp) != ""
}

// locationNames maps AODP location ids to market names.
var locationNames = map[int64]string{
	7:    "Black Market",
	1002: "Caerleon",
	2004: "Bridgewatch",
	3003: "Lymhurst",
	3005: "Fort Sterling",
	3008: "Martlock",
	3345: "Brecilien",
	4002: "Thetford",
	5003: "Fort Sterling",
}

// UnknownLocation is used when a record carries no location id.
const UnknownLocation = "Unknown"

// LocationName resolves a location id. Ids missing from the table are
// returned as their decimal string.
func LocationName(id *int64) string {
	if id == nil || *id == 0 {
		return UnknownLocation
	}
	if name, ok := locationNames[*id]; ok {
		return name
	}
	return strconv.FormatInt(*id, 10)
}

func newRow(item, ts string, itemCount, silver, location, quality *int64) Row {
	q := 1
	if quality != nil && *quality != 0 {
		q = int(*quality)
	}
	return Row{
		ItemID:    item,
		Location:  LocationName(location),
		Quality:   q,
		Timestamp: ts,
		SellMin:   silver,
		SellMax:   silver,
		ItemCount: itemCount,
	}
}

func parseInt(v string) *int64 {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "NULL") {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
