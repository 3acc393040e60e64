package catalog

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"aodp-ingest/pkg/tsnorm"
)

// Kind classifies what a snapshot covers.
type Kind string

// KindDaily is a full history snapshot up to its labelled date.
const KindDaily Kind = "daily"

// Snapshot describes one published dump file.
type Snapshot struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_date"`
	Kind       Kind      `json:"dump_type"`
}

// Classify returns the kind of a listed file name, or false when the file is
// not an ingestible snapshot.
func Classify(name string) (Kind, bool) {
	if strings.HasPrefix(strings.ToLower(name), "db_backup_") {
		return KindDaily, true
	}
	return "", false
}

var coveragePattern = regexp.MustCompile(`db_backup_(\d{4})-(\d{2})-(\d{2})(?:T(\d{2})_(\d{2})_(\d{2}))?`)

// CoverageEnd estimates the newest timestamp a snapshot contains from its
// name. A bare date covers the whole day.
func CoverageEnd(s Snapshot) (time.Time, bool) {
	if s.Kind != KindDaily {
		return time.Time{}, false
	}
	m := coveragePattern.FindStringSubmatch(s.Name)
	if m == nil {
		return time.Time{}, false
	}
	n := make([]int, 0, 6)
	for _, part := range m[1:] {
		if part == "" {
			break
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return time.Time{}, false
		}
		n = append(n, v)
	}
	hour, minute, second := 23, 59, 59
	if len(n) == 6 {
		hour, minute, second = n[3], n[4], n[5]
	}
	t := time.Date(n[0], time.Month(n[1]), n[2], hour, minute, second, 0, time.UTC)
	if t.Year() != n[0] || int(t.Month()) != n[1] || t.Day() != n[2] {
		return time.Time{}, false
	}
	return t, true
}

// FullyCovered reports whether the store's current max timestamp already
// reaches the snapshot's coverage end. Snapshots without an estimable end
// are never covered.
func FullyCovered(s Snapshot, currentMax string) bool {
	end, ok := CoverageEnd(s)
	if !ok {
		return false
	}
	limit, ok := tsnorm.Parse(currentMax)
	if !ok {
		return false
	}
	return !end.After(limit)
}

func sortKey(s Snapshot) time.Time {
	if end, ok := CoverageEnd(s); ok {
		return end
	}
	return s.ModifiedAt
}

// Pending returns daily snapshots not yet imported, newest coverage first.
func Pending(available []Snapshot, imported map[string]bool) []Snapshot {
	out := make([]Snapshot, 0, len(available))
	for _, s := range available {
		if s.Kind != KindDaily || imported[s.Name] {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := sortKey(out[i]), sortKey(out[j])
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out
}

// Recommend picks up to maxPicks pending snapshots that can extend coverage past
// currentMax. A nil currentMax means the store is empty and every pending
// snapshot qualifies.
func Recommend(available []Snapshot, imported map[string]bool, currentMax *time.Time, maxPicks int) []Snapshot {
	if maxPicks < 1 {
		maxPicks = 1
	}
	var picks []Snapshot
	for _, s := range Pending(available, imported) {
		if len(picks) >= maxPicks {
			break
		}
		if currentMax != nil {
			if end, ok := CoverageEnd(s); ok && !end.After(*currentMax) {
				continue
			}
		}
		picks = append(picks, s)
	}
	return picks
}
