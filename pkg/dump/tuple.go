package dump

import (
	"regexp"
	"strings"
)

// minTupleFields is the number of positional values required in an AODP
// value tuple: row_id, item_count, silver_amount, item_unique_name,
// location_id, quality_level, timestamp (auction_type is optional).
const minTupleFields = 7

var (
	tuplePattern = regexp.MustCompile(`\(([^()]+)\)`)
	insertHeader = regexp.MustCompile(`(?i)^INSERT\s+INTO\s+([^\s(]+)`)
)

// parseTuples decodes every value tuple found on line. The second return is
// the number of tuples dropped as malformed.
func parseTuples(line string) ([]Row, int) {
	line = strings.TrimRight(line, ",;")
	matches := tuplePattern.FindAllStringSubmatch(line, -1)
	rows := make([]Row, 0, len(matches))
	dropped := 0
	for _, m := range matches {
		row, ok := rowFromTuple(splitValues(m[1]))
		if !ok {
			dropped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, dropped
}

func rowFromTuple(values []string) (Row, bool) {
	if len(values) < minTupleFields {
		return Row{}, false
	}
	item := cleanString(values[3])
	ts := cleanString(values[6])
	if item == "" || ts == "" {
		return Row{}, false
	}
	return newRow(item, ts,
		parseInt(values[1]),
		parseInt(values[2]),
		parseInt(values[4]),
		parseInt(values[5]),
	), true
}

// splitValues splits a tuple body on commas outside quoted literals.
func splitValues(s string) []string {
	var (
		values  []string
		current strings.Builder
		quote   byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
			current.WriteByte(c)
		case quote != 0 && c == quote:
			quote = 0
			current.WriteByte(c)
		case quote == 0 && c == ',':
			values = append(values, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		values = append(values, strings.TrimSpace(current.String()))
	}
	return values
}

func cleanString(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "NULL") {
		return ""
	}
	if len(v) >= 2 && ((v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"')) {
		v = v[1 : len(v)-1]
	}
	v = strings.ReplaceAll(v, "''", "'")
	return strings.ReplaceAll(v, `\"`, `"`)
}

// insertTarget reports whether line opens an INSERT into the target table.
func insertTarget(line string) bool {
	m := insertHeader.FindStringSubmatch(line)
	return m != nil && normalizeTableName(m[1]) == TargetTable
}

// valuesTail returns the text after the VALUES keyword, if any.
func valuesTail(line string) string {
	idx := strings.Index(strings.ToUpper(line), "VALUES")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+len("VALUES"):])
}
