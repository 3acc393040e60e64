package dump

import (
	"regexp"
	"strings"
)

var copyHeader = regexp.MustCompile(`(?i)^COPY\s+(?P<table>\S+)\s*\((?P<columns>[^)]+)\)\s+FROM\s+stdin;?$`)

// copyEnd terminates a COPY data block.
const copyEnd = `\.`

// parseCopyHeader returns the normalized table name and the column index map
// of a COPY ... FROM stdin header, or ok=false when line is not a header.
func parseCopyHeader(line string) (table string, columns map[string]int, ok bool) {
	m := copyHeader.FindStringSubmatch(line)
	if m == nil {
		return "", nil, false
	}
	table = normalizeTableName(m[copyHeader.SubexpIndex("table")])
	columns = make(map[string]int)
	idx := 0
	for _, col := range strings.Split(m[copyHeader.SubexpIndex("columns")], ",") {
		col = strings.Trim(strings.TrimSpace(col), `"`)
		if col == "" {
			continue
		}
		columns[col] = idx
		idx++
	}
	return table, columns, true
}

func normalizeTableName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(strings.Trim(name, "\"`"))
}

// copyField is a decoded COPY value; null marks the \N token.
type copyField struct {
	value string
	null  bool
}

func splitCopyLine(line string) []copyField {
	parts := strings.Split(line, "\t")
	fields := make([]copyField, len(parts))
	for i, p := range parts {
		fields[i] = unescapeCopyValue(p)
	}
	return fields
}

func unescapeCopyValue(v string) copyField {
	if v == `\N` {
		return copyField{null: true}
	}
	if !strings.Contains(v, `\`) {
		return copyField{value: v}
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' || i+1 >= len(v) {
			b.WriteByte(c)
			continue
		}
		i++
		switch v[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(v[i])
		}
	}
	return copyField{value: b.String()}
}

// rowFromCopy maps COPY fields on the column map. ok is false when the
// record lacks an item id or timestamp.
func rowFromCopy(fields []copyField, columns map[string]int) (Row, bool) {
	get := func(names ...string) string {
		for _, name := range names {
			if idx, found := columns[name]; found && idx < len(fields) && !fields[idx].null {
				return fields[idx].value
			}
		}
		return ""
	}
	item := get("item_unique_name", "item_id")
	ts := get("timestamp")
	if item == "" || ts == "" {
		return Row{}, false
	}
	return newRow(item, ts,
		parseInt(get("item_count")),
		parseInt(get("silver_amount")),
		parseInt(get("location")),
		parseInt(get("quality_level", "quality")),
	), true
}
