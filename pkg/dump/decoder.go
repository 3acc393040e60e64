// Package dump decodes AODP PostgreSQL dump text into market-history rows.
//
// Two record syntaxes are understood: COPY ... FROM stdin blocks and
// INSERT INTO ... VALUES tuples. Statements for other tables are skipped,
// malformed records are dropped without aborting the stream.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/zeromicro/go-zero/core/logx"
)

// ErrNoDataSection is returned when a dump holds no market_history statement.
var ErrNoDataSection = errors.New("no market_history data found")

const readerBufferSize = 1 << 20

// Stats summarises a decode pass.
type Stats struct {
	Lines    int64
	Sections int
	Rows     int64
	Dropped  int64
}

type decodeState int

const (
	stateScan decodeState = iota
	stateCopy
	stateCopySkip
	stateInsert
)

// Decode streams r line by line and calls emit for every decoded row. label
// names the source in errors and logs.
func Decode(r io.Reader, label string, emit func(Row)) (Stats, error) {
	var (
		stats   Stats
		state   = stateScan
		columns map[string]int
		br      = bufio.NewReaderSize(r, readerBufferSize)
	)

	emitAll := func(rows []Row, dropped int) {
		for _, row := range rows {
			emit(row)
		}
		stats.Rows += int64(len(rows))
		stats.Dropped += int64(dropped)
		if dropped > 0 {
			logx.Debugf("dump: dropped %d malformed tuple(s) in %s line %d", dropped, label, stats.Lines)
		}
	}

	for {
		raw, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return stats, fmt.Errorf("dump: read %s: %w", label, readErr)
		}
		if raw == "" && readErr == io.EOF {
			break
		}
		stats.Lines++
		line := strings.TrimSuffix(raw, "\n")
		if !utf8.ValidString(line) {
			line = strings.ToValidUTF8(line, "�")
		}

		switch state {
		case stateCopy, stateCopySkip:
			if strings.TrimSuffix(line, "\r") == copyEnd {
				state = stateScan
				break
			}
			if state == stateCopySkip {
				break
			}
			row, ok := rowFromCopy(splitCopyLine(line), columns)
			if !ok {
				stats.Dropped++
				logx.Debugf("dump: dropped copy line %d in %s", stats.Lines, label)
				break
			}
			emit(row)
			stats.Rows++

		case stateInsert:
			stripped := strings.TrimSpace(line)
			if strings.HasPrefix(stripped, "(") {
				emitAll(parseTuples(stripped))
			}
			if strings.HasSuffix(stripped, ";") {
				state = stateScan
			}

		default:
			stripped := strings.TrimSpace(line)
			if stripped == "" || strings.HasPrefix(stripped, "--") {
				break
			}
			if table, cols, ok := parseCopyHeader(stripped); ok {
				if table == TargetTable {
					stats.Sections++
					columns = cols
					state = stateCopy
				} else {
					state = stateCopySkip
				}
				break
			}
			if insertTarget(stripped) {
				stats.Sections++
				if tail := valuesTail(stripped); tail != "" {
					emitAll(parseTuples(tail))
				}
				if !strings.HasSuffix(stripped, ";") {
					state = stateInsert
				}
			}
		}

		if readErr == io.EOF {
			break
		}
	}

	if stats.Sections == 0 {
		return stats, fmt.Errorf("%w in %s", ErrNoDataSection, label)
	}
	return stats, nil
}
