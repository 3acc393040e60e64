// Package tsnorm converts timestamp-like text into the canonical
// "YYYY-MM-DD HH:MM:SS" form used for coverage comparisons.
package tsnorm

import (
	"regexp"
	"strings"
	"time"
)

// Layout is the canonical comparable timestamp layout.
const Layout = "2006-01-02 15:04:05"

var (
	dateTimePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)
	bareDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Normalize returns the canonical form of s and true, or "", false when s
// carries no recognisable date. It never fails.
func Normalize(s string) (string, bool) {
	text := strings.TrimSpace(s)
	if text == "" {
		return "", false
	}
	if m := dateTimePattern.FindString(text); m != "" {
		return m, true
	}
	if bareDatePattern.MatchString(text) {
		return text + " 00:00:00", true
	}
	return "", false
}

// Parse normalizes s and parses it as a UTC time.
func Parse(s string) (time.Time, bool) {
	norm, ok := Normalize(s)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(Layout, norm, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Format renders t in the canonical layout.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Date returns the date part (first ten characters) of a timestamp text.
func Date(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return s
	}
	return s[:10]
}

// NotAfter reports whether ts is at or before cutoff. Values that are not
// comparable are never considered covered.
func NotAfter(ts, cutoff string) bool {
	a, ok := Normalize(ts)
	if !ok {
		return false
	}
	b, ok := Normalize(cutoff)
	if !ok {
		return false
	}
	return a <= b
}
