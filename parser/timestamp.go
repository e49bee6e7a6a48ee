package parser

import (
	"regexp"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05"

// DefaultTimestamp is used for entries without an updated element.
var DefaultTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Feeds mix "+02:00", "Z" and fractional seconds; only second precision and
// the wall clock are kept.
var offsetSuffix = regexp.MustCompile(`(\.[0-9]+)?([+-][0-9]{2}:?[0-9]{2}|Z)?$`)

// ParseTimestamp normalises an Atom updated value into a timezone-naive wall
// clock stored as UTC. Values that still fail to parse yield DefaultTimestamp.
func ParseTimestamp(raw string) time.Time {
	ts, ok := NormalizeTimestamp(raw)
	if !ok {
		return DefaultTimestamp
	}
	return ts
}

// NormalizeTimestamp is ParseTimestamp with an explicit success flag.
func NormalizeTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	trimmed := offsetSuffix.ReplaceAllString(raw, "")
	ts, err := time.ParseInLocation(timestampLayout, trimmed, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// FormatTimestamp renders a timestamp the way rows display it.
func FormatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format("2006-01-02 15:04:05")
}
