package util

import (
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime reads the timestamp shapes the market catalog emits: RFC 3339,
// space-separated SQL style (UTC when no zone is given), a bare date, or epoch
// seconds or milliseconds.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	switch {
	case err != nil || n <= 0:
		return time.Time{}, false
	case n >= 1e12:
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Unix(n, 0).UTC(), true
	}
}

// UnixMilli converts epoch milliseconds to UTC time. Zero or negative yields the zero time.
func UnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// WindowStart floors t to the start of its window of the given length.
func WindowStart(t time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return t
	}
	return t.UTC().Truncate(window)
}

// MinutesUntil returns the fractional minutes from now until end, never negative.
func MinutesUntil(now, end time.Time) float64 {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}
