package util

import (
	"strconv"
	"time"
)

const Day = 24 * time.Hour

// ParseTime accepts RFC3339, YYYY-MM-DD and unix seconds. Results are UTC.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0).UTC(), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns def if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// DayStart truncates t to 00:00 UTC of its day.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween lists every UTC day start in [from, to].
func DaysBetween(from, to time.Time) []time.Time {
	from, to = DayStart(from), DayStart(to)
	if to.Before(from) {
		return nil
	}
	out := make([]time.Time, 0, int(to.Sub(from)/Day)+1)
	for d := from; !d.After(to); d = d.Add(Day) {
		out = append(out, d)
	}
	return out
}

// AlignFromTo rounds the range to the boundaries of the interval.
func AlignFromTo(from, to time.Time, interval string) (time.Time, time.Time) {
	switch interval {
	case "1d":
		return DayStart(from), DayStart(to)
	case "1h":
		return from.UTC().Truncate(time.Hour), to.UTC().Truncate(time.Hour)
	default:
		return from.UTC().Truncate(time.Minute), to.UTC().Truncate(time.Minute)
	}
}
