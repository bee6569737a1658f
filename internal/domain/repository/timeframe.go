package repository

import "time"

// Interval is a bar resolution.
type Interval string

const (
	Interval1m Interval = "1m"
	Interval1h Interval = "1h"
	Interval1d Interval = "1d"
)

// IsValidInterval returns true if iv is a supported resolution.
func IsValidInterval(iv Interval) bool {
	switch iv {
	case Interval1m, Interval1h, Interval1d:
		return true
	default:
		return false
	}
}

// DefaultInterval is the resolution of the historical store.
func DefaultInterval() Interval { return Interval1d }

// NormalizeInterval converts a raw string to a valid interval (or the default).
func NormalizeInterval(s string) Interval {
	iv := Interval(s)
	if IsValidInterval(iv) {
		return iv
	}
	return DefaultInterval()
}

// Duration is the wall-clock length of one bar.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case Interval1m:
		return time.Minute
	case Interval1h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}
