package models

import "time"

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type BreakerSnapshot struct {
	Host         string       `json:"host"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	Requests     int          `json:"requests"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	LastProbeAt  *time.Time   `json:"last_probe_at,omitempty"`
}

type RateWindowStatus struct {
	Provider       string    `json:"provider"`
	PerSecondUsed  int       `json:"per_second_used"`
	PerSecondLimit int       `json:"per_second_limit"`
	PerMinuteUsed  int       `json:"per_minute_used"`
	PerMinuteLimit int       `json:"per_minute_limit"`
	DailyUsed      int       `json:"daily_used"`
	DailyQuota     int       `json:"daily_quota"`
	ResetAt        time.Time `json:"reset_at"`
}

// HostHealth is what the transport knows about one upstream host.
type HostHealth struct {
	Host                string        `json:"host"`
	Score               float64       `json:"score"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         time.Time     `json:"last_failure"`
	AvgLatency          time.Duration `json:"avg_latency"`
}

// CacheStats reports content cache effectiveness.
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	DedupBytes    int64   `json:"dedup_bytes_saved"`
	Evictions     int64   `json:"evictions"`
	Entries       int64   `json:"entries"`
	UniqueBlobs   int64   `json:"unique_blobs"`
	BytesOnDisk   int64   `json:"bytes_on_disk"`
	ChecksumFails int64   `json:"checksum_failures"`
}
