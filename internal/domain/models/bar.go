package models

import (
	"math"
	"time"

	"CryptoPull/internal/domain/errs"
)

// SourceInterpolated marks bars synthesized by remediation rather than
// fetched from a provider.
const SourceInterpolated = "interpolated"

// Bar is one daily OHLCV candle from a single source.
type Bar struct {
	Symbol       string    `json:"symbol"`
	Timestamp    time.Time `json:"timestamp"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	Source       string    `json:"source"`
	QualityScore float64   `json:"quality_score"`
	Interpolated bool      `json:"interpolated"`
	Anomaly      bool      `json:"anomaly"`
}

// Validate enforces the OHLCV invariants. It does not look at neighbours.
func (b Bar) Validate() error {
	switch {
	case b.Symbol == "":
		return &errs.ValidationRejected{Field: "symbol", Reason: "empty"}
	case b.Timestamp.IsZero():
		return &errs.ValidationRejected{Field: "timestamp", Reason: "zero"}
	case b.Source == "":
		return &errs.ValidationRejected{Field: "source", Reason: "empty"}
	}
	for name, v := range map[string]float64{"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close, "volume": b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &errs.ValidationRejected{Field: name, Reason: "not finite"}
		}
	}
	if b.Volume < 0 {
		return &errs.ValidationRejected{Field: "volume", Reason: "negative"}
	}
	if b.Low <= 0 {
		return &errs.ValidationRejected{Field: "low", Reason: "non-positive price"}
	}
	if b.Low > math.Min(b.Open, b.Close) {
		return &errs.ValidationRejected{Field: "low", Reason: "above open/close"}
	}
	if b.High < math.Max(b.Open, b.Close) {
		return &errs.ValidationRejected{Field: "high", Reason: "below open/close"}
	}
	if b.QualityScore < 0 || b.QualityScore > 1 {
		return &errs.ValidationRejected{Field: "quality_score", Reason: "outside [0,1]"}
	}
	return nil
}

// BarKey identifies a stored bar.
type BarKey struct {
	Symbol    string
	Timestamp time.Time
	Source    string
}

func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, Timestamp: b.Timestamp.UTC(), Source: b.Source}
}

// Coverage summarizes what storage holds for one symbol.
type Coverage struct {
	Symbol       string    `json:"symbol"`
	First        time.Time `json:"first"`
	Last         time.Time `json:"last"`
	Bars         int       `json:"bars"`
	Missing      int       `json:"missing"`
	Interpolated int       `json:"interpolated"`
	Anomalies    int       `json:"anomalies"`
	AvgQuality   float64   `json:"avg_quality"`
	Sources      []string  `json:"sources"`
}
