package models

import (
	"strings"
	"time"
)

// Pair is an ordered instrument such as "BTC/USDT".
type Pair string

func NewPair(base, quote string) Pair {
	return Pair(strings.ToUpper(base) + "/" + strings.ToUpper(quote))
}

func (p Pair) Base() string {
	if i := strings.IndexByte(string(p), '/'); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}

func (p Pair) Quote() string {
	if i := strings.IndexByte(string(p), '/'); i >= 0 {
		return string(p[i+1:])
	}
	return ""
}

// FeatureVector is an ordered set of named features.
type FeatureVector struct {
	Symbol string             `json:"symbol"`
	AsOf   time.Time          `json:"as_of"`
	Names  []string           `json:"names"`
	Values map[string]float64 `json:"values"`
}

func (f FeatureVector) Get(name string) float64 { return f.Values[name] }

// Prediction records a model output. Realized fields are set exactly once.
type Prediction struct {
	ID              string             `json:"id"`
	Pair            Pair               `json:"pair"`
	Horizon         time.Duration      `json:"horizon"`
	PredictedReturn float64            `json:"predicted_return"`
	Confidence      float64            `json:"confidence"`
	Contributions   map[string]float64 `json:"feature_contributions"`
	Model           string             `json:"model"`
	CreatedAt       time.Time          `json:"created_at"`
	RealizedReturn  *float64           `json:"realized_return,omitempty"`
	RealizedAt      *time.Time         `json:"realized_at,omitempty"`
}

func (p Prediction) Due() time.Time { return p.CreatedAt.Add(p.Horizon) }

func (p Prediction) Realized() bool { return p.RealizedReturn != nil }

// RankedSignal is a prediction after risk adjustment and ranking.
type RankedSignal struct {
	Prediction  Prediction `json:"prediction"`
	Rank        int        `json:"rank"`
	Score       float64    `json:"score"`
	Sigma       float64    `json:"sigma"`
	CorrPenalty float64    `json:"correlation_penalty"`
	VolPenalty  float64    `json:"volatility_penalty"`
	Recommended bool       `json:"recommended"`
}
