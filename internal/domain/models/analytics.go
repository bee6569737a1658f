package models

import "time"

// CorrelationRecord is one pairwise correlation over a window. AssetA <= AssetB.
// Significance and the interval refer to the Pearson coefficient.
type CorrelationRecord struct {
	AssetA      string    `json:"asset_a"`
	AssetB      string    `json:"asset_b"`
	WindowDays  int       `json:"window_days"`
	Coefficient float64   `json:"coefficient"` // Pearson
	Spearman    float64   `json:"spearman"`
	PValue      float64   `json:"p_value"`
	CILow       float64   `json:"ci_low"`
	CIHigh      float64   `json:"ci_high"`
	SampleSize  int       `json:"sample_size"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Canonical swaps the assets into lexicographic order.
func (r CorrelationRecord) Canonical() CorrelationRecord {
	if r.AssetB < r.AssetA {
		r.AssetA, r.AssetB = r.AssetB, r.AssetA
	}
	return r
}

// TRSStatus classifies predicted-vs-realized correlation.
type TRSStatus int

const (
	TRSUnknown TRSStatus = iota
	TRSCompliant
	TRSWarning
	TRSCritical
)

func (s TRSStatus) String() string {
	switch s {
	case TRSCompliant:
		return "compliant"
	case TRSWarning:
		return "warning"
	case TRSCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s TRSStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TRSWindow is the compliance reading for one rolling window.
type TRSWindow struct {
	WindowDays  int       `json:"window_days"`
	Coefficient float64   `json:"coefficient"`
	PValue      float64   `json:"p_value"`
	CILow       float64   `json:"ci_low"`
	CIHigh      float64   `json:"ci_high"`
	SampleSize  int       `json:"sample_size"`
	Stability   float64   `json:"stability"`
	Status      TRSStatus `json:"status"`
	Emergency   bool      `json:"emergency"`
	Violations  int       `json:"consecutive_violations"`
	Note        string    `json:"note,omitempty"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// Methodology is a VaR computation method.
type Methodology int

const (
	Parametric Methodology = iota
	Historical
	MonteCarlo
	CornishFisher
)

var AllMethodologies = []Methodology{Parametric, Historical, MonteCarlo, CornishFisher}

func (m Methodology) String() string {
	switch m {
	case Parametric:
		return "parametric"
	case Historical:
		return "historical"
	case MonteCarlo:
		return "monte_carlo"
	case CornishFisher:
		return "cornish_fisher"
	default:
		return "unknown"
	}
}

func (m Methodology) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func ParseMethodology(s string) (Methodology, bool) {
	for _, m := range AllMethodologies {
		if m.String() == s {
			return m, true
		}
	}
	return 0, false
}

// VaRResult is one VaR estimate; Composition is the portfolio snapshot it used.
type VaRResult struct {
	PortfolioID     string             `json:"portfolio_id"`
	Methodology     Methodology        `json:"methodology"`
	HorizonDays     int                `json:"horizon_days"`
	ConfidenceLevel float64            `json:"confidence_level"`
	Value           float64            `json:"value"`
	ValuePct        float64            `json:"value_pct"`
	CVaR            float64            `json:"cvar"`
	AccuracyScore   float64            `json:"accuracy_score"`
	Breaches        int                `json:"breaches"`
	Observations    int                `json:"observations"`
	Composition     map[string]float64 `json:"composition"`
	PortfolioValue  float64            `json:"portfolio_value"`
	Elapsed         time.Duration      `json:"elapsed"`
	ComputedAt      time.Time          `json:"computed_at"`
}

// Backtest is the Kupiec proportion-of-failures result for one methodology.
type Backtest struct {
	Methodology  Methodology `json:"methodology"`
	Observations int         `json:"observations"`
	Breaches     int         `json:"breaches"`
	Expected     float64     `json:"expected"`
	LR           float64     `json:"lr"`
	PValue       float64     `json:"p_value"`
}
