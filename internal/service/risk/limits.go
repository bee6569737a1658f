package risk

import (
	"math"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/pkg/config"
)

// Rule names reported in violations.
const (
	RulePosition      = "position_pct"
	RuleExposure      = "gross_exposure_pct"
	RuleOpenPositions = "open_positions"
	RuleVaR           = "var_pct"
	RuleConcentration = "concentration"
	RuleCorrelation   = "correlated_exposure"
)

// minConcentrationBook is the smallest book the concentration rule applies
// to; below it the per-position limit already bounds the largest holding.
const minConcentrationBook = 3

// unknownCorrelation is assumed for pairs without calibrated history.
const unknownCorrelation = 0.5

type Limits struct {
	MaxPositionPct   float64
	MaxExposurePct   float64
	MaxOpenPositions int
	MaxVaRPct        float64
	MaxConcentration float64
	CorrelationLimit float64
	SoftRatio        float64
	BreachRatio      float64
	CriticalRatio    float64
}

func LimitsFromConfig(c config.RiskConfig) Limits {
	return Limits{
		MaxPositionPct:   c.MaxPositionPct,
		MaxExposurePct:   c.MaxExposurePct,
		MaxOpenPositions: c.MaxOpenPositions,
		MaxVaRPct:        c.MaxVaRPct,
		MaxConcentration: c.MaxConcentration,
		CorrelationLimit: c.CorrelationLimit,
		SoftRatio:        c.SoftRatio,
		BreachRatio:      c.BreachRatio,
		CriticalRatio:    c.CriticalRatio,
	}
}

// Check is one evaluated rule.
type Check struct {
	Rule     string        `json:"rule"`
	Value    float64       `json:"value"`
	Limit    float64       `json:"limit"`
	Ratio    float64       `json:"ratio"`
	Severity errs.Severity `json:"severity"`
}

func (c Check) Violation() *errs.RiskViolation {
	return &errs.RiskViolation{Severity: c.Severity, Rule: c.Rule, Value: c.Value, Limit: c.Limit}
}

// Severity maps value/limit onto the escalation ladder.
func (l Limits) Severity(value, limit float64) (float64, errs.Severity) {
	if limit <= 0 {
		return 0, errs.SeverityNone
	}
	r := value / limit
	switch {
	case r > l.CriticalRatio:
		return r, errs.SeverityCritical
	case r > l.BreachRatio:
		return r, errs.SeverityBreach
	case r > 1:
		return r, errs.SeverityHard
	case r > l.SoftRatio:
		return r, errs.SeveritySoft
	default:
		return r, errs.SeverityNone
	}
}

func (l Limits) check(rule string, value, limit float64) Check {
	r, s := l.Severity(value, limit)
	return Check{Rule: rule, Value: value, Limit: limit, Ratio: r, Severity: s}
}

// CorrelationSource answers pairwise return correlations.
type CorrelationSource interface {
	Correlation(a, b string) (float64, bool)
}

// Evaluate checks book against every rule except VaR. focus, when not
// empty, is the symbol whose position and correlation are assessed; an
// empty focus assesses the largest holding.
func (l Limits) Evaluate(book models.PortfolioSnapshot, focus string, corr CorrelationSource) []Check {
	equity := book.Equity
	if equity <= 0 {
		equity = math.SmallestNonzeroFloat64
	}
	open := 0
	var gross, largest float64
	largestSym := ""
	for sym, p := range book.Positions {
		if !p.Open() {
			continue
		}
		open++
		n := p.Notional()
		gross += n
		if n > largest || (n == largest && sym < largestSym) {
			largest, largestSym = n, sym
		}
	}
	if focus == "" {
		focus = largestSym
	}
	focusPos := book.Positions[focus]

	checks := []Check{
		l.check(RulePosition, focusPos.Notional()/equity, l.MaxPositionPct),
		l.check(RuleExposure, gross/equity, l.MaxExposurePct),
		l.check(RuleOpenPositions, float64(open), float64(l.MaxOpenPositions)),
	}
	if open >= minConcentrationBook && gross > 0 {
		checks = append(checks, l.check(RuleConcentration, largest/gross, l.MaxConcentration))
	}
	if focusPos.Open() {
		checks = append(checks, l.check(RuleCorrelation, correlatedExposure(book, focus, equity, corr), l.CorrelationLimit))
	}
	return checks
}

// correlatedExposure is the focus position's own weight plus every other
// open weight scaled by its positive correlation with the focus.
func correlatedExposure(book models.PortfolioSnapshot, focus string, equity float64, corr CorrelationSource) float64 {
	total := book.Positions[focus].Notional() / equity
	for sym, p := range book.Positions {
		if sym == focus || !p.Open() {
			continue
		}
		rho := unknownCorrelation
		if corr != nil {
			if r, ok := corr.Correlation(focus, sym); ok {
				rho = r
			}
		}
		if rho > 0 {
			total += rho * p.Notional() / equity
		}
	}
	return total
}

// Worst returns the most severe check, preferring the first on ties.
func Worst(checks []Check) (Check, bool) {
	var worst Check
	found := false
	for _, c := range checks {
		if c.Severity > worst.Severity || !found {
			worst, found = c, true
		}
	}
	return worst, found && worst.Severity > errs.SeverityNone
}

// composition maps symbols to signed notional.
func composition(book models.PortfolioSnapshot) map[string]float64 {
	out := make(map[string]float64, len(book.Positions))
	for sym, p := range book.Positions {
		if !p.Open() {
			continue
		}
		out[sym] = math.Copysign(p.Notional(), p.Quantity)
	}
	return out
}
