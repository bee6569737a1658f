// Package stats holds the correlation primitives shared by the calibration
// engine and the TRS monitor.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

// Accumulator is a Welford-style online accumulator for the co-moments of
// two series. The zero value is ready to use.
type Accumulator struct {
	n            float64
	meanX, meanY float64
	m2X, m2Y     float64
	cXY          float64
}

func (a *Accumulator) Add(x, y float64) {
	a.n++
	dx := x - a.meanX
	a.meanX += dx / a.n
	dy := y - a.meanY
	a.meanY += dy / a.n
	a.m2X += dx * (x - a.meanX)
	a.m2Y += dy * (y - a.meanY)
	a.cXY += dx * (y - a.meanY)
}

func (a *Accumulator) N() int { return int(a.n) }

// Correlation returns the Pearson coefficient, or InsufficientData when
// fewer than three points were added or either series has zero variance.
func (a *Accumulator) Correlation() (float64, error) {
	if a.n < 3 {
		return 0, &errs.InsufficientData{What: "correlation sample", Have: int(a.n), Need: 3}
	}
	if a.m2X <= 0 || a.m2Y <= 0 {
		return 0, &errs.InsufficientData{What: "variance (constant series)", Have: int(a.n), Need: int(a.n)}
	}
	r := a.cXY / math.Sqrt(a.m2X*a.m2Y)
	return math.Max(-1, math.Min(1, r)), nil
}

// Covariance is the sample covariance.
func (a *Accumulator) Covariance() float64 {
	if a.n < 2 {
		return 0
	}
	return a.cXY / (a.n - 1)
}

// Result is a coefficient with its significance and 95% interval.
type Result struct {
	Pearson  float64
	Spearman float64
	PValue   float64
	CILow    float64
	CIHigh   float64
	N        int
}

// Pearson computes the coefficient of x and y (equal lengths).
func Pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, &errs.ValidationRejected{Field: "series", Reason: "length mismatch"}
	}
	var a Accumulator
	for i := range x {
		a.Add(x[i], y[i])
	}
	return a.Correlation()
}

// Spearman is Pearson on average ranks.
func Spearman(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, &errs.ValidationRejected{Field: "series", Reason: "length mismatch"}
	}
	return Pearson(Ranks(x), Ranks(y))
}

// Ranks assigns 1-based ranks, averaging ties.
func Ranks(xs []float64) []float64 {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
	ranks := make([]float64, len(xs))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// PValue is the two-sided p-value of r under H0: ρ=0, using the Student t
// transform with n−2 degrees of freedom.
func PValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	return math.Max(0, math.Min(1, p))
}

// FisherCI is the confidence interval of r via the Fisher z-transform at the
// given two-sided level (0.95 for a 95% interval).
func FisherCI(r float64, n int, level float64) (lo, hi float64) {
	if n <= 3 {
		return -1, 1
	}
	r = math.Max(-0.999999, math.Min(0.999999, r))
	z := math.Atanh(r)
	se := 1 / math.Sqrt(float64(n-3))
	q := distuv.UnitNormal.Quantile(1 - (1-level)/2)
	return math.Tanh(z - q*se), math.Tanh(z + q*se)
}

// Correlate computes Pearson with significance plus Spearman.
func Correlate(x, y []float64) (Result, error) {
	p, err := Pearson(x, y)
	if err != nil {
		return Result{}, err
	}
	s, err := Spearman(x, y)
	if err != nil {
		return Result{}, err
	}
	lo, hi := FisherCI(p, len(x), 0.95)
	return Result{Pearson: p, Spearman: s, PValue: PValue(p, len(x)), CILow: lo, CIHigh: hi, N: len(x)}, nil
}

// Rolling returns the Pearson coefficient of every full window; windows
// with zero variance are skipped.
func Rolling(x, y []float64, window int) []float64 {
	if window < 3 || len(x) != len(y) || len(x) < window {
		return nil
	}
	out := make([]float64, 0, len(x)-window+1)
	for i := window; i <= len(x); i++ {
		if r, err := Pearson(x[i-window:i], y[i-window:i]); err == nil {
			out = append(out, r)
		}
	}
	return out
}

// Stability is the sample standard deviation of rolling coefficients.
func Stability(rolling []float64) float64 {
	var a Accumulator
	for _, r := range rolling {
		a.Add(r, r)
	}
	if a.n < 2 {
		return 0
	}
	return math.Sqrt(a.m2X / (a.n - 1))
}

// Thresholds are the TRS classification boundaries.
type Thresholds struct {
	Target       float64 // compliant at or above, when significant
	Warning      float64
	Critical     float64 // critical below
	Significance float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Target: 0.85, Warning: 0.80, Critical: 0.75, Significance: 0.05}
}

// Classify maps a coefficient and p-value onto a TRS status. A coefficient
// at or above target that is not significant is only a warning; everything
// between the critical threshold and the target is a warning.
func Classify(r, p float64, th Thresholds) models.TRSStatus {
	switch {
	case r >= th.Target && p < th.Significance:
		return models.TRSCompliant
	case r < th.Critical:
		return models.TRSCritical
	default:
		return models.TRSWarning
	}
}
