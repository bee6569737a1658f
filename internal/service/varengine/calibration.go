// Package varengine estimates portfolio Value at Risk with four
// methodologies over an atomically swapped calibration.
package varengine

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

// Calibration is immutable once built.
type Calibration struct {
	Symbols []string
	index   map[string]int
	// Returns holds aligned simple daily returns, one row per day, oldest
	// first, one column per symbol.
	Returns [][]float64
	Days    []time.Time
	// Mean, Cov and chol cover the trailing lookback window only.
	Mean     []float64
	Cov      *mat.SymDense
	chol     *mat.TriDense
	Lookback int
	At       time.Time
}

// Align intersects the days every symbol has a bar for and returns the
// close matrix (rows = days). Symbols are sorted.
func Align(series map[string][]models.Bar) ([]string, []time.Time, [][]float64) {
	symbols := make([]string, 0, len(series))
	for s := range series {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	if len(symbols) == 0 {
		return nil, nil, nil
	}

	count := make(map[time.Time]int)
	closes := make([]map[time.Time]float64, len(symbols))
	for i, s := range symbols {
		closes[i] = make(map[time.Time]float64, len(series[s]))
		for _, b := range series[s] {
			if b.Close <= 0 {
				continue
			}
			if _, dup := closes[i][b.Timestamp]; !dup {
				count[b.Timestamp]++
			}
			closes[i][b.Timestamp] = b.Close
		}
	}
	var days []time.Time
	for d, n := range count {
		if n == len(symbols) {
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	rows := make([][]float64, len(days))
	for r, d := range days {
		rows[r] = make([]float64, len(symbols))
		for c := range symbols {
			rows[r][c] = closes[c][d]
		}
	}
	return symbols, days, rows
}

// Build computes returns, moments and the Cholesky factor. It returns
// InsufficientData when the lookback holds fewer than minObs returns and
// NumericError when the covariance is not positive definite.
func Build(series map[string][]models.Bar, lookback, minObs int, at time.Time) (*Calibration, error) {
	symbols, days, closes := Align(series)
	if len(symbols) == 0 {
		return nil, &errs.InsufficientData{What: "calibration symbols", Have: 0, Need: 1}
	}
	if len(closes) < 2 {
		return nil, &errs.InsufficientData{What: "aligned days", Have: len(closes), Need: minObs + 1}
	}
	returns := make([][]float64, len(closes)-1)
	for r := 1; r < len(closes); r++ {
		returns[r-1] = make([]float64, len(symbols))
		for c := range symbols {
			returns[r-1][c] = closes[r][c]/closes[r-1][c] - 1
		}
	}
	n := min(lookback, len(returns))
	if lookback <= 0 {
		n = len(returns)
	}
	if n < minObs {
		return nil, &errs.InsufficientData{What: "return observations", Have: n, Need: minObs}
	}
	mean, cov, chol, err := moments(returns[len(returns)-n:], len(symbols))
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		idx[s] = i
	}
	return &Calibration{
		Symbols: symbols, index: idx, Returns: returns, Days: days[1:],
		Mean: mean, Cov: cov, chol: chol, Lookback: n, At: at,
	}, nil
}

func moments(rows [][]float64, k int) ([]float64, *mat.SymDense, *mat.TriDense, error) {
	data := make([]float64, 0, len(rows)*k)
	for _, r := range rows {
		data = append(data, r...)
	}
	x := mat.NewDense(len(rows), k, data)
	mean := make([]float64, k)
	col := make([]float64, len(rows))
	for c := 0; c < k; c++ {
		mat.Col(col, c, x)
		mean[c] = stat.Mean(col, nil)
	}
	cov := mat.NewSymDense(k, nil)
	stat.CovarianceMatrix(cov, x, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			if v := cov.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, nil, &errs.NumericError{Op: "covariance", Reason: "non-finite entry"}
			}
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, nil, nil, &errs.NumericError{Op: "cholesky", Reason: "covariance not positive definite"}
	}
	var l mat.TriDense
	chol.LTo(&l)
	return mean, cov, &l, nil
}

// window returns the trailing lookback rows.
func (c *Calibration) window() [][]float64 { return c.Returns[len(c.Returns)-c.Lookback:] }

// weights maps a composition onto calibration columns.
func (c *Calibration) weights(composition map[string]float64) ([]float64, float64, error) {
	w := make([]float64, len(c.Symbols))
	var total float64
	for _, v := range composition {
		total += math.Abs(v)
	}
	if total <= 0 {
		return nil, 0, &errs.InsufficientData{What: "portfolio value", Have: 0, Need: 1}
	}
	for sym, v := range composition {
		i, ok := c.index[sym]
		if !ok {
			return nil, 0, &errs.InsufficientData{What: "calibrated history for " + sym, Have: 0, Need: c.Lookback}
		}
		w[i] = v / total
	}
	return w, total, nil
}

// portfolioReturns projects rows onto weights.
func portfolioReturns(rows [][]float64, w []float64) []float64 {
	out := make([]float64, len(rows))
	for r, row := range rows {
		var s float64
		for i, x := range row {
			s += w[i] * x
		}
		out[r] = s
	}
	return out
}

// Correlation reads the pairwise correlation from the covariance matrix.
func (c *Calibration) Correlation(a, b string) (float64, bool) {
	i, ok := c.index[a]
	if !ok {
		return 0, false
	}
	j, ok := c.index[b]
	if !ok {
		return 0, false
	}
	den := math.Sqrt(c.Cov.At(i, i) * c.Cov.At(j, j))
	if den == 0 {
		return 0, false
	}
	return c.Cov.At(i, j) / den, true
}
