package varengine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

var start = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// history generates 730 days of correlated normal returns for three assets.
func history(seed uint64) map[string][]models.Bar {
	rng := rand.New(rand.NewPCG(seed, seed))
	prices := map[string]float64{"BTC": 30000, "ETH": 2000, "SOL": 100}
	out := make(map[string][]models.Bar, 3)
	for d := 0; d < 730; d++ {
		z1, z2, z3 := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		rets := map[string]float64{
			"BTC": 0.0005 + 0.03*z1,
			"ETH": 0.0005 + 0.04*(0.8*z1+0.6*z2),
			"SOL": 0.001 + 0.05*z3,
		}
		for sym, r := range rets {
			if d > 0 {
				prices[sym] *= 1 + r
			}
			p := prices[sym]
			out[sym] = append(out[sym], models.Bar{
				Symbol: sym, Timestamp: start.AddDate(0, 0, d),
				Open: p, High: p, Low: p, Close: p, Volume: 1, Source: "test",
			})
		}
	}
	return out
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(DefaultConfig(), nil, nil)
	require.NoError(t, e.Recalibrate(history(7)))
	return e
}

func TestVaRRecalibrationScenario(t *testing.T) {
	e := newEngine(t)
	composition := map[string]float64{"BTC": 50000, "ETH": 30000, "SOL": 20000}

	// analytic 95% one-day VaR of the generating process, as a fraction
	wb, we, ws := 0.5, 0.3, 0.2
	varBTC, varETH, varSOL := 0.03*0.03, 0.04*0.04, 0.05*0.05
	cov := 0.03 * 0.04 * 0.8
	sigma := math.Sqrt(wb*wb*varBTC + we*we*varETH + ws*ws*varSOL + 2*wb*we*cov)
	want := 1.6449 * sigma

	results, err := e.ComputeAll(context.Background(), "main", composition)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, 0.95, r.ConfidenceLevel)
		assert.Equal(t, 1, r.HorizonDays)
		assert.InDelta(t, want, r.ValuePct, want*0.25, "%s", r.Methodology)
		assert.InDelta(t, r.ValuePct*100000, r.Value, 1e-6)
		assert.GreaterOrEqual(t, r.CVaR, r.Value, "%s", r.Methodology)
		assert.LessOrEqual(t, r.Elapsed, Budget, "%s", r.Methodology)
		assert.True(t, r.AccuracyScore >= 0 && r.AccuracyScore <= 1)
		assert.Equal(t, 252, r.Observations)
	}
}

func TestMonteCarloIsDeterministicForSeed(t *testing.T) {
	e := newEngine(t)
	comp := map[string]float64{"BTC": 1, "SOL": 1}
	a, err := e.Compute(context.Background(), "p", comp, models.MonteCarlo)
	require.NoError(t, err)
	b, err := e.Compute(context.Background(), "p", comp, models.MonteCarlo)
	require.NoError(t, err)
	assert.Equal(t, a.Value, b.Value)
	assert.Equal(t, a.CVaR, b.CVaR)
}

func TestFailedRecalibrationKeepsPrevious(t *testing.T) {
	e := newEngine(t)
	before := e.Calibration()

	flat := history(9)
	for i := range flat["SOL"] {
		b := &flat["SOL"][i]
		b.Open, b.High, b.Low, b.Close = 100, 100, 100, 100
	}
	err := e.Recalibrate(flat)
	var ne *errs.NumericError
	require.True(t, errors.As(err, &ne), "got %v", err)
	assert.Same(t, before, e.Calibration())

	short := history(9)
	for sym := range short {
		short[sym] = short[sym][:50]
	}
	err = e.Recalibrate(short)
	var ins *errs.InsufficientData
	require.True(t, errors.As(err, &ins))
	assert.Same(t, before, e.Calibration())
}

func TestUncalibratedSymbol(t *testing.T) {
	e := newEngine(t)
	_, err := e.Compute(context.Background(), "p", map[string]float64{"DOGE": 10}, models.Parametric)
	var ins *errs.InsufficientData
	require.True(t, errors.As(err, &ins))

	_, err = New(DefaultConfig(), nil, nil).Compute(context.Background(), "p", map[string]float64{"BTC": 1}, models.Historical)
	require.True(t, errors.As(err, &ins))
}

func TestKupiec(t *testing.T) {
	lr, p := Kupiec(250, 12, 0.05)
	assert.Less(t, lr, 0.1)
	assert.Greater(t, p, 0.7)

	lr, p = Kupiec(250, 0, 0.05)
	assert.InDelta(t, -2*250*math.Log(0.95), lr, 1e-9)
	assert.Less(t, p, 0.001)

	_, p = Kupiec(250, 30, 0.05)
	assert.Less(t, p, 0.01)
}

func TestAlignIntersectsDays(t *testing.T) {
	h := history(3)
	h["SOL"] = h["SOL"][10:]
	symbols, days, rows := Align(h)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, symbols)
	assert.Len(t, days, 720)
	assert.Equal(t, start.AddDate(0, 0, 10), days[0])
	assert.Len(t, rows[0], 3)
}

func TestCalibratedCorrelation(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	_, ok := e.Correlation("BTC", "ETH")
	assert.False(t, ok)
	require.NoError(t, e.Recalibrate(history(7)))
	r, ok := e.Correlation("BTC", "ETH")
	require.True(t, ok)
	assert.Greater(t, r, 0.0)
	self, _ := e.Correlation("BTC", "BTC")
	assert.InDelta(t, 1.0, self, 1e-9)
	_, ok = e.Correlation("BTC", "DOGE")
	assert.False(t, ok)
}
