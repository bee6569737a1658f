package stats

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

func TestPearsonMatchesTwoPassFormula(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	y := []float64{2.1, 3.9, 6.2, 7.8, 10.1, 12.2, 13.8, 16.1}

	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(len(x))
	my /= float64(len(y))
	var sxy, sxx, syy float64
	for i := range x {
		sxy += (x[i] - mx) * (y[i] - my)
		sxx += (x[i] - mx) * (x[i] - mx)
		syy += (y[i] - my) * (y[i] - my)
	}
	want := sxy / math.Sqrt(sxx*syy)

	got, err := Pearson(x, y)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestZeroVarianceIsInsufficientData(t *testing.T) {
	_, err := Pearson([]float64{1, 2, 3, 4}, []float64{5, 5, 5, 5})
	var ins *errs.InsufficientData
	require.True(t, errors.As(err, &ins))

	_, err = Correlate([]float64{1, 2}, []float64{1, 2})
	require.True(t, errors.As(err, &ins))
}

func TestSpearmanIsRankBased(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6}
	y := []float64{1, 8, 27, 64, 125, 216}
	s, err := Spearman(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-12)
	p, _ := Pearson(x, y)
	assert.Less(t, p, 1.0)
}

func TestRanksAverageTies(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, Ranks([]float64{10, 20, 20, 30}))
}

func TestPValue(t *testing.T) {
	// r=0.5, n=30: t = 0.5*sqrt(28/0.75) ≈ 3.055, two-sided p ≈ 0.0049
	assert.InDelta(t, 0.0049, PValue(0.5, 30), 0.0003)
	assert.Equal(t, 1.0, PValue(0.9, 2))
	p := PValue(0.01, 10)
	assert.True(t, p > 0.9 && p <= 1)
}

func TestFisherCIBracketsCoefficient(t *testing.T) {
	lo, hi := FisherCI(0.6, 50, 0.95)
	assert.Less(t, lo, 0.6)
	assert.Greater(t, hi, 0.6)
	assert.InDelta(t, 0.39, lo, 0.01)
	assert.InDelta(t, 0.75, hi, 0.01)
}

func TestRollingAndStability(t *testing.T) {
	x := make([]float64, 40)
	y := make([]float64, 40)
	for i := range x {
		x[i] = float64(i)
		y[i] = 2*float64(i) + math.Sin(float64(i))
	}
	r := Rolling(x, y, 10)
	require.Len(t, r, 31)
	for _, v := range r {
		assert.True(t, v >= -1 && v <= 1)
	}
	assert.Greater(t, Stability(r), 0.0)
	assert.Equal(t, 0.0, Stability([]float64{0.9}))
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, models.TRSCompliant, Classify(0.90, 0.001, th))
	assert.Equal(t, models.TRSWarning, Classify(0.90, 0.2, th))
	assert.Equal(t, models.TRSWarning, Classify(0.82, 0.001, th))
	assert.Equal(t, models.TRSWarning, Classify(0.77, 0.001, th))
	assert.Equal(t, models.TRSCritical, Classify(0.70, 0.001, th))
}
