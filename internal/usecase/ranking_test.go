package usecase

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/models"
)

func cand(base string, er, conf, sigma float64) Candidate {
	return Candidate{
		Prediction: models.Prediction{Pair: models.NewPair(base, "USDT"), PredictedReturn: er, Confidence: conf},
		Sigma:      sigma,
	}
}

func pairs(sigs []models.RankedSignal) []models.Pair {
	out := make([]models.Pair, len(sigs))
	for i, s := range sigs {
		out[i] = s.Prediction.Pair
	}
	return out
}

func TestScore(t *testing.T) {
	w := RankWeights{Lambda: 0.5, Mu: 0.1}
	c := cand("BTC", 0.02, 0.7, 0.04)
	c.CorrPenalty, c.VolPenalty = 0.6, 0.8
	assert.InDelta(t, 0.5-0.3-0.08, Score(c, w), 1e-12)

	flat := cand("ETH", 0.02, 0.7, 0)
	assert.Zero(t, Score(flat, RankWeights{}))
}

func TestRankTieBreaks(t *testing.T) {
	w := RankWeights{Threshold: 0.6}
	got := Rank([]Candidate{
		cand("SOL", 0.01, 0.5, 0.02), // score 0.5
		cand("ETH", 0.02, 0.7, 0.02), // score 1.0
		cand("BTC", 0.02, 0.7, 0.02), // ties ETH on score and confidence
		cand("ADA", 0.02, 0.9, 0.02), // same score, higher confidence
	}, w)

	require.Len(t, got, 4)
	assert.Equal(t, []models.Pair{"ADA/USDT", "BTC/USDT", "ETH/USDT", "SOL/USDT"}, pairs(got))
	for i, s := range got {
		assert.Equal(t, i+1, s.Rank)
	}
	assert.True(t, got[0].Recommended)
	assert.False(t, got[3].Recommended)
}

func TestRankSinksNonFiniteScores(t *testing.T) {
	bad := cand("XRP", math.NaN(), 0.9, 0.02)
	got := Rank([]Candidate{bad, cand("BTC", -0.05, 0.1, 0.02)}, RankWeights{})
	assert.Equal(t, models.Pair("BTC/USDT"), got[0].Prediction.Pair)
	assert.True(t, math.IsInf(got[1].Score, -1))
}

type staticCorr map[[2]string]float64

func (s staticCorr) Correlation(a, b string) (float64, bool) {
	if r, ok := s[[2]string{a, b}]; ok {
		return r, true
	}
	r, ok := s[[2]string{b, a}]
	return r, ok
}

func TestCorrelationPenalty(t *testing.T) {
	corr := staticCorr{{"BTC", "ETH"}: 0.8, {"BTC", "SOL"}: -0.4}
	book := map[string]float64{"ETH": 3000, "SOL": -1000, "BTC": 5000}

	// (0.8·3000 + 0·1000) / 4000
	assert.InDelta(t, 0.6, correlationPenalty("BTC", book, corr), 1e-12)
	assert.InDelta(t, 0.5, correlationPenalty("ADA", map[string]float64{"ETH": 100}, corr), 1e-12)
	assert.Zero(t, correlationPenalty("BTC", map[string]float64{"BTC": 1}, corr))
	assert.InDelta(t, 0.02*math.Sqrt(365), volatilityPenalty(0.02), 1e-12)
}
