package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func trend(n int, step float64) []models.Bar {
	out := make([]models.Bar, n)
	for i := range out {
		c := 100 + step*float64(i)
		out[i] = models.Bar{Symbol: "BTC", Timestamp: t0.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 10, Source: "t"}
	}
	return out
}

func TestComputeLogReturns(t *testing.T) {
	bars := trend(3, 10)
	r := ComputeLogReturns(bars)
	require.Len(t, r, 2)
	assert.InDelta(t, math.Log(110.0/100), r[0], 1e-12)
	assert.Nil(t, ComputeLogReturns(bars[:1]))
}

func TestRealizedVolatilityFlatIsZero(t *testing.T) {
	assert.Equal(t, 0.0, RealizedVolatility(make([]float64, 30), 20, 365))
	assert.Equal(t, 0.0, RealizedVolatility([]float64{0.1}, 20, 1))
}

func TestRSIExtremes(t *testing.T) {
	assert.Equal(t, 100.0, RSIWilder(trend(30, 1), 14))
	assert.Equal(t, 0.0, RSIWilder(trend(30, -1), 14))
	assert.Equal(t, 50.0, RSIWilder(trend(30, 0), 14))
}

func TestExtractFeatureVector(t *testing.T) {
	bars := trend(40, 1)
	bars[39].Volume = 20
	sent := []models.SentimentDay{
		{Day: t0.AddDate(0, 0, 39), MeanSentiment: 0.5, ArticleCount: 3},
		{Day: t0.AddDate(0, 0, 35), MeanSentiment: -0.5, ArticleCount: 1},
		{Day: t0.AddDate(0, 0, 10), MeanSentiment: -1, ArticleCount: 50},
	}
	fv, err := Extract(Inputs{Symbol: "BTC", Bars: bars, Proxy: bars, Sentiment: sent})
	require.NoError(t, err)
	assert.Equal(t, Names, fv.Names)
	assert.Equal(t, bars[39].Timestamp, fv.AsOf)
	assert.Greater(t, fv.Get(SMARatio), 1.0)
	assert.Equal(t, 100.0, fv.Get(RSI))
	assert.InDelta(t, 139.0/129-1, fv.Get(Momentum), 1e-12)
	assert.InDelta(t, 20/10.5, fv.Get(VolumeRatio), 1e-12)
	assert.InDelta(t, 1.0, fv.Get(CorrProxy), 1e-9)
	assert.InDelta(t, 0.25, fv.Get(Sentiment), 1e-12)
	assert.InDelta(t, 1.0, fv.Get(DowSin)*fv.Get(DowSin)+fv.Get(DowCos)*fv.Get(DowCos), 1e-12)
}

func TestExtractNeedsHistory(t *testing.T) {
	_, err := Extract(Inputs{Symbol: "BTC", Bars: trend(10, 1)})
	var ins *errs.InsufficientData
	require.True(t, errors.As(err, &ins))
	assert.Equal(t, MinBars, ins.Need)
}
