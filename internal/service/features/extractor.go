package features

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/stats"
	"CryptoPull/pkg/util"
)

// Feature names, in vector order.
const (
	SMARatio    = "sma_ratio_7_30"
	RSI         = "rsi_14"
	RealizedVol = "realized_vol_20"
	Momentum    = "momentum_10"
	VolumeRatio = "volume_ratio_20"
	CorrProxy   = "corr_proxy_30"
	Sentiment   = "sentiment_7"
	DowSin      = "dow_sin"
	DowCos      = "dow_cos"
	MonthSin    = "month_sin"
	MonthCos    = "month_cos"
)

var Names = []string{SMARatio, RSI, RealizedVol, Momentum, VolumeRatio, CorrProxy, Sentiment, DowSin, DowCos, MonthSin, MonthCos}

// MinBars is the shortest history Extract accepts.
const MinBars = 31

// Inputs for one symbol. Bars and Proxy are daily, sorted oldest first.
type Inputs struct {
	Symbol    string
	AsOf      time.Time
	Bars      []models.Bar
	Proxy     []models.Bar
	Sentiment []models.SentimentDay
}

// ComputeLogReturns computes r_t = ln(C_t / C_{t-1}); non-positive prices
// yield 0. Length is len(bars)-1, or nil with fewer than two bars.
func ComputeLogReturns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility is the sample standard deviation of the last window
// returns scaled by sqrt(barsPerYear); pass 1 for the per-bar figure.
func RealizedVolatility(logReturns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	variance := stat.Variance(logReturns[len(logReturns)-window:], nil)
	return math.Sqrt(variance * barsPerYear)
}

func sma(bars []models.Bar, n int) float64 {
	if len(bars) < n || n <= 0 {
		return 0
	}
	s := 0.0
	for _, b := range bars[len(bars)-n:] {
		s += b.Close
	}
	return s / float64(n)
}

// RSIWilder is the Wilder-smoothed relative strength index.
func RSIWilder(bars []models.Bar, period int) float64 {
	if len(bars) <= period {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := bars[i].Close - bars[i-1].Close
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	for i := period + 1; i < len(bars); i++ {
		d := bars[i].Close - bars[i-1].Close
		g, l := math.Max(d, 0), math.Max(-d, 0)
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// Extract assembles the feature vector as of in.AsOf.
func Extract(in Inputs) (models.FeatureVector, error) {
	bars := in.Bars
	if len(bars) < MinBars {
		return models.FeatureVector{}, &errs.InsufficientData{What: "bars for features " + in.Symbol, Have: len(bars), Need: MinBars}
	}
	last := bars[len(bars)-1]
	asOf := in.AsOf
	if asOf.IsZero() {
		asOf = last.Timestamp
	}
	rets := ComputeLogReturns(bars)

	v := make(map[string]float64, len(Names))
	if s30 := sma(bars, 30); s30 > 0 {
		v[SMARatio] = sma(bars, 7) / s30
	}
	v[RSI] = RSIWilder(bars, 14)
	v[RealizedVol] = RealizedVolatility(rets, 20, 1)
	if prev := bars[len(bars)-11].Close; prev > 0 {
		v[Momentum] = last.Close/prev - 1
	}
	var volSum float64
	for _, b := range bars[len(bars)-20:] {
		volSum += b.Volume
	}
	if volSum > 0 {
		v[VolumeRatio] = last.Volume / (volSum / 20)
	}
	v[CorrProxy] = proxyCorrelation(bars, in.Proxy, 30)
	v[Sentiment] = rollingSentiment(in.Sentiment, asOf, 7)

	dow := float64(asOf.UTC().Weekday())
	month := float64(asOf.UTC().Month() - 1)
	v[DowSin], v[DowCos] = math.Sin(2*math.Pi*dow/7), math.Cos(2*math.Pi*dow/7)
	v[MonthSin], v[MonthCos] = math.Sin(2*math.Pi*month/12), math.Cos(2*math.Pi*month/12)

	return models.FeatureVector{Symbol: in.Symbol, AsOf: asOf, Names: Names, Values: v}, nil
}

// proxyCorrelation aligns the last n common days and correlates log returns.
// Zero variance or too little overlap reads as no correlation.
func proxyCorrelation(bars, proxy []models.Bar, n int) float64 {
	if len(proxy) == 0 {
		return 0
	}
	byDay := make(map[time.Time]float64, len(proxy))
	for _, b := range proxy {
		byDay[util.DayStart(b.Timestamp)] = b.Close
	}
	var xs, ys []float64
	for _, b := range bars {
		if c, ok := byDay[util.DayStart(b.Timestamp)]; ok && c > 0 && b.Close > 0 {
			xs = append(xs, b.Close)
			ys = append(ys, c)
		}
	}
	if len(xs) > n+1 {
		xs, ys = xs[len(xs)-n-1:], ys[len(ys)-n-1:]
	}
	if len(xs) < 4 {
		return 0
	}
	rx := make([]float64, len(xs)-1)
	ry := make([]float64, len(ys)-1)
	for i := 1; i < len(xs); i++ {
		rx[i-1] = math.Log(xs[i] / xs[i-1])
		ry[i-1] = math.Log(ys[i] / ys[i-1])
	}
	r, err := stats.Pearson(rx, ry)
	if err != nil {
		return 0
	}
	return r
}

// rollingSentiment is the article-weighted mean over the days in
// (asOf-days, asOf].
func rollingSentiment(days []models.SentimentDay, asOf time.Time, n int) float64 {
	end := util.DayStart(asOf)
	begin := end.AddDate(0, 0, -n+1)
	var sum, weight float64
	for _, d := range days {
		day := util.DayStart(d.Day)
		if day.Before(begin) || day.After(end) {
			continue
		}
		w := float64(max(d.ArticleCount, 1))
		sum += d.MeanSentiment * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}
