// Package quality scores batches of bars, flags anomalies and applies the
// two automatic remediations: interior gap interpolation and outlier capping.
package quality

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"CryptoPull/internal/domain/models"
	"CryptoPull/pkg/util"
)

// Config holds the tunables; zero values fall back to the defaults.
type Config struct {
	OutlierSigma  float64
	CapSigma      float64
	RollingWindow int
	Threshold     float64
}

func DefaultConfig() Config {
	return Config{OutlierSigma: 3, CapSigma: 5, RollingWindow: 20, Threshold: 0.8}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OutlierSigma <= 0 {
		c.OutlierSigma = d.OutlierSigma
	}
	if c.CapSigma <= 0 {
		c.CapSigma = d.CapSigma
	}
	if c.RollingWindow < 2 {
		c.RollingWindow = d.RollingWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	return c
}

// Assessment is the outcome of scoring one symbol's batch.
type Assessment struct {
	Expected     int
	Present      int
	Valid        int
	Outliers     []int // indices into the sorted batch
	Duplicates   int
	NonMonotonic int
	Completeness float64
	Accuracy     float64
	Score        float64
}

// Score is 0.4·completeness + 0.4·accuracy + 0.2·(1 − outlier ratio), clamped.
func Score(completeness, accuracy, outlierRatio float64) float64 {
	q := 0.4*completeness + 0.4*accuracy + 0.2*(1-outlierRatio)
	return math.Max(0, math.Min(1, q))
}

// Assess scores bars (one symbol) against the day span [from, to]. A zero
// span uses the first and last bar. bars are not modified.
func Assess(cfg Config, bars []models.Bar, from, to time.Time) Assessment {
	cfg = cfg.withDefaults()
	var a Assessment
	if len(bars) == 0 {
		return a
	}
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Timestamp.Equal(bars[i-1].Timestamp):
			a.Duplicates++
		case bars[i].Timestamp.Before(bars[i-1].Timestamp):
			a.NonMonotonic++
		}
	}

	sorted := sortedUnique(bars)
	if from.IsZero() {
		from = sorted[0].Timestamp
	}
	if to.IsZero() {
		to = sorted[len(sorted)-1].Timestamp
	}
	a.Expected = len(util.DaysBetween(from, to))
	for _, b := range sorted {
		if complete(b) {
			a.Present++
		}
		if b.Validate() == nil {
			a.Valid++
		}
	}
	if a.Expected > 0 {
		a.Completeness = math.Min(1, float64(a.Present)/float64(a.Expected))
	}
	a.Accuracy = float64(a.Valid) / float64(len(sorted))
	a.Outliers = Outliers(closes(sorted), cfg.RollingWindow, cfg.OutlierSigma)
	a.Score = Score(a.Completeness, a.Accuracy, float64(len(a.Outliers))/float64(len(sorted)))
	return a
}

// complete: every field present and finite.
func complete(b models.Bar) bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return !math.IsNaN(b.Volume) && !b.Timestamp.IsZero()
}

// Outliers flags index i when log return r(i-1→i) is more than sigma standard
// deviations from the mean of the preceding window returns.
func Outliers(closes []float64, window int, sigma float64) []int {
	rets := logReturns(closes)
	var out []int
	for i := window; i < len(rets); i++ {
		mean, sd := meanStd(rets[i-window : i])
		if sd == 0 || math.IsNaN(rets[i]) {
			continue
		}
		if math.Abs(rets[i]-mean) > sigma*sd {
			out = append(out, i+1)
		}
	}
	return out
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			out[i-1] = math.NaN()
			continue
		}
		out[i-1] = math.Log(closes[i] / closes[i-1])
	}
	return out
}

// meanStd skips NaN entries; fewer than two values give a zero deviation.
func meanStd(xs []float64) (float64, float64) {
	clean := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			clean = append(clean, x)
		}
	}
	switch len(clean) {
	case 0:
		return 0, 0
	case 1:
		return clean[0], 0
	}
	return stat.MeanStdDev(clean, nil)
}

func closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// sortedUnique copies bars sorted by time, keeping the first of duplicates.
func sortedUnique(bars []models.Bar) []models.Bar {
	out := append([]models.Bar(nil), bars...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	n := 0
	for i := range out {
		if n > 0 && out[i].Timestamp.Equal(out[n-1].Timestamp) {
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}
