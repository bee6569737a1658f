package quality

import (
	"math"
	"time"

	"CryptoPull/internal/domain/models"
	"CryptoPull/pkg/util"
)

// Interpolate fills interior missing days by linear interpolation of closes
// and volumes between the neighbouring bars. Filled bars carry
// Interpolated=true and models.SourceInterpolated, so they never shadow a
// provider row and a later run can replace them. bars must be sorted and
// unique by day.
func Interpolate(bars []models.Bar) ([]models.Bar, int) {
	if len(bars) < 2 {
		return bars, 0
	}
	out := make([]models.Bar, 0, len(bars))
	filled := 0
	for i, b := range bars {
		if i > 0 {
			prev := bars[i-1]
			gap := int(b.Timestamp.Sub(prev.Timestamp) / util.Day)
			open := prev.Close
			for k := 1; k < gap; k++ {
				w := float64(k) / float64(gap)
				bar := models.Bar{
					Symbol:       b.Symbol,
					Timestamp:    prev.Timestamp.AddDate(0, 0, k),
					Open:         open,
					Close:        lerp(prev.Close, b.Close, w),
					Volume:       lerp(prev.Volume, b.Volume, w),
					Source:       models.SourceInterpolated,
					Interpolated: true,
				}
				bar.High = math.Max(bar.Open, bar.Close)
				bar.Low = math.Min(bar.Open, bar.Close)
				out = append(out, bar)
				open = bar.Close
				filled++
			}
		}
		out = append(out, b)
	}
	return out, filled
}

func lerp(a, b, w float64) float64 { return a + (b-a)*w }

// Capped records the value a capped bar held before remediation.
type Capped struct {
	Index     int
	Timestamp time.Time
	Close     float64
	CappedTo  float64
}

// Cap pulls closes whose log return lies beyond capSigma of the preceding
// window back onto that boundary, in place, and returns what it changed.
// High and low are clipped to the same band around the body.
func Cap(bars []models.Bar, window int, capSigma float64) []Capped {
	var capped []Capped
	for _, i := range Outliers(closes(bars), window, capSigma) {
		mean, sd := meanStd(logReturns(closes(bars[i-window-1 : i])))
		r := math.Log(bars[i].Close / bars[i-1].Close)
		bound := mean + capSigma*sd
		if r < mean {
			bound = mean - capSigma*sd
		}
		b := &bars[i]
		orig := b.Close
		b.Close = bars[i-1].Close * math.Exp(bound)
		top, bottom := math.Max(b.Open, b.Close), math.Min(b.Open, b.Close)
		b.High = math.Min(math.Max(b.High, top), top*math.Exp(capSigma*sd))
		b.Low = math.Max(math.Min(b.Low, bottom), bottom*math.Exp(-capSigma*sd))
		b.Anomaly = true
		capped = append(capped, Capped{Index: i, Timestamp: b.Timestamp, Close: orig, CappedTo: b.Close})
	}
	return capped
}
