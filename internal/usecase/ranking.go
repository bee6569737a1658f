package usecase

import (
	"math"
	"sort"

	"CryptoPull/internal/domain/models"
)

// Candidate is a prediction with the risk terms the ranker needs.
type Candidate struct {
	Prediction  models.Prediction
	Sigma       float64 // daily return volatility
	CorrPenalty float64
	VolPenalty  float64
}

type RankWeights struct {
	Lambda    float64
	Mu        float64
	Threshold float64
}

// Score is expected_return/σ − λ·correlation − μ·volatility. A zero σ
// contributes nothing from the return term.
func Score(c Candidate, w RankWeights) float64 {
	s := 0.0
	if c.Sigma > 0 {
		s = c.Prediction.PredictedReturn / c.Sigma
	}
	return s - w.Lambda*c.CorrPenalty - w.Mu*c.VolPenalty
}

// Rank orders candidates by score descending; ties go to higher confidence,
// then the lexicographically smaller pair.
func Rank(cands []Candidate, w RankWeights) []models.RankedSignal {
	out := make([]models.RankedSignal, len(cands))
	for i, c := range cands {
		s := Score(c, w)
		if math.IsNaN(s) || math.IsInf(s, 0) {
			s = math.Inf(-1)
		}
		out[i] = models.RankedSignal{
			Prediction:  c.Prediction,
			Score:       s,
			Sigma:       c.Sigma,
			CorrPenalty: c.CorrPenalty,
			VolPenalty:  c.VolPenalty,
			Recommended: c.Prediction.Confidence >= w.Threshold,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Prediction.Confidence != b.Prediction.Confidence {
			return a.Prediction.Confidence > b.Prediction.Confidence
		}
		return a.Prediction.Pair < b.Prediction.Pair
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// CorrelationLookup answers pairwise correlations from the active calibration.
type CorrelationLookup interface {
	Correlation(a, b string) (float64, bool)
}

// correlationPenalty is the notional-weighted positive correlation of symbol
// against the open book. Unknown pairs count as 0.5.
func correlationPenalty(symbol string, book map[string]float64, corr CorrelationLookup) float64 {
	var num, den float64
	for sym, n := range book {
		if sym == symbol || n == 0 {
			continue
		}
		rho := 0.5
		if corr != nil {
			if r, ok := corr.Correlation(symbol, sym); ok {
				rho = r
			}
		}
		w := math.Abs(n)
		num += math.Max(0, rho) * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// volatilityPenalty annualizes a daily volatility.
func volatilityPenalty(sigma float64) float64 {
	return sigma * math.Sqrt(365)
}
