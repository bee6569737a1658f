// Package analytics holds the pluggable return predictors.
package analytics

import (
	"context"
	"math"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/features"
)

// Weights resolves tunable coefficients. *config.ParameterStore satisfies it.
type Weights interface {
	GetDefault(key string, def float64) float64
}

// weightKeys maps parameter names to the feature each one scales.
var weightKeys = map[string]string{
	"prediction.weight.momentum":   features.Momentum,
	"prediction.weight.sma_ratio":  features.SMARatio,
	"prediction.weight.rsi":        features.RSI,
	"prediction.weight.sentiment":  features.Sentiment,
	"prediction.weight.corr_proxy": features.CorrProxy,
}

var defaultWeights = map[string]float64{
	"prediction.weight.momentum":   0.4,
	"prediction.weight.sma_ratio":  0.3,
	"prediction.weight.rsi":        -0.2,
	"prediction.weight.sentiment":  0.2,
	"prediction.weight.corr_proxy": 0.1,
}

// LinearPredictor scores a weighted sum of centred features and scales it
// by realized volatility, so the expected return is in return units.
type LinearPredictor struct {
	weights Weights
}

func NewLinearPredictor(w Weights) *LinearPredictor { return &LinearPredictor{weights: w} }

func (p *LinearPredictor) Name() string { return "linear" }

// centred maps each feature onto roughly [-1, 1].
func centred(f models.FeatureVector, name string) float64 {
	v := f.Get(name)
	switch name {
	case features.SMARatio:
		return clamp((v-1)*10, -1, 1)
	case features.RSI:
		return (v - 50) / 50
	case features.Momentum:
		return clamp(v*5, -1, 1)
	default:
		return clamp(v, -1, 1)
	}
}

func (p *LinearPredictor) Predict(_ context.Context, f models.FeatureVector) (domsvc.Prediction, error) {
	if len(f.Values) == 0 {
		return domsvc.Prediction{}, &errs.InsufficientData{What: "features " + f.Symbol, Have: 0, Need: len(features.Names)}
	}
	contrib := make(map[string]float64, len(weightKeys))
	score := 0.0
	for key, feature := range weightKeys {
		w := defaultWeights[key]
		if p.weights != nil {
			w = p.weights.GetDefault(key, w)
		}
		c := w * centred(f, feature)
		contrib[feature] = c
		score += c
	}
	sigma := f.Get(features.RealizedVol)
	if sigma <= 0 {
		sigma = 0.02
	}
	er := score * sigma
	if math.IsNaN(er) || math.IsInf(er, 0) {
		return domsvc.Prediction{}, &errs.NumericError{Op: "linear predict", Reason: "non-finite score"}
	}
	return domsvc.Prediction{
		ExpectedReturn: er,
		Confidence:     math.Tanh(2 * math.Abs(score)),
		Contributions:  contrib,
	}, nil
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

var _ domsvc.Predictor = (*LinearPredictor)(nil)
