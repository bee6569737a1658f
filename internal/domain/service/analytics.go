package service

import (
	"context"

	"CryptoPull/internal/domain/models"
)

// Prediction is a model output for one feature vector.
type Prediction struct {
	ExpectedReturn float64
	Confidence     float64
	Contributions  map[string]float64
}

// Predictor is the pluggable scorer. The core owns feature assembly.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, features models.FeatureVector) (Prediction, error)
}
