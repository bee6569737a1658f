package repository

import (
	"context"
	"time"

	"CryptoPull/internal/domain/models"
)

// FeatureStore provides read-only access to the inputs of feature assembly.
type FeatureStore interface {
	GetBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
	GetLatestNBars(ctx context.Context, symbol string, n int, asOf time.Time) ([]models.Bar, error)
	GetSentiment(ctx context.Context, symbol string, from, to time.Time) ([]models.SentimentDay, error)
}
