package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/features"
	"CryptoPull/pkg/config"
	"CryptoPull/pkg/util"
)

// SignalAggregator assembles features for one symbol and scores them.
type SignalAggregator struct {
	store     domrepo.FeatureStore
	predictor domsvc.Predictor
	proxy     string
	history   int
	quote     string
	horizon   time.Duration
}

func NewSignalAggregator(store domrepo.FeatureStore, predictor domsvc.Predictor, pc config.PredictionConfig, cc config.CorrelationConfig) *SignalAggregator {
	history := pc.HistoryDays
	if history < features.MinBars {
		history = features.MinBars
	}
	horizon := pc.Horizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &SignalAggregator{
		store: store, predictor: predictor, proxy: util.NormalizeSymbol(cc.MarketProxy),
		history: history, quote: pc.Quote, horizon: horizon,
	}
}

// Features builds the vector from the history ending at asOf.
func (a *SignalAggregator) Features(ctx context.Context, symbol string, asOf time.Time) (models.FeatureVector, error) {
	bars, err := a.store.GetLatestNBars(ctx, symbol, a.history, asOf)
	if err != nil {
		return models.FeatureVector{}, err
	}
	var proxy []models.Bar
	if a.proxy != "" && a.proxy != symbol {
		if proxy, err = a.store.GetLatestNBars(ctx, a.proxy, a.history, asOf); err != nil {
			return models.FeatureVector{}, err
		}
	}
	day := util.DayStart(asOf)
	sent, err := a.store.GetSentiment(ctx, symbol, day.AddDate(0, 0, -7), day)
	if err != nil {
		return models.FeatureVector{}, err
	}
	in := features.Inputs{Symbol: symbol, Bars: bars, Proxy: proxy, Sentiment: sent}
	if len(bars) > 0 {
		// Predictions are anchored on the last closed bar so they can be
		// realized against the bar one horizon later.
		in.AsOf = bars[len(bars)-1].Timestamp
	}
	return features.Extract(in)
}

// Predict scores symbol as of asOf. The prediction is not persisted.
func (a *SignalAggregator) Predict(ctx context.Context, symbol string, asOf time.Time) (models.Prediction, models.FeatureVector, error) {
	fv, err := a.Features(ctx, symbol, asOf)
	if err != nil {
		return models.Prediction{}, fv, err
	}
	out, err := a.predictor.Predict(ctx, fv)
	if err != nil {
		return models.Prediction{}, fv, err
	}
	return models.Prediction{
		ID:              uuid.NewString(),
		Pair:            models.NewPair(symbol, a.quote),
		Horizon:         a.horizon,
		PredictedReturn: out.ExpectedReturn,
		Confidence:      out.Confidence,
		Contributions:   out.Contributions,
		Model:           a.predictor.Name(),
		CreatedAt:       fv.AsOf.UTC(),
	}, fv, nil
}
