package usecase

import (
	"context"
	"fmt"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/pkg/util"
)

// BarsUseCase serves stored daily bars.
type BarsUseCase struct {
	store domrepo.FeatureStore
}

func NewBarsUseCase(store domrepo.FeatureStore) *BarsUseCase {
	return &BarsUseCase{store: store}
}

type GetBarsParams struct {
	Symbol   string
	From     time.Time
	To       time.Time
	Interval domrepo.Interval
	Limit    int
}

type GetBarsResult struct {
	Symbol   string       `json:"symbol"`
	Interval string       `json:"interval"`
	From     time.Time    `json:"from"`
	To       time.Time    `json:"to"`
	Count    int          `json:"count"`
	Bars     []models.Bar `json:"bars"`
}

func (uc *BarsUseCase) GetBars(ctx context.Context, p GetBarsParams) (*GetBarsResult, error) {
	p.Symbol = util.NormalizeSymbol(p.Symbol)
	if p.Symbol == "" {
		return nil, &errs.ValidationRejected{Field: "symbol", Reason: "empty"}
	}
	if p.From.After(p.To) {
		return nil, &errs.ValidationRejected{Field: "from", Reason: "after to"}
	}
	// Only daily bars are stored.
	if p.Interval != domrepo.Interval1d {
		p.Interval = domrepo.DefaultInterval()
	}
	p.From, p.To = util.AlignFromTo(p.From, p.To, string(p.Interval))
	if p.Limit <= 0 {
		p.Limit = 5000
	}
	if p.Limit > 20000 {
		p.Limit = 20000
	}

	bars, err := uc.store.GetBars(ctx, p.Symbol, p.From, p.To)
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	if len(bars) > p.Limit {
		bars = bars[len(bars)-p.Limit:]
	}

	return &GetBarsResult{
		Symbol:   p.Symbol,
		Interval: string(p.Interval),
		From:     p.From,
		To:       p.To,
		Count:    len(bars),
		Bars:     bars,
	}, nil
}
