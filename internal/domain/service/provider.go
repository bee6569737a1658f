package service

import (
	"context"
	"time"

	"CryptoPull/internal/domain/models"
)

// Capability is one thing a provider can do.
type Capability int

const (
	CapMarketBars Capability = iota
	CapSentiment
)

func (c Capability) String() string {
	if c == CapSentiment {
		return "sentiment"
	}
	return "market_bars"
}

// ProviderHealth is a provider's self-reported state.
type ProviderHealth struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Score     float64       `json:"score"`
	Breaker   string        `json:"breaker"`
	LastError string        `json:"last_error,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Provider is the identity part every adapter implements.
type Provider interface {
	Name() string
	Priority() int
	Capabilities() []Capability
	Health(ctx context.Context) ProviderHealth
	QuotaStatus() models.RateWindowStatus
}

// MarketDataProvider fetches canonical daily bars.
type MarketDataProvider interface {
	Provider
	FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
	EarliestAvailable(ctx context.Context, symbol string) (time.Time, error)
	LatestAvailable(ctx context.Context, symbol string) (time.Time, error)
}

// SentimentProvider fetches scored articles.
type SentimentProvider interface {
	Provider
	FetchArticles(ctx context.Context, symbol string, from, to time.Time) ([]models.Article, error)
}
