package service

import (
	"context"

	"CryptoPull/internal/domain/models"
)

// NativeOrder is an order translated into a venue's vocabulary.
type NativeOrder struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	StopPrice     float64
	Slices        int
}

// SubmitResult is the venue acknowledgement plus any immediate fills.
type SubmitResult struct {
	ExchangeOrderID string
	Fills           []models.Fill
	Open            bool // resting on the book after immediate fills
}

// Exchange is one trading venue.
type Exchange interface {
	Name() string
	Mode() string // paper or live
	Quote(ctx context.Context, symbol string, side models.Side, qty float64) (models.Quote, error)
	Translate(o models.Order) (NativeOrder, error)
	Submit(ctx context.Context, o NativeOrder) (SubmitResult, error)
	Cancel(ctx context.Context, symbol, exchangeOrderID string) error
	// Poll reports fills that arrived since the last call for a resting order.
	Poll(ctx context.Context, symbol, exchangeOrderID string) ([]models.Fill, bool, error)
}
