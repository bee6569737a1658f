package order

import (
	"context"
	"sync"
)

// PriceBook holds the last traded price per symbol, fed by the live bar
// path. Fallback, when set, answers symbols the live path has not seen.
type PriceBook struct {
	mu       sync.RWMutex
	prices   map[string]float64
	Fallback func(ctx context.Context, symbol string) (float64, error)
}

func NewPriceBook() *PriceBook { return &PriceBook{prices: make(map[string]float64)} }

func (b *PriceBook) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	b.prices[symbol] = price
	b.mu.Unlock()
}

func (b *PriceBook) Price(ctx context.Context, symbol string) (float64, bool) {
	b.mu.RLock()
	p, ok := b.prices[symbol]
	b.mu.RUnlock()
	if ok || b.Fallback == nil {
		return p, ok
	}
	p, err := b.Fallback(ctx, symbol)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}
