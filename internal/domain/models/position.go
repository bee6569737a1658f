package models

import "time"

// Position is the authoritative holding in one symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avg_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p Position) Open() bool { return p.Quantity != 0 }

// Notional is the absolute marked value of the position.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.AvgPrice
	}
	v := p.Quantity * price
	if v < 0 {
		return -v
	}
	return v
}

// PositionDelta is the change one execution applies to the book.
type PositionDelta struct {
	ExecutionID string    `json:"execution_id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	At          time.Time `json:"at"`
}

// PortfolioSnapshot is an immutable view of the book.
type PortfolioSnapshot struct {
	Version       uint64              `json:"version"`
	Equity        float64             `json:"equity"`
	Cash          float64             `json:"cash"`
	GrossExposure float64             `json:"gross_exposure"`
	RealizedPnL   float64             `json:"realized_pnl"`
	UnrealizedPnL float64             `json:"unrealized_pnl"`
	Positions     map[string]Position `json:"positions"`
	TakenAt       time.Time           `json:"taken_at"`
}

// Weights returns signed notional weights of each open position over equity.
func (s PortfolioSnapshot) Weights() map[string]float64 {
	out := make(map[string]float64, len(s.Positions))
	if s.Equity <= 0 {
		return out
	}
	for sym, p := range s.Positions {
		if !p.Open() {
			continue
		}
		price := p.MarkPrice
		if price == 0 {
			price = p.AvgPrice
		}
		out[sym] = p.Quantity * price / s.Equity
	}
	return out
}

func (s PortfolioSnapshot) OpenCount() int {
	n := 0
	for _, p := range s.Positions {
		if p.Open() {
			n++
		}
	}
	return n
}
