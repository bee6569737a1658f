package risk

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"CryptoPull/internal/domain/models"
)

const qtyEpsilon = 1e-12

// Ledger is the copy-on-write position book. Writers serialize on mu and
// publish a fresh snapshot; readers only load the pointer.
type Ledger struct {
	mu   sync.Mutex
	snap atomic.Pointer[models.PortfolioSnapshot]
	now  func() time.Time
}

func NewLedger(cash float64, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	l := &Ledger{now: now}
	s := &models.PortfolioSnapshot{Cash: cash, Equity: cash, Positions: map[string]models.Position{}, TakenAt: now()}
	l.snap.Store(s)
	return l
}

// Snapshot is immutable; callers must not modify its map.
func (l *Ledger) Snapshot() models.PortfolioSnapshot { return *l.snap.Load() }

// Restore replaces the book with positions loaded from the journal.
func (l *Ledger) Restore(initialEquity float64, positions []models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cash := initialEquity
	book := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		cash += p.RealizedPnL - p.Quantity*p.AvgPrice
		book[p.Symbol] = p
	}
	l.publish(cash, book, l.snap.Load())
}

// Apply books one execution and returns the delta with its realized PnL.
func (l *Ledger) Apply(d models.PositionDelta) (models.PositionDelta, models.PortfolioSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snap.Load()
	book := clone(cur.Positions)

	p := book[d.Symbol]
	p.Symbol = d.Symbol
	realized := -d.Fee
	switch {
	case p.Quantity == 0 || sameSign(p.Quantity, d.Quantity):
		total := math.Abs(p.Quantity) + math.Abs(d.Quantity)
		if total > 0 {
			p.AvgPrice = (math.Abs(p.Quantity)*p.AvgPrice + math.Abs(d.Quantity)*d.Price) / total
		}
		if p.Quantity == 0 {
			p.OpenedAt = d.At
		}
		p.Quantity += d.Quantity
	default:
		closed := math.Min(math.Abs(d.Quantity), math.Abs(p.Quantity))
		realized += closed * (d.Price - p.AvgPrice) * math.Copysign(1, p.Quantity)
		prev := p.Quantity
		p.Quantity += d.Quantity
		switch {
		case math.Abs(p.Quantity) < qtyEpsilon:
			p.Quantity = 0
		case !sameSign(prev, p.Quantity):
			p.AvgPrice = d.Price
			p.OpenedAt = d.At
		}
	}
	p.RealizedPnL += realized
	p.MarkPrice = d.Price
	p.UpdatedAt = d.At
	p.UnrealizedPnL = p.Quantity * (p.MarkPrice - p.AvgPrice)
	book[d.Symbol] = p

	d.RealizedPnL = realized
	cash := cur.Cash - d.Quantity*d.Price - d.Fee
	return d, *l.publish(cash, book, cur)
}

// Mark revalues symbol at price. Unknown symbols are ignored.
func (l *Ledger) Mark(symbol string, price float64) bool {
	if price <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snap.Load()
	p, ok := cur.Positions[symbol]
	if !ok {
		return false
	}
	book := clone(cur.Positions)
	p.MarkPrice = price
	p.UnrealizedPnL = p.Quantity * (price - p.AvgPrice)
	p.UpdatedAt = l.now()
	book[symbol] = p
	l.publish(cur.Cash, book, cur)
	return true
}

// publish derives totals and swaps the snapshot. Callers hold mu.
func (l *Ledger) publish(cash float64, book map[string]models.Position, prev *models.PortfolioSnapshot) *models.PortfolioSnapshot {
	s := &models.PortfolioSnapshot{Cash: cash, Positions: book, TakenAt: l.now()}
	if prev != nil {
		s.Version = prev.Version + 1
	}
	equity := cash
	for _, p := range book {
		s.RealizedPnL += p.RealizedPnL
		if !p.Open() {
			continue
		}
		mark := p.MarkPrice
		if mark == 0 {
			mark = p.AvgPrice
		}
		equity += p.Quantity * mark
		s.GrossExposure += p.Notional()
		s.UnrealizedPnL += p.UnrealizedPnL
	}
	s.Equity = equity
	l.snap.Store(s)
	return s
}

func clone(in map[string]models.Position) map[string]models.Position {
	out := make(map[string]models.Position, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameSign(a, b float64) bool { return (a >= 0) == (b >= 0) }

// sortedPositions lists every position by symbol.
func sortedPositions(s models.PortfolioSnapshot) []models.Position {
	out := make([]models.Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
