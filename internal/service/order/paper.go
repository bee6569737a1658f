package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
)

const (
	modePaper = "paper"
	modeLive  = "live"

	defaultSlices  = 4
	qtyPrecision   = 8
	pricePrecision = 8
)

var bps = decimal.NewFromInt(10000)

type PaperConfig struct {
	Name        string
	FeeBps      float64
	SlippageBps float64
	// Slices is the child-fill count for twap and vwap orders.
	Slices int
}

type paperOrder struct {
	native    domsvc.NativeOrder
	remaining decimal.Decimal
	slices    int
	triggered bool
}

// PaperExchange simulates a venue against the price book. Market orders
// fill at once, limit and stop orders rest until the price crosses, and
// sliced orders release one child fill per poll.
type PaperExchange struct {
	cfg    PaperConfig
	prices *PriceBook
	now    func() time.Time

	mu     sync.Mutex
	seq    int
	orders map[string]*paperOrder
}

func NewPaperExchange(cfg PaperConfig, prices *PriceBook) *PaperExchange {
	if cfg.Slices <= 0 {
		cfg.Slices = defaultSlices
	}
	if cfg.Name == "" {
		cfg.Name = modePaper
	}
	return &PaperExchange{cfg: cfg, prices: prices, now: time.Now, orders: make(map[string]*paperOrder)}
}

func (p *PaperExchange) Name() string { return p.cfg.Name }
func (p *PaperExchange) Mode() string { return modePaper }

func (p *PaperExchange) Quote(ctx context.Context, symbol string, _ models.Side, _ float64) (models.Quote, error) {
	px, ok := p.prices.Price(ctx, symbol)
	if !ok {
		return models.Quote{}, &errs.InsufficientData{What: "price for " + symbol, Have: 0, Need: 1}
	}
	return models.Quote{Exchange: p.cfg.Name, Price: px, FeeBps: p.cfg.FeeBps, SlippageBps: p.cfg.SlippageBps, Health: 1}, nil
}

func (p *PaperExchange) Translate(o models.Order) (domsvc.NativeOrder, error) {
	n := domsvc.NativeOrder{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          strings.ToUpper(o.Side.String()),
		Type:          strings.ToUpper(o.Type.String()),
		Quantity:      roundQty(o.Quantity),
		Price:         o.LimitPrice,
		StopPrice:     o.StopPrice,
	}
	if o.Type.Sliced() {
		n.Slices = p.cfg.Slices
	}
	if n.Quantity <= 0 {
		return n, &errs.ValidationRejected{Field: "quantity", Reason: "rounds to zero"}
	}
	return n, nil
}

func (p *PaperExchange) Submit(ctx context.Context, n domsvc.NativeOrder) (domsvc.SubmitResult, error) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("%s-%d", p.cfg.Name, p.seq)
	po := &paperOrder{native: n, remaining: decimal.NewFromFloat(n.Quantity), slices: n.Slices}
	p.orders[id] = po
	p.mu.Unlock()

	fills, done, err := p.step(ctx, id, po)
	if err != nil {
		return domsvc.SubmitResult{}, err
	}
	return domsvc.SubmitResult{ExchangeOrderID: id, Fills: fills, Open: !done}, nil
}

func (p *PaperExchange) Cancel(_ context.Context, _, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[exchangeOrderID]; !ok {
		return fmt.Errorf("paper order %s not open", exchangeOrderID)
	}
	delete(p.orders, exchangeOrderID)
	return nil
}

func (p *PaperExchange) Poll(ctx context.Context, _, exchangeOrderID string) ([]models.Fill, bool, error) {
	p.mu.Lock()
	po, ok := p.orders[exchangeOrderID]
	p.mu.Unlock()
	if !ok {
		return nil, true, nil
	}
	return p.step(ctx, exchangeOrderID, po)
}

// step produces whatever fills the order earns at the current price and
// reports whether it is finished.
func (p *PaperExchange) step(ctx context.Context, id string, po *paperOrder) ([]models.Fill, bool, error) {
	n := po.native
	px, ok := p.prices.Price(ctx, n.Symbol)
	if !ok {
		return nil, false, &errs.InsufficientData{What: "price for " + n.Symbol, Have: 0, Need: 1}
	}
	buy := n.Side == "BUY"

	p.mu.Lock()
	defer p.mu.Unlock()
	var qty decimal.Decimal
	switch n.Type {
	case "LIMIT":
		if (buy && px > n.Price) || (!buy && px < n.Price) {
			return nil, false, nil
		}
		qty = po.remaining
		px = n.Price
	case "STOP":
		if !po.triggered {
			if (buy && px < n.StopPrice) || (!buy && px > n.StopPrice) {
				return nil, false, nil
			}
			po.triggered = true
		}
		qty = po.remaining
	case "TWAP", "VWAP":
		if po.slices <= 1 {
			qty = po.remaining
		} else {
			qty = po.remaining.Div(decimal.NewFromInt(int64(po.slices))).Truncate(qtyPrecision)
			po.slices--
		}
	default:
		qty = po.remaining
	}

	price := decimal.NewFromFloat(px)
	if n.Type != "LIMIT" {
		slip := decimal.NewFromFloat(p.cfg.SlippageBps).Div(bps)
		if buy {
			price = price.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = price.Mul(decimal.NewFromInt(1).Sub(slip))
		}
	}
	price = price.Round(pricePrecision)
	fee := qty.Mul(price).Mul(decimal.NewFromFloat(p.cfg.FeeBps)).Div(bps)
	po.remaining = po.remaining.Sub(qty)
	done := !po.remaining.IsPositive()
	if done {
		delete(p.orders, id)
	}
	if qty.IsZero() {
		return nil, done, nil
	}
	return []models.Fill{{
		ExchangeOrderID: id,
		Quantity:        qty.InexactFloat64(),
		Price:           price.InexactFloat64(),
		Fee:             fee.InexactFloat64(),
		At:              p.now().UTC(),
	}}, done, nil
}

// roundQty truncates to the venue lot precision.
func roundQty(q float64) float64 {
	return decimal.NewFromFloat(q).Truncate(qtyPrecision).InexactFloat64()
}

var _ domsvc.Exchange = (*PaperExchange)(nil)
