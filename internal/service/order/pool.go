package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
)

const (
	healthAlpha = 0.2
	// healthPenaltyBps is charged per unit of missing health when ranking venues.
	healthPenaltyBps = 100
)

var ErrNoExchange = errors.New("no healthy exchange can take the order")

// ConnConfig tunes one venue connection.
type ConnConfig struct {
	OrdersPerSecond float64
	Burst           int
	QueueSize       int
}

// Conn wraps a venue with its health score, throttle and submission queue.
type Conn struct {
	Exchange domsvc.Exchange
	limiter  *rate.Limiter
	queue    chan *job

	mu          sync.Mutex
	successEWMA float64
	latencyEWMA float64 // seconds
	lastErr     string
}

func newConn(ex domsvc.Exchange, cfg ConnConfig) *Conn {
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, cfg.OrdersPerSecond))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Conn{
		Exchange:    ex,
		limiter:     rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.Burst),
		queue:       make(chan *job, cfg.QueueSize),
		successEWMA: 1,
	}
}

func (c *Conn) Name() string { return c.Exchange.Name() }

// Health is the success EWMA scaled down by average latency.
func (c *Conn) Health() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successEWMA / (1 + c.latencyEWMA)
}

func (c *Conn) observe(ok bool, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := 0.0
	if ok {
		v = 1
	}
	c.successEWMA = healthAlpha*v + (1-healthAlpha)*c.successEWMA
	c.latencyEWMA = healthAlpha*latency.Seconds() + (1-healthAlpha)*c.latencyEWMA
	if err != nil {
		c.lastErr = err.Error()
	}
}

// ConnStatus is the operator view of one venue.
type ConnStatus struct {
	Name      string  `json:"name"`
	Mode      string  `json:"mode"`
	Health    float64 `json:"health"`
	Healthy   bool    `json:"healthy"`
	Queued    int     `json:"queued"`
	LastError string  `json:"last_error,omitempty"`
}

// Pool holds every configured venue. Unhealthy venues are skipped for
// routing but stay reachable by name for cancellations.
type Pool struct {
	floor float64
	conns map[string]*Conn
	names []string
}

func NewPool(floor float64) *Pool {
	if floor <= 0 {
		floor = 0.5
	}
	return &Pool{floor: floor, conns: make(map[string]*Conn)}
}

func (p *Pool) Add(ex domsvc.Exchange, cfg ConnConfig) *Conn {
	c := newConn(ex, cfg)
	if _, dup := p.conns[ex.Name()]; !dup {
		p.names = append(p.names, ex.Name())
		sort.Strings(p.names)
	}
	p.conns[ex.Name()] = c
	return c
}

func (p *Pool) Get(name string) (*Conn, bool) {
	c, ok := p.conns[name]
	return c, ok
}

func (p *Pool) All() []*Conn {
	out := make([]*Conn, 0, len(p.names))
	for _, n := range p.names {
		out = append(out, p.conns[n])
	}
	return out
}

func (p *Pool) Status() []ConnStatus {
	out := make([]ConnStatus, 0, len(p.names))
	for _, c := range p.All() {
		h := c.Health()
		c.mu.Lock()
		last := c.lastErr
		c.mu.Unlock()
		out = append(out, ConnStatus{Name: c.Name(), Mode: c.Exchange.Mode(), Health: h, Healthy: h >= p.floor, Queued: len(c.queue), LastError: last})
	}
	return out
}

// Route is the venue chosen for an order.
type Route struct {
	Conn    *Conn
	Quote   models.Quote
	Native  domsvc.NativeOrder
	CostBps float64
}

// Select quotes every healthy venue in mode and picks the lowest composite
// cost: price versus the best quote, plus fee and slippage, plus a health
// penalty. Ties go to the lexicographically first venue.
func (p *Pool) Select(ctx context.Context, o models.Order, mode string) (Route, error) {
	var routes []Route
	var errs []error
	for _, c := range p.All() {
		if c.Exchange.Mode() != mode {
			continue
		}
		h := c.Health()
		if h < p.floor {
			errs = append(errs, fmt.Errorf("%s: health %.2f below floor", c.Name(), h))
			continue
		}
		native, err := c.Exchange.Translate(o)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		q, err := c.Exchange.Quote(ctx, o.Symbol, o.Side, o.Quantity)
		if err != nil {
			c.observe(false, 0, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		q.Health = h
		routes = append(routes, Route{Conn: c, Quote: q, Native: native})
	}
	if len(routes) == 0 {
		errs = append([]error{ErrNoExchange}, errs...)
		return Route{}, errors.Join(errs...)
	}

	ref := routes[0].Quote.Price
	for _, r := range routes[1:] {
		if (o.Side == models.Buy && r.Quote.Price < ref) || (o.Side == models.Sell && r.Quote.Price > ref) {
			ref = r.Quote.Price
		}
	}
	for i := range routes {
		q := routes[i].Quote
		routes[i].CostBps = o.Side.Sign()*(q.Price/ref-1)*1e4 + q.FeeBps + q.SlippageBps + (1-q.Health)*healthPenaltyBps
	}
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].CostBps != routes[j].CostBps {
			return routes[i].CostBps < routes[j].CostBps
		}
		return routes[i].Conn.Name() < routes[j].Conn.Name()
	})
	return routes[0], nil
}
