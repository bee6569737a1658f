// Package order routes orders to venues. Every order passes the risk
// manager before it is queued on the chosen venue's submission loop, and
// fills flow back into the ledger through the risk manager only.
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/risk"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
	"CryptoPull/pkg/util"
)

const (
	fillEpsilon    = 1e-9
	retainTerminal = 24 * time.Hour
)

var ErrTradingDisabled = errors.New("trading is disabled")

// RiskGate is the part of *risk.Manager the order flow depends on.
type RiskGate interface {
	PreTrade(ctx context.Context, p risk.Proposal) (risk.Decision, error)
	ApplyFill(ctx context.Context, d models.PositionDelta) (models.PositionDelta, models.PortfolioSnapshot, error)
	EmergencyActive() bool
	EmergencyDone() <-chan struct{}
	Snapshot() models.PortfolioSnapshot
}

// Request is a caller's order intent.
type Request struct {
	Symbol       string
	Side         models.Side
	Type         models.OrderType
	Quantity     float64
	LimitPrice   float64
	StopPrice    float64
	PredictionID string
	Reason       string
	ReduceOnly   bool
}

func (r Request) validate() error {
	switch {
	case util.NormalizeSymbol(r.Symbol) == "":
		return &errs.ValidationRejected{Field: "symbol", Reason: "empty"}
	case r.Quantity <= 0 || math.IsNaN(r.Quantity) || math.IsInf(r.Quantity, 0):
		return &errs.ValidationRejected{Field: "quantity", Reason: "must be positive"}
	case r.Type == models.Limit && r.LimitPrice <= 0:
		return &errs.ValidationRejected{Field: "limit_price", Reason: "required for limit orders"}
	case r.Type == models.Stop && r.StopPrice <= 0:
		return &errs.ValidationRejected{Field: "stop_price", Reason: "required for stop orders"}
	}
	return nil
}

type entry struct {
	mu       sync.Mutex
	order    models.Order
	conn     *Conn
	expected float64
}

type job struct {
	entry      *entry
	route      Route
	reduceOnly bool
	done       chan struct{}
}

type Manager struct {
	cfg     config.OrdersConfig
	pool    *Pool
	risk    RiskGate
	repo    repository.OrderRepository
	pub     repository.EventPublisher
	lgr     *applogger.Logger
	metrics repository.Metrics
	now     func() time.Time

	trading atomic.Bool
	modeMu  sync.RWMutex
	mode    string

	mu      sync.RWMutex
	entries map[string]*entry

	pollInterval time.Duration
}

type Option func(*Manager)

func WithRepository(r repository.OrderRepository) Option { return func(m *Manager) { m.repo = r } }
func WithPublisher(p repository.EventPublisher) Option   { return func(m *Manager) { m.pub = p } }
func WithPollInterval(d time.Duration) Option            { return func(m *Manager) { m.pollInterval = d } }
func WithClock(now func() time.Time) Option              { return func(m *Manager) { m.now = now } }

func NewManager(cfg config.OrdersConfig, pool *Pool, gate RiskGate, l *applogger.Logger, mt repository.Metrics, opts ...Option) *Manager {
	if l == nil {
		l = applogger.NewNop()
	}
	if mt == nil {
		mt = metrics.Nop{}
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = modePaper
	}
	m := &Manager{
		cfg:          cfg,
		pool:         pool,
		risk:         gate,
		lgr:          l.Component("orders"),
		metrics:      mt,
		now:          time.Now,
		mode:         cfg.Mode,
		entries:      make(map[string]*entry),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.trading.Store(cfg.TradingEnabled)
	return m
}

func (m *Manager) Trading() bool { return m.trading.Load() }

func (m *Manager) SetTrading(on bool) {
	if m.trading.Swap(on) != on {
		m.lgr.Warn("trading toggled", applogger.Bool("enabled", on))
	}
}

func (m *Manager) Mode() string {
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()
	return m.mode
}

// SetMode switches between paper and live venues. It refuses while orders
// are open or when no venue serves the new mode.
func (m *Manager) SetMode(mode string) error {
	if mode != modePaper && mode != modeLive {
		return &errs.ValidationRejected{Field: "mode", Reason: "must be paper or live"}
	}
	found := false
	for _, c := range m.pool.All() {
		if c.Exchange.Mode() == mode {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no %s exchange configured", mode)
	}
	if n := len(m.open()); n > 0 {
		return &errs.StateError{Entity: "mode", From: m.Mode(), To: mode + fmt.Sprintf(" (%d open orders)", n)}
	}
	m.modeMu.Lock()
	m.mode = mode
	m.modeMu.Unlock()
	m.lgr.Warn("trading mode changed", applogger.String("mode", mode))
	return nil
}

func (m *Manager) Pool() *Pool { return m.pool }

// Restore reloads open orders so they can be polled and cancelled.
func (m *Manager) Restore(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	open, err := m.repo.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range open {
		e := &entry{order: o, expected: o.AvgFillPrice}
		if c, ok := m.pool.Get(o.Exchange); ok {
			e.conn = c
		}
		m.entries[o.ID] = e
	}
	return nil
}

// Run starts one submission loop per venue plus the fill poller and
// blocks until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.pool.All() {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			m.submitLoop(ctx, c)
		}(c)
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			m.pollOpen(ctx)
			m.prune(retainTerminal)
		}
	}
}

// Submit validates, risk-checks and routes one order. It returns when the
// venue acknowledged (or refused) it, when ctx ends, or when an emergency
// stop fires.
func (m *Manager) Submit(ctx context.Context, req Request) (models.Order, error) {
	if err := req.validate(); err != nil {
		return models.Order{}, err
	}
	if !req.ReduceOnly && !m.trading.Load() {
		return models.Order{}, ErrTradingDisabled
	}
	if m.risk.EmergencyActive() && !req.ReduceOnly {
		return models.Order{}, &errs.EmergencyStopActive{}
	}

	e := &entry{order: models.Order{
		ID:           uuid.NewString(),
		Symbol:       util.NormalizeSymbol(req.Symbol),
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		Status:       models.StatusNew,
		Reason:       req.Reason,
		PredictionID: req.PredictionID,
		SubmittedAt:  m.now().UTC(),
	}}
	m.mu.Lock()
	m.entries[e.order.ID] = e
	m.mu.Unlock()
	m.save(ctx, e.order)

	route, err := m.pool.Select(ctx, e.order, m.Mode())
	if err != nil {
		return m.reject(ctx, e, err)
	}
	price := route.Quote.Price
	if req.Type == models.Limit {
		price = req.LimitPrice
	}
	if _, err := m.risk.PreTrade(ctx, risk.Proposal{
		OrderID: e.order.ID, Symbol: e.order.Symbol, Side: req.Side, Quantity: req.Quantity, Price: price, ReduceOnly: req.ReduceOnly,
	}); err != nil {
		return m.reject(ctx, e, err)
	}

	e.mu.Lock()
	e.conn, e.expected = route.Conn, route.Quote.Price
	e.order.Exchange = route.Conn.Name()
	e.mu.Unlock()

	j := &job{entry: e, route: route, reduceOnly: req.ReduceOnly, done: make(chan struct{})}
	select {
	case route.Conn.queue <- j:
	default:
		return m.reject(ctx, e, fmt.Errorf("%s submission queue full", route.Conn.Name()))
	}

	var emergency <-chan struct{}
	if !req.ReduceOnly {
		emergency = m.risk.EmergencyDone()
	}
	select {
	case <-j.done:
		o := e.snapshot()
		if o.Status == models.StatusRejected {
			return o, fmt.Errorf("order %s rejected: %s", o.ID, o.Reason)
		}
		return o, nil
	case <-emergency:
		return e.snapshot(), &errs.EmergencyStopActive{}
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
}

func (m *Manager) reject(ctx context.Context, e *entry, cause error) (models.Order, error) {
	e.mu.Lock()
	m.transition(ctx, e, models.StatusRejected, cause.Error())
	o := e.order
	e.mu.Unlock()
	m.lgr.Warn("order rejected", applogger.String("order_id", o.ID), applogger.String("symbol", o.Symbol), applogger.Error(cause))
	return o, cause
}

// submitLoop drains one venue's queue under its rate limiter.
func (m *Manager) submitLoop(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-c.queue:
					m.abandon(context.Background(), j, "shutdown")
				default:
					return
				}
			}
		case j := <-c.queue:
			m.process(ctx, c, j)
		}
	}
}

func (m *Manager) abandon(ctx context.Context, j *job, reason string) {
	e := j.entry
	e.mu.Lock()
	if e.order.Status == models.StatusNew {
		m.transition(ctx, e, models.StatusCancelled, reason)
	}
	e.mu.Unlock()
	close(j.done)
}

func (m *Manager) process(ctx context.Context, c *Conn, j *job) {
	e := j.entry
	if m.risk.EmergencyActive() && !j.reduceOnly {
		m.abandon(ctx, j, "emergency stop")
		return
	}
	wctx := ctx
	if !j.reduceOnly {
		var cancel context.CancelFunc
		wctx, cancel = withSignal(ctx, m.risk.EmergencyDone())
		defer cancel()
	}
	if err := c.limiter.Wait(wctx); err != nil {
		m.abandon(ctx, j, "throttle wait: "+err.Error())
		return
	}

	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		close(j.done)
	}()
	if e.order.Status != models.StatusNew {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()
	start := m.now()
	res, err := c.Exchange.Submit(sctx, j.route.Native)
	latency := m.now().Sub(start)
	c.observe(err == nil, latency, err)
	if err != nil {
		m.metrics.RecordError(errs.CodeOf(err))
		m.transition(ctx, e, models.StatusRejected, "venue: "+err.Error())
		return
	}
	e.order.ExchangeOrderID = res.ExchangeOrderID
	m.transition(ctx, e, models.StatusRouted, "")
	m.reconcile(ctx, e, res.Fills, !res.Open, latency)
}

// reconcile books fills through the risk manager and advances the order.
// Callers hold e.mu.
func (m *Manager) reconcile(ctx context.Context, e *entry, fills []models.Fill, venueDone bool, latency time.Duration) {
	o := &e.order
	for _, f := range fills {
		qty := math.Min(f.Quantity, o.Remaining())
		if qty <= fillEpsilon {
			continue
		}
		slip := 0.0
		if e.expected > 0 {
			slip = o.Side.Sign() * (f.Price/e.expected - 1) * 1e4
		}
		exec := models.Execution{
			ID: uuid.NewString(), OrderID: o.ID, Exchange: o.Exchange, Symbol: o.Symbol, Side: o.Side,
			Quantity: qty, Price: f.Price, ExpectedPrice: e.expected, SlippageBps: slip, Fee: f.Fee,
			Latency: latency, ExecutedAt: f.At,
		}
		if _, _, err := m.risk.ApplyFill(ctx, models.PositionDelta{
			ExecutionID: exec.ID, OrderID: o.ID, Symbol: o.Symbol, Quantity: o.Side.Sign() * qty, Price: f.Price, Fee: f.Fee, At: f.At,
		}); err != nil {
			m.metrics.RecordError(errs.CodeOf(err))
			m.lgr.Error("apply fill", applogger.String("order_id", o.ID), applogger.Error(err))
			// a refused delta never reached the ledger, so the order must not count it either
			if errs.CodeOf(err) == errs.CodeValidationRejected {
				continue
			}
		}
		if m.repo != nil {
			if err := m.repo.AppendExecution(ctx, exec); err != nil {
				m.metrics.RecordError(errs.CodeOf(err))
				m.lgr.Error("append execution", applogger.String("order_id", o.ID), applogger.Error(err))
			}
		}
		m.metrics.RecordExecution(o.Exchange, slip, latency.Seconds())

		filled := decimal.NewFromFloat(o.FilledQty)
		add := decimal.NewFromFloat(qty)
		total := filled.Add(add)
		avg := filled.Mul(decimal.NewFromFloat(o.AvgFillPrice)).Add(add.Mul(decimal.NewFromFloat(f.Price))).Div(total)
		o.FilledQty, o.AvgFillPrice = total.InexactFloat64(), avg.InexactFloat64()

		if o.Remaining() <= fillEpsilon {
			m.transition(ctx, e, models.StatusFilled, "")
		} else {
			m.transition(ctx, e, models.StatusPartial, "")
		}
	}
	if venueDone && !o.Status.Terminal() {
		m.transition(ctx, e, models.StatusCancelled, "venue closed the remainder")
	}
}

// transition moves e to `to`, persisting and publishing it. Callers hold
// e.mu; forbidden moves are logged and ignored.
func (m *Manager) transition(ctx context.Context, e *entry, to models.OrderStatus, reason string) bool {
	from := e.order.Status
	if err := checkTransition(from, to); err != nil {
		m.lgr.Error("order transition refused", applogger.String("order_id", e.order.ID), applogger.Error(err))
		return false
	}
	now := m.now().UTC()
	e.order.Status = to
	if reason != "" {
		e.order.Reason = reason
	}
	if to.Terminal() {
		e.order.TerminalAt = &now
	}
	m.metrics.RecordOrder(e.order.Exchange, to)
	m.save(ctx, e.order)
	t := models.Transition{OrderID: e.order.ID, From: from, To: to, Reason: reason, At: now}
	if m.repo != nil {
		if err := m.repo.AppendTransition(ctx, t); err != nil {
			m.metrics.RecordError(errs.CodeOf(err))
			m.lgr.Error("append transition", applogger.String("order_id", t.OrderID), applogger.Error(err))
		}
	}
	if m.pub != nil {
		sev := models.SeverityInfo
		if to == models.StatusRejected {
			sev = models.SeverityWarning
		}
		ev := models.Event{Type: models.EventOrderTransition, Severity: sev, Source: "orders",
			Message: fmt.Sprintf("order %s %s -> %s", e.order.ID, from, to), Payload: t, At: now}
		if err := m.pub.Publish(ctx, ev); err != nil {
			m.metrics.RecordError("publish")
		}
	}
	return true
}

func (m *Manager) save(ctx context.Context, o models.Order) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveOrder(ctx, o); err != nil {
		m.metrics.RecordError(errs.CodeOf(err))
		m.lgr.Error("save order", applogger.String("order_id", o.ID), applogger.Error(err))
	}
}

func (e *entry) snapshot() models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order
}

// pollOpen asks venues about resting orders.
func (m *Manager) pollOpen(ctx context.Context) {
	for _, e := range m.open() {
		e.mu.Lock()
		if e.conn == nil || e.order.ExchangeOrderID == "" || e.order.Status.Terminal() {
			e.mu.Unlock()
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
		start := m.now()
		fills, done, err := e.conn.Exchange.Poll(pctx, e.order.Symbol, e.order.ExchangeOrderID)
		cancel()
		if err != nil {
			e.conn.observe(false, m.now().Sub(start), err)
			m.lgr.Warn("poll order", applogger.String("order_id", e.order.ID), applogger.Error(err))
		} else {
			m.reconcile(ctx, e, fills, done, m.now().Sub(e.order.SubmittedAt))
		}
		e.mu.Unlock()
	}
}

func (m *Manager) all() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *Manager) open() []*entry {
	var out []*entry
	for _, e := range m.all() {
		if !e.snapshot().Status.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// prune forgets terminal orders older than retention; they stay in storage.
func (m *Manager) prune(retention time.Duration) {
	cutoff := m.now().Add(-retention)
	for _, e := range m.all() {
		o := e.snapshot()
		if o.TerminalAt != nil && o.TerminalAt.Before(cutoff) {
			m.mu.Lock()
			delete(m.entries, o.ID)
			m.mu.Unlock()
		}
	}
}

// Cancel cancels one order. Venues below the health floor are still used.
func (m *Manager) Cancel(ctx context.Context, id string) (models.Order, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return models.Order{}, fmt.Errorf("order %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.order.Status.Cancellable() {
		return e.order, &errs.StateError{Entity: "order", From: e.order.Status.String(), To: models.StatusCancelled.String()}
	}
	if e.order.ExchangeOrderID != "" && e.conn != nil {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
		defer cancel()
		start := m.now()
		err := e.conn.Exchange.Cancel(cctx, e.order.Symbol, e.order.ExchangeOrderID)
		e.conn.observe(err == nil, m.now().Sub(start), err)
		if err != nil {
			return e.order, fmt.Errorf("cancel %s on %s: %w", id, e.conn.Name(), err)
		}
	}
	m.transition(ctx, e, models.StatusCancelled, "cancelled")
	return e.order, nil
}

// CancelAll cancels every cancellable order concurrently.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	open := m.open()
	var (
		mu        sync.Mutex
		cancelled int
		failures  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, e := range open {
		id := e.snapshot().ID
		g.Go(func() error {
			_, err := m.Cancel(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			var se *errs.StateError
			switch {
			case err == nil:
				cancelled++
			case errors.As(err, &se):
			default:
				failures = append(failures, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return cancelled, errors.Join(failures...)
}

// OnEmergency is subscribed to the risk manager's emergency hub.
func (m *Manager) OnEmergency(ev risk.Emergency) {
	if !ev.Active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.CancelTimeout)
	defer cancel()
	n, err := m.CancelAll(ctx)
	if err != nil {
		m.lgr.Error("emergency cancel incomplete", applogger.Int("cancelled", n), applogger.Error(err))
		return
	}
	m.lgr.Warn("emergency cancel done", applogger.Int("cancelled", n))
}

// Liquidate submits reduce-only market orders closing every open position.
func (m *Manager) Liquidate(ctx context.Context) ([]models.Order, error) {
	snap := m.risk.Snapshot()
	symbols := make([]string, 0, len(snap.Positions))
	for sym, p := range snap.Positions {
		if p.Open() {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)
	var out []models.Order
	var failures []error
	for _, sym := range symbols {
		p := snap.Positions[sym]
		side := models.Sell
		if p.Quantity < 0 {
			side = models.Buy
		}
		o, err := m.Submit(ctx, Request{Symbol: sym, Side: side, Type: models.Market, Quantity: math.Abs(p.Quantity), Reason: "liquidate", ReduceOnly: true})
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", sym, err))
		}
		if o.ID != "" {
			out = append(out, o)
		}
	}
	return out, errors.Join(failures...)
}

func (m *Manager) Order(id string) (models.Order, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return models.Order{}, false
	}
	return e.snapshot(), true
}

// Orders lists known orders, newest first.
func (m *Manager) Orders() []models.Order {
	entries := m.all()
	out := make([]models.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// withSignal derives a context that is also cancelled when sig closes.
func withSignal(ctx context.Context, sig <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
