// Package risk owns the position ledger. It runs pre-trade limit checks,
// books fills through a write-behind journal and holds the emergency stop.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/notify"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

const portfolioID = "main"

// VaRCalculator is satisfied by *varengine.Engine.
type VaRCalculator interface {
	Compute(ctx context.Context, portfolioID string, composition map[string]float64, m models.Methodology) (models.VaRResult, error)
}

// Proposal is an order the order manager wants to route.
type Proposal struct {
	OrderID  string
	Symbol   string
	Side     models.Side
	Quantity float64
	Price    float64
	// ReduceOnly proposals that shrink an existing position pass during an
	// emergency stop so the book can be unwound.
	ReduceOnly bool
}

func (p Proposal) signed() float64 { return p.Side.Sign() * p.Quantity }

type Decision struct {
	Approved  bool                `json:"approved"`
	Reducing  bool                `json:"reducing"`
	Checks    []Check             `json:"checks"`
	Violation *errs.RiskViolation `json:"violation,omitempty"`
	VaRPct    float64             `json:"var_pct"`
}

// Violation is delivered to subscribers for every soft-or-worse finding.
type Violation struct {
	Severity errs.Severity `json:"severity"`
	Rule     string        `json:"rule"`
	Value    float64       `json:"value"`
	Limit    float64       `json:"limit"`
	Symbol   string        `json:"symbol,omitempty"`
	OrderID  string        `json:"order_id,omitempty"`
	Stage    string        `json:"stage"` // pre_trade, fill, evaluate
	At       time.Time     `json:"at"`
}

// Emergency is delivered on trigger and on clearance.
type Emergency struct {
	Active   bool                     `json:"active"`
	Reason   string                   `json:"reason"`
	Operator string                   `json:"operator,omitempty"`
	Snapshot models.PortfolioSnapshot `json:"snapshot"`
	At       time.Time                `json:"at"`
}

// Report is the operator view of the book.
type Report struct {
	Snapshot    models.PortfolioSnapshot `json:"snapshot"`
	Checks      []Check                  `json:"checks"`
	VaRPct      float64                  `json:"var_pct"`
	VaRError    string                   `json:"var_error,omitempty"`
	Emergency   bool                     `json:"emergency"`
	Reason      string                   `json:"reason,omitempty"`
	Since       *time.Time               `json:"since,omitempty"`
	Review      bool                     `json:"review"`
	Pending     *errs.RiskViolation      `json:"pending,omitempty"`
	TRSCritical bool                     `json:"trs_critical"`
}

type Manager struct {
	cfg     config.RiskConfig
	limits  Limits
	ledger  *Ledger
	stop    *Stop
	vars    VaRCalculator
	corr    CorrelationSource
	journal repository.PositionJournal
	pub     repository.EventPublisher
	lgr     *applogger.Logger
	metrics repository.Metrics
	now     func() time.Time

	pending atomic.Pointer[errs.RiskViolation]
	review  atomic.Bool

	trsMu  sync.Mutex
	trs    map[int]models.TRSStatus
	deltas chan models.PositionDelta

	violations  *notify.Hub[Violation]
	emergencies *notify.Hub[Emergency]
}

type Option func(*Manager)

func WithVaR(v VaRCalculator) Option                  { return func(m *Manager) { m.vars = v } }
func WithCorrelations(c CorrelationSource) Option     { return func(m *Manager) { m.corr = c } }
func WithJournal(j repository.PositionJournal) Option { return func(m *Manager) { m.journal = j } }
func WithPublisher(p repository.EventPublisher) Option {
	return func(m *Manager) { m.pub = p }
}
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(cfg config.RiskConfig, l *applogger.Logger, mt repository.Metrics, opts ...Option) *Manager {
	if l == nil {
		l = applogger.NewNop()
	}
	if mt == nil {
		mt = metrics.Nop{}
	}
	buf := cfg.JournalBuffer
	if buf <= 0 {
		buf = 1024
	}
	m := &Manager{
		cfg:         cfg,
		limits:      LimitsFromConfig(cfg),
		stop:        NewStop(),
		lgr:         l.Component("risk"),
		metrics:     mt,
		now:         time.Now,
		trs:         make(map[int]models.TRSStatus),
		deltas:      make(chan models.PositionDelta, buf),
		violations:  notify.New[Violation](0),
		emergencies: notify.New[Emergency](0),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ledger = NewLedger(cfg.InitialEquity, m.now)
	return m
}

// Restore loads the book saved by the journal writer.
func (m *Manager) Restore(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}
	positions, err := m.journal.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	m.ledger.Restore(m.cfg.InitialEquity, positions)
	m.lgr.Info("positions restored", applogger.Int("count", len(positions)))
	return nil
}

func (m *Manager) Snapshot() models.PortfolioSnapshot { return m.ledger.Snapshot() }
func (m *Manager) Limits() Limits                     { return m.limits }

// Composition is the open book as signed notional per symbol.
func (m *Manager) Composition() map[string]float64 { return composition(m.ledger.Snapshot()) }

func (m *Manager) EmergencyActive() bool { return m.stop.Active() }

// EmergencyDone is closed when the stop triggers.
func (m *Manager) EmergencyDone() <-chan struct{} { return m.stop.Done() }

func (m *Manager) SubscribeViolations(name string, fn func(Violation)) func() {
	return m.violations.Subscribe(name, fn)
}

func (m *Manager) SubscribeEmergency(name string, fn func(Emergency)) func() {
	return m.emergencies.Subscribe(name, fn)
}

// Mark revalues an open position from a live price.
func (m *Manager) Mark(symbol string, price float64) { m.ledger.Mark(symbol, price) }

// PreTrade decides whether p may be routed. Risk-reducing proposals skip
// the limit ladder.
func (m *Manager) PreTrade(ctx context.Context, p Proposal) (Decision, error) {
	if p.Quantity <= 0 || p.Price <= 0 || math.IsNaN(p.Quantity) || math.IsNaN(p.Price) {
		return Decision{}, &errs.ValidationRejected{Field: "proposal", Reason: "quantity and price must be positive"}
	}
	book := m.ledger.Snapshot()
	cur := book.Positions[p.Symbol].Quantity
	reducing := cur != 0 && !sameSign(cur, p.signed()) && p.Quantity <= math.Abs(cur)+qtyEpsilon
	if m.stop.Active() && !(reducing && p.ReduceOnly) {
		reason, _ := m.stop.Reason()
		return Decision{}, &errs.EmergencyStopActive{Reason: reason}
	}
	if reducing {
		return Decision{Approved: true, Reducing: true}, nil
	}
	if p.ReduceOnly {
		return Decision{}, &errs.ValidationRejected{Field: "reduce_only", Reason: "order would not shrink a position"}
	}

	if v := m.pending.Swap(nil); v != nil {
		m.lgr.Warn("rejecting on pending violation", applogger.String("rule", v.Rule), applogger.String("order_id", p.OrderID))
		return Decision{Violation: v}, v
	}

	post := hypothetical(book, p.Symbol, p.signed(), p.Price)
	checks := m.limits.Evaluate(post, p.Symbol, m.corr)
	d := Decision{Checks: checks}
	if m.vars != nil {
		if res, err := m.vars.Compute(ctx, portfolioID, composition(post), models.Parametric); err == nil && post.Equity > 0 {
			d.VaRPct = res.Value / post.Equity
			d.Checks = append(d.Checks, m.limits.check(RuleVaR, d.VaRPct, m.limits.MaxVaRPct))
		} else if err != nil {
			m.lgr.Debug("pre-trade var unavailable", applogger.String("symbol", p.Symbol), applogger.Error(err))
		}
	}

	worst, found := Worst(d.Checks)
	if !found {
		d.Approved = true
		return d, nil
	}
	v := worst.Violation()
	m.escalate(ctx, Violation{Severity: v.Severity, Rule: v.Rule, Value: v.Value, Limit: v.Limit, Symbol: p.Symbol, OrderID: p.OrderID, Stage: "pre_trade"})
	if worst.Severity == errs.SeveritySoft {
		d.Approved = true
		return d, nil
	}
	d.Violation = v
	return d, v
}

// ApplyFill books an execution. A fill that leaves the book above a hard
// limit is remembered and rejects the next pre-trade check.
func (m *Manager) ApplyFill(ctx context.Context, d models.PositionDelta) (models.PositionDelta, models.PortfolioSnapshot, error) {
	if d.Quantity == 0 || d.Price <= 0 {
		return d, m.ledger.Snapshot(), &errs.ValidationRejected{Field: "delta", Reason: "zero quantity or non-positive price"}
	}
	if d.At.IsZero() {
		d.At = m.now().UTC()
	}
	booked, snap := m.ledger.Apply(d)
	select {
	case m.deltas <- booked:
	case <-ctx.Done():
		return booked, snap, ctx.Err()
	}

	if worst, bad := Worst(m.limits.Evaluate(snap, d.Symbol, m.corr)); bad && worst.Severity >= errs.SeverityHard {
		v := worst.Violation()
		v.Severity = errs.SeverityHard
		m.pending.Store(v)
		m.lgr.Warn("fill left book above limit", applogger.String("rule", v.Rule), applogger.String("symbol", d.Symbol),
			applogger.Float64("value", v.Value), applogger.Float64("limit", v.Limit))
		m.emit(ctx, Violation{Severity: v.Severity, Rule: v.Rule, Value: v.Value, Limit: v.Limit, Symbol: d.Symbol, OrderID: d.OrderID, Stage: "fill"})
	}
	return booked, snap, nil
}

// Evaluate checks the current book, escalating breach and critical findings.
func (m *Manager) Evaluate(ctx context.Context) Report {
	snap := m.ledger.Snapshot()
	r := Report{Snapshot: snap, Checks: m.limits.Evaluate(snap, "", m.corr), Review: m.review.Load(), Pending: m.pending.Load()}
	if pct, err := m.varPct(ctx, snap); err != nil {
		r.VaRError = err.Error()
	} else {
		r.VaRPct = pct
		r.Checks = append(r.Checks, m.limits.check(RuleVaR, pct, m.limits.MaxVaRPct))
	}
	r.TRSCritical = m.trsCritical()
	if worst, bad := Worst(r.Checks); bad && snap.OpenCount() > 0 {
		v := worst.Violation()
		if worst.Severity >= errs.SeverityHard {
			m.pending.CompareAndSwap(nil, &errs.RiskViolation{Severity: errs.SeverityHard, Rule: v.Rule, Value: v.Value, Limit: v.Limit})
		}
		m.escalate(ctx, Violation{Severity: v.Severity, Rule: v.Rule, Value: v.Value, Limit: v.Limit, Stage: "evaluate"})
		r.Review = m.review.Load()
		r.Pending = m.pending.Load()
	}
	r.Emergency = m.stop.Active()
	if r.Emergency {
		reason, since := m.stop.Reason()
		r.Reason, r.Since = reason, &since
	}
	return r
}

func (m *Manager) varPct(ctx context.Context, snap models.PortfolioSnapshot) (float64, error) {
	comp := composition(snap)
	if len(comp) == 0 {
		return 0, nil
	}
	if m.vars == nil {
		return 0, errors.New("var engine not configured")
	}
	if snap.Equity <= 0 {
		return 0, &errs.NumericError{Op: "var pct", Reason: "non-positive equity"}
	}
	res, err := m.vars.Compute(ctx, portfolioID, comp, models.Parametric)
	if err != nil {
		return 0, err
	}
	return res.Value / snap.Equity, nil
}

// escalate applies the severity ladder: soft logs, hard rejects (caller),
// breach marks the portfolio for review and critical stops trading.
func (m *Manager) escalate(ctx context.Context, v Violation) {
	switch v.Severity {
	case errs.SeveritySoft:
		m.lgr.Info("risk limit approaching", applogger.String("rule", v.Rule), applogger.Float64("value", v.Value), applogger.Float64("limit", v.Limit))
	case errs.SeverityHard:
		m.lgr.Warn("risk limit exceeded", applogger.String("rule", v.Rule), applogger.Float64("value", v.Value), applogger.Float64("limit", v.Limit))
	case errs.SeverityBreach:
		m.review.Store(true)
		m.lgr.Error("risk limit breached, portfolio marked for review", applogger.String("rule", v.Rule), applogger.Float64("value", v.Value))
	case errs.SeverityCritical:
		m.lgr.Error("critical risk violation", applogger.String("rule", v.Rule), applogger.Float64("value", v.Value))
	}
	m.emit(ctx, v)
	if v.Severity == errs.SeverityCritical {
		m.TriggerEmergency(ctx, fmt.Sprintf("critical %s %.4f over limit %.4f", v.Rule, v.Value, v.Limit))
	}
}

func (m *Manager) emit(ctx context.Context, v Violation) {
	v.At = m.now().UTC()
	m.metrics.RecordError(errs.CodeRiskViolation)
	m.violations.Emit(v)
	if v.Severity < errs.SeverityHard {
		return
	}
	sev := models.SeverityWarning
	if v.Severity >= errs.SeverityBreach {
		sev = models.SeverityCritical
	}
	m.publish(ctx, models.Event{Type: models.EventRiskViolation, Severity: sev, Source: "risk",
		Message: fmt.Sprintf("%s violation of %s (%.4f > %.4f)", v.Severity, v.Rule, v.Value, v.Limit), Payload: v})
}

// TriggerEmergency sets the stop. It returns false when already active.
// Subscribers (order cancellation among them) run on their own goroutines.
func (m *Manager) TriggerEmergency(ctx context.Context, reason string) bool {
	at := m.now().UTC()
	if !m.stop.Trigger(reason, at) {
		return false
	}
	m.metrics.SetEmergency(true)
	snap := m.ledger.Snapshot()
	m.lgr.Error("emergency stop triggered", applogger.String("reason", reason), applogger.Int("open_positions", snap.OpenCount()))
	ev := Emergency{Active: true, Reason: reason, Snapshot: snap, At: at}
	m.emergencies.Emit(ev)
	m.publish(ctx, models.Event{Type: models.EventEmergencyStop, Severity: models.SeverityCritical, Source: "risk", Message: reason, Payload: ev})
	return true
}

// Clear lifts the stop once VaR and exposure are under the recovery
// thresholds and no TRS window is critical.
func (m *Manager) Clear(ctx context.Context, operator string) error {
	if !m.stop.Active() {
		return errors.New("emergency stop is not active")
	}
	snap := m.ledger.Snapshot()
	pct, err := m.varPct(ctx, snap)
	if err != nil {
		return fmt.Errorf("clearance refused, var unavailable: %w", err)
	}
	if pct > m.cfg.RecoveryMaxVaRPct {
		return &errs.RiskViolation{Severity: errs.SeverityHard, Rule: "recovery_" + RuleVaR, Value: pct, Limit: m.cfg.RecoveryMaxVaRPct}
	}
	exposure := 0.0
	if snap.Equity > 0 {
		exposure = snap.GrossExposure / snap.Equity
	}
	if exposure > m.cfg.RecoveryMaxExposure {
		return &errs.RiskViolation{Severity: errs.SeverityHard, Rule: "recovery_" + RuleExposure, Value: exposure, Limit: m.cfg.RecoveryMaxExposure}
	}
	if m.trsCritical() {
		return &errs.RiskViolation{Severity: errs.SeverityHard, Rule: "recovery_trs", Value: 1, Limit: 0}
	}
	if !m.stop.reset() {
		return nil
	}
	m.pending.Store(nil)
	m.review.Store(false)
	m.metrics.SetEmergency(false)
	m.lgr.Warn("emergency stop cleared", applogger.String("operator", operator))
	ev := Emergency{Active: false, Reason: "cleared", Operator: operator, Snapshot: snap, At: m.now().UTC()}
	m.emergencies.Emit(ev)
	m.publish(ctx, models.Event{Type: models.EventEmergencyClear, Severity: models.SeverityWarning, Source: "risk",
		Message: "emergency stop cleared by " + operator, Payload: ev})
	return nil
}

// OnTRSStatus tracks compliance per window; a critical window stops trading
// when configured to.
func (m *Manager) OnTRSStatus(ctx context.Context, w models.TRSWindow) {
	m.trsMu.Lock()
	m.trs[w.WindowDays] = w.Status
	m.trsMu.Unlock()
	if w.Status == models.TRSCritical && m.cfg.StopOnTRSCritical {
		m.TriggerEmergency(ctx, fmt.Sprintf("trs critical: %dd correlation %.3f", w.WindowDays, w.Coefficient))
	}
}

func (m *Manager) trsCritical() bool {
	m.trsMu.Lock()
	defer m.trsMu.Unlock()
	for _, s := range m.trs {
		if s == models.TRSCritical {
			return true
		}
	}
	return false
}

func (m *Manager) publish(ctx context.Context, ev models.Event) {
	if m.pub == nil {
		return
	}
	ev.At = m.now().UTC()
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.metrics.RecordError("publish")
		m.lgr.Warn("publish risk event", applogger.String("type", string(ev.Type)), applogger.Error(err))
	}
}

// Run drives the journal writer and the periodic evaluation until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.EvaluateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case d := <-m.deltas:
			m.persist(ctx, d)
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

func (m *Manager) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case d := <-m.deltas:
			m.persist(ctx, d)
		default:
			return
		}
	}
}

func (m *Manager) persist(ctx context.Context, d models.PositionDelta) {
	if m.journal == nil {
		return
	}
	if err := m.journal.AppendDelta(ctx, d); err != nil {
		m.metrics.RecordError(errs.CodeOf(err))
		m.lgr.Error("journal delta", applogger.String("execution_id", d.ExecutionID), applogger.Error(err))
	}
	if err := m.journal.SavePositions(ctx, sortedPositions(m.ledger.Snapshot())); err != nil {
		m.metrics.RecordError(errs.CodeOf(err))
		m.lgr.Error("save positions", applogger.Error(err))
	}
}

// Close stops subscriber delivery after queued notifications drain.
func (m *Manager) Close() {
	m.violations.Close()
	m.emergencies.Close()
}

// hypothetical applies qty at price to a copy of book without touching the
// ledger. Equity is unchanged by the trade itself.
func hypothetical(book models.PortfolioSnapshot, symbol string, qty, price float64) models.PortfolioSnapshot {
	positions := clone(book.Positions)
	p := positions[symbol]
	p.Symbol = symbol
	if p.Quantity == 0 {
		p.AvgPrice = price
	}
	p.Quantity += qty
	p.MarkPrice = price
	positions[symbol] = p
	book.Positions = positions
	book.Cash -= qty * price
	equity, gross := book.Cash, 0.0
	for _, pos := range positions {
		if !pos.Open() {
			continue
		}
		mark := pos.MarkPrice
		if mark == 0 {
			mark = pos.AvgPrice
		}
		equity += pos.Quantity * mark
		gross += pos.Notional()
	}
	book.Equity, book.GrossExposure = equity, gross
	return book
}
