package risk

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/pkg/config"
)

func riskConfig(t *testing.T) config.RiskConfig {
	t.Helper()
	var c config.RiskConfig
	require.NoError(t, defaults.Set(&c))
	return c
}

type memJournal struct {
	mu        sync.Mutex
	deltas    []models.PositionDelta
	positions []models.Position
}

func (j *memJournal) AppendDelta(_ context.Context, d models.PositionDelta) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deltas = append(j.deltas, d)
	return nil
}

func (j *memJournal) SavePositions(_ context.Context, p []models.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.positions = p
	return nil
}

func (j *memJournal) LoadPositions(context.Context) ([]models.Position, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.positions, nil
}

func (j *memJournal) deltaCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.deltas)
}

// fakeVaR reports a fixed fraction of gross notional.
type fakeVaR struct {
	mu     sync.Mutex
	factor float64
}

func (f *fakeVaR) set(v float64) { f.mu.Lock(); f.factor = v; f.mu.Unlock() }

func (f *fakeVaR) Compute(_ context.Context, id string, comp map[string]float64, m models.Methodology) (models.VaRResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0.0
	for _, v := range comp {
		total += math.Abs(v)
	}
	return models.VaRResult{PortfolioID: id, Methodology: m, Value: total * f.factor, PortfolioValue: total}, nil
}

func fill(sym string, qty, price float64) models.PositionDelta {
	return models.PositionDelta{ExecutionID: sym + "-x", OrderID: sym + "-o", Symbol: sym, Quantity: qty, Price: price}
}

func TestLedgerAveragesAndRealizes(t *testing.T) {
	l := NewLedger(1000, nil)
	l.Apply(fill("X", 1, 100))
	_, s := l.Apply(fill("X", 1, 200))
	assert.InDelta(t, 150, s.Positions["X"].AvgPrice, 1e-9)

	d := fill("X", -1, 250)
	d.Fee = 1
	booked, _ := l.Apply(d)
	assert.InDelta(t, 99, booked.RealizedPnL, 1e-9)

	_, s = l.Apply(fill("X", -2, 300))
	p := s.Positions["X"]
	assert.InDelta(t, -1, p.Quantity, 1e-9)
	assert.InDelta(t, 300, p.AvgPrice, 1e-9)
	assert.InDelta(t, 249, s.RealizedPnL, 1e-9)
	assert.InDelta(t, 1249, s.Equity, 1e-9)
	assert.Equal(t, uint64(4), s.Version)

	assert.True(t, l.Mark("X", 280))
	assert.InDelta(t, 20, l.Snapshot().Positions["X"].UnrealizedPnL, 1e-9)
	assert.False(t, l.Mark("Y", 1))
}

func TestLedgerSnapshotsAreImmutable(t *testing.T) {
	l := NewLedger(1000, nil)
	_, before := l.Apply(fill("X", 1, 100))
	l.Apply(fill("X", 1, 100))
	assert.InDelta(t, 1, before.Positions["X"].Quantity, 1e-9)
}

func TestSeverityLadder(t *testing.T) {
	lim := LimitsFromConfig(riskConfig(t))
	for _, tc := range []struct {
		value float64
		want  errs.Severity
	}{
		{0.5, errs.SeverityNone},
		{0.9, errs.SeveritySoft},
		{1.1, errs.SeverityHard},
		{1.3, errs.SeverityBreach},
		{1.6, errs.SeverityCritical},
	} {
		_, got := lim.Severity(tc.value, 1)
		assert.Equal(t, tc.want, got, "ratio %.2f", tc.value)
	}
}

func TestPreTradeLadder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(riskConfig(t), nil, nil)
	defer m.Close()

	d, err := m.PreTrade(ctx, Proposal{OrderID: "a", Symbol: "BTC", Side: models.Buy, Quantity: 0.1, Price: 30000})
	require.NoError(t, err)
	assert.True(t, d.Approved)

	d, err = m.PreTrade(ctx, Proposal{OrderID: "b", Symbol: "BTC", Side: models.Buy, Quantity: 0.15, Price: 30000})
	require.NoError(t, err, "soft violations are approved")
	assert.True(t, d.Approved)

	_, err = m.PreTrade(ctx, Proposal{OrderID: "c", Symbol: "BTC", Side: models.Buy, Quantity: 0.2, Price: 30000})
	var rv *errs.RiskViolation
	require.True(t, errors.As(err, &rv))
	assert.Equal(t, errs.SeverityHard, rv.Severity)
	assert.Equal(t, RulePosition, rv.Rule)
	assert.False(t, m.EmergencyActive())
}

func TestCriticalViolationStopsTrading(t *testing.T) {
	ctx := context.Background()
	m := NewManager(riskConfig(t), nil, nil)
	defer m.Close()
	got := make(chan Emergency, 1)
	m.SubscribeEmergency("test", func(e Emergency) { got <- e })

	_, err := m.PreTrade(ctx, Proposal{Symbol: "BTC", Side: models.Buy, Quantity: 0.3, Price: 30000})
	var rv *errs.RiskViolation
	require.True(t, errors.As(err, &rv))
	assert.Equal(t, errs.SeverityCritical, rv.Severity)
	require.True(t, m.EmergencyActive())

	select {
	case <-m.EmergencyDone():
	default:
		t.Fatalf("emergency channel not closed")
	}
	select {
	case e := <-got:
		assert.True(t, e.Active)
	case <-time.After(time.Second):
		t.Fatalf("emergency subscriber not notified")
	}

	_, err = m.PreTrade(ctx, Proposal{Symbol: "ETH", Side: models.Buy, Quantity: 0.01, Price: 2000})
	var stop *errs.EmergencyStopActive
	require.True(t, errors.As(err, &stop))
}

func TestClearRequiresRecoveryPredicate(t *testing.T) {
	ctx := context.Background()
	v := &fakeVaR{factor: 1}
	m := NewManager(riskConfig(t), nil, nil, WithVaR(v))
	defer m.Close()
	_, _, err := m.ApplyFill(ctx, fill("BTC", 0.1, 30000))
	require.NoError(t, err)

	require.Error(t, m.Clear(ctx, "ops"), "not active yet")
	require.True(t, m.TriggerEmergency(ctx, "manual"))
	assert.False(t, m.TriggerEmergency(ctx, "again"))

	var rv *errs.RiskViolation
	require.True(t, errors.As(m.Clear(ctx, "ops"), &rv))
	assert.Equal(t, "recovery_"+RuleVaR, rv.Rule)
	assert.True(t, m.EmergencyActive())

	v.set(0.01)
	require.NoError(t, m.Clear(ctx, "ops"))
	assert.False(t, m.EmergencyActive())
	select {
	case <-m.EmergencyDone():
		t.Fatalf("re-armed stop must not be closed")
	default:
	}
}

func TestTRSCriticalTriggersStopAndBlocksClear(t *testing.T) {
	ctx := context.Background()
	m := NewManager(riskConfig(t), nil, nil, WithVaR(&fakeVaR{}))
	defer m.Close()
	m.OnTRSStatus(ctx, models.TRSWindow{WindowDays: 30, Coefficient: 0.7, Status: models.TRSCritical})
	require.True(t, m.EmergencyActive())

	var rv *errs.RiskViolation
	require.True(t, errors.As(m.Clear(ctx, "ops"), &rv))
	assert.Equal(t, "recovery_trs", rv.Rule)

	m.OnTRSStatus(ctx, models.TRSWindow{WindowDays: 30, Coefficient: 0.9, Status: models.TRSCompliant})
	require.NoError(t, m.Clear(ctx, "ops"))
}

func TestFillAboveLimitRejectsNextSubmission(t *testing.T) {
	ctx := context.Background()
	m := NewManager(riskConfig(t), nil, nil)
	defer m.Close()
	violations := make(chan Violation, 4)
	m.SubscribeViolations("test", func(v Violation) { violations <- v })

	_, _, err := m.ApplyFill(ctx, fill("BTC", 0.2, 30000))
	require.NoError(t, err)
	select {
	case v := <-violations:
		assert.Equal(t, "fill", v.Stage)
	case <-time.After(time.Second):
		t.Fatalf("no violation delivered")
	}

	_, err = m.PreTrade(ctx, Proposal{Symbol: "ETH", Side: models.Buy, Quantity: 0.1, Price: 2000})
	var rv *errs.RiskViolation
	require.True(t, errors.As(err, &rv))
	assert.Equal(t, RulePosition, rv.Rule)
	assert.Equal(t, errs.SeverityHard, rv.Severity)

	d, err := m.PreTrade(ctx, Proposal{Symbol: "ETH", Side: models.Buy, Quantity: 0.1, Price: 2000})
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestReducingOrderSkipsLimits(t *testing.T) {
	ctx := context.Background()
	m := NewManager(riskConfig(t), nil, nil)
	defer m.Close()
	_, _, err := m.ApplyFill(ctx, fill("BTC", 0.2, 30000))
	require.NoError(t, err)
	d, err := m.PreTrade(ctx, Proposal{Symbol: "BTC", Side: models.Sell, Quantity: 0.2, Price: 30000})
	require.NoError(t, err)
	assert.True(t, d.Reducing)
}

func TestJournalWriteBehindAndRestore(t *testing.T) {
	j := &memJournal{}
	cfg := riskConfig(t)
	m := NewManager(cfg, nil, nil, WithJournal(j))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()

	_, _, err := m.ApplyFill(ctx, fill("BTC", 0.1, 30000))
	require.NoError(t, err)
	_, _, err = m.ApplyFill(ctx, fill("ETH", 1, 2000))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return j.deltaCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	m.Close()

	restored := NewManager(cfg, nil, nil, WithJournal(j))
	defer restored.Close()
	require.NoError(t, restored.Restore(context.Background()))
	s := restored.Snapshot()
	assert.Equal(t, 2, s.OpenCount())
	assert.InDelta(t, cfg.InitialEquity, s.Equity, 1e-6)
	assert.InDelta(t, 5000, s.GrossExposure, 1e-6)
}

func TestCorrelatedExposureUsesSource(t *testing.T) {
	lim := LimitsFromConfig(riskConfig(t))
	book := models.PortfolioSnapshot{Equity: 100000, Positions: map[string]models.Position{
		"BTC": {Symbol: "BTC", Quantity: 1, AvgPrice: 4000},
		"ETH": {Symbol: "ETH", Quantity: 1, AvgPrice: 4000},
	}}
	got := correlatedExposure(book, "BTC", book.Equity, corrTable{"BTC|ETH": 0.9})
	assert.InDelta(t, 0.04+0.9*0.04, got, 1e-12)
	got = correlatedExposure(book, "BTC", book.Equity, nil)
	assert.InDelta(t, 0.04+unknownCorrelation*0.04, got, 1e-12)
	assert.NotEmpty(t, lim.Evaluate(book, "BTC", nil))
}

type corrTable map[string]float64

func (c corrTable) Correlation(a, b string) (float64, bool) {
	if a > b {
		a, b = b, a
	}
	v, ok := c[a+"|"+b]
	return v, ok
}

func TestReduceOnlyPassesEmergency(t *testing.T) {
	ctx := context.Background()
	m := NewManager(riskConfig(t), nil, nil)
	defer m.Close()
	_, _, err := m.ApplyFill(ctx, fill("BTC", 0.1, 30000))
	require.NoError(t, err)
	m.TriggerEmergency(ctx, "test")

	_, err = m.PreTrade(ctx, Proposal{Symbol: "BTC", Side: models.Sell, Quantity: 0.1, Price: 30000})
	var stop *errs.EmergencyStopActive
	require.True(t, errors.As(err, &stop), "plain orders stay blocked")

	d, err := m.PreTrade(ctx, Proposal{Symbol: "BTC", Side: models.Sell, Quantity: 0.1, Price: 30000, ReduceOnly: true})
	require.NoError(t, err)
	assert.True(t, d.Reducing)

	_, err = m.PreTrade(ctx, Proposal{Symbol: "BTC", Side: models.Buy, Quantity: 0.1, Price: 30000, ReduceOnly: true})
	require.Error(t, err)
}
