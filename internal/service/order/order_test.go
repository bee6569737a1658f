package order

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/breaker"
	"CryptoPull/internal/service/risk"
	"CryptoPull/internal/service/secrets"
	"CryptoPull/internal/service/transport"
	"CryptoPull/pkg/config"
)

func TestTransitionGraph(t *testing.T) {
	allowed := [][2]models.OrderStatus{
		{models.StatusNew, models.StatusRouted},
		{models.StatusRouted, models.StatusPartial},
		{models.StatusPartial, models.StatusPartial},
		{models.StatusPartial, models.StatusFilled},
		{models.StatusRouted, models.StatusFilled},
		{models.StatusRouted, models.StatusCancelled},
		{models.StatusNew, models.StatusRejected},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	forbidden := [][2]models.OrderStatus{
		{models.StatusFilled, models.StatusCancelled},
		{models.StatusCancelled, models.StatusRouted},
		{models.StatusNew, models.StatusFilled},
		{models.StatusPartial, models.StatusRejected},
	}
	for _, tr := range forbidden {
		err := checkTransition(tr[0], tr[1])
		var se *errs.StateError
		require.True(t, errors.As(err, &se), "%s -> %s", tr[0], tr[1])
	}
}

func prices() *PriceBook {
	b := NewPriceBook()
	for sym, p := range map[string]float64{"BTC": 30000, "ETH": 2000, "SOL": 100, "ADA": 0.5, "XRP": 0.6} {
		b.Set(sym, p)
	}
	return b
}

func TestPaperMarketFill(t *testing.T) {
	ex := NewPaperExchange(PaperConfig{Name: "paper", FeeBps: 10, SlippageBps: 5}, prices())
	n, err := ex.Translate(models.Order{ID: "o1", Symbol: "BTC", Side: models.Buy, Type: models.Market, Quantity: 1})
	require.NoError(t, err)
	res, err := ex.Submit(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, res.Open)
	require.Len(t, res.Fills, 1)
	assert.InDelta(t, 30015, res.Fills[0].Price, 1e-6)
	assert.InDelta(t, 30.015, res.Fills[0].Fee, 1e-6)
}

func TestPaperLimitRestsUntilCrossed(t *testing.T) {
	book := prices()
	ex := NewPaperExchange(PaperConfig{}, book)
	ctx := context.Background()
	n, _ := ex.Translate(models.Order{ID: "o", Symbol: "ETH", Side: models.Buy, Type: models.Limit, Quantity: 2, LimitPrice: 1900})
	res, err := ex.Submit(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Open)
	assert.Empty(t, res.Fills)

	book.Set("ETH", 1890)
	fills, done, err := ex.Poll(ctx, "ETH", res.ExchangeOrderID)
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, fills, 1)
	assert.Equal(t, 1900.0, fills[0].Price)
	require.Error(t, ex.Cancel(ctx, "ETH", res.ExchangeOrderID))
}

func TestPaperStopTriggers(t *testing.T) {
	book := prices()
	ex := NewPaperExchange(PaperConfig{}, book)
	ctx := context.Background()
	n, _ := ex.Translate(models.Order{ID: "s", Symbol: "SOL", Side: models.Sell, Type: models.Stop, Quantity: 3, StopPrice: 90})
	res, err := ex.Submit(ctx, n)
	require.NoError(t, err)
	assert.True(t, res.Open)
	book.Set("SOL", 89)
	fills, done, err := ex.Poll(ctx, "SOL", res.ExchangeOrderID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.InDelta(t, 3, fills[0].Quantity, 1e-12)
}

func TestPaperTWAPSlices(t *testing.T) {
	ex := NewPaperExchange(PaperConfig{Slices: 4}, prices())
	ctx := context.Background()
	n, _ := ex.Translate(models.Order{ID: "t", Symbol: "BTC", Side: models.Buy, Type: models.TWAP, Quantity: 1})
	assert.Equal(t, 4, n.Slices)
	res, err := ex.Submit(ctx, n)
	require.NoError(t, err)
	require.True(t, res.Open)
	total := res.Fills[0].Quantity
	polls := 0
	for done := false; !done; {
		var fills []models.Fill
		fills, done, err = ex.Poll(ctx, "BTC", res.ExchangeOrderID)
		require.NoError(t, err)
		for _, f := range fills {
			total += f.Quantity
		}
		polls++
	}
	assert.Equal(t, 3, polls)
	assert.InDelta(t, 1, total, 1e-9)
}

func testTransport() *transport.Client {
	return transport.New(transport.Config{
		Retry:   transport.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond, AttemptTimeout: time.Second},
		Breaker: breaker.Config{FailureThreshold: 5, FailureRatio: 1, MinRequests: 1000, Window: time.Minute, Cooldown: time.Second},
	}, nil, nil, nil)
}

func TestRESTExchangeSignsAndReconciles(t *testing.T) {
	const secret = "s3cr3t-value"
	var polled int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path == "/api/v3/ticker/bookTicker" {
			_, _ = w.Write([]byte(`{"bidPrice":"29990.0","askPrice":"30010.0"}`))
			return
		}
		sig := q.Get("signature")
		q.Del("signature")
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(q.Encode()))
		if sig != hex.EncodeToString(mac.Sum(nil)) || r.Header.Get("X-MBX-APIKEY") != "key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost:
			assert.Equal(t, "BTCUSDT", q.Get("symbol"))
			assert.Equal(t, "LIMIT", q.Get("type"))
			_, _ = w.Write([]byte(`{"orderId":42,"status":"PARTIALLY_FILLED","fills":[{"price":"30000","qty":"0.4","commission":"0.01"}]}`))
		case r.Method == http.MethodGet:
			polled++
			_, _ = w.Write([]byte(`{"orderId":42,"status":"FILLED","executedQty":"1.0","cummulativeQuoteQty":"30060"}`))
		default:
			_, _ = w.Write([]byte(`{"orderId":42,"status":"CANCELED"}`))
		}
	}))
	defer srv.Close()

	ex := NewRESTExchange(RESTConfig{Name: "binance", BaseURL: srv.URL, FeeBps: 10}, secrets.Credentials{APIKey: "key-1", APISecret: secret}, testTransport())
	ctx := context.Background()

	q, err := ex.Quote(ctx, "BTC", models.Sell, 1)
	require.NoError(t, err)
	assert.Equal(t, 29990.0, q.Price)

	_, err = ex.Translate(models.Order{Symbol: "BTC", Type: models.VWAP, Quantity: 1})
	require.Error(t, err)

	n, err := ex.Translate(models.Order{ID: "c1", Symbol: "BTC", Side: models.Buy, Type: models.Limit, Quantity: 1, LimitPrice: 30100})
	require.NoError(t, err)
	res, err := ex.Submit(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, "42", res.ExchangeOrderID)
	assert.True(t, res.Open)
	require.Len(t, res.Fills, 1)

	fills, done, err := ex.Poll(ctx, "BTC", "42")
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.6, fills[0].Quantity, 1e-9)
	assert.InDelta(t, 30100, fills[0].Price, 1e-6)
	assert.Equal(t, 1, polled)
}

func TestPoolPrefersCheaperHealthyVenue(t *testing.T) {
	book := prices()
	pool := NewPool(0.5)
	pool.Add(NewPaperExchange(PaperConfig{Name: "a", FeeBps: 10}, book), ConnConfig{})
	b := pool.Add(NewPaperExchange(PaperConfig{Name: "b", FeeBps: 5}, book), ConnConfig{})
	o := models.Order{ID: "x", Symbol: "BTC", Side: models.Buy, Type: models.Market, Quantity: 0.1}

	r, err := pool.Select(context.Background(), o, modePaper)
	require.NoError(t, err)
	assert.Equal(t, "b", r.Conn.Name())

	for i := 0; i < 4; i++ {
		b.observe(false, 0, errors.New("timeout"))
	}
	r, err = pool.Select(context.Background(), o, modePaper)
	require.NoError(t, err)
	assert.Equal(t, "a", r.Conn.Name())
	_, ok := pool.Get("b")
	assert.True(t, ok, "unhealthy venue stays reachable for cancels")

	_, err = pool.Select(context.Background(), o, modeLive)
	assert.True(t, errors.Is(err, ErrNoExchange))
}

type memRepo struct {
	mu          sync.Mutex
	orders      map[string]models.Order
	transitions []models.Transition
	executions  []models.Execution
}

func newMemRepo() *memRepo { return &memRepo{orders: map[string]models.Order{}} }

func (r *memRepo) SaveOrder(_ context.Context, o models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	return nil
}
func (r *memRepo) AppendTransition(_ context.Context, t models.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}
func (r *memRepo) AppendExecution(_ context.Context, e models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, e)
	return nil
}
func (r *memRepo) Order(_ context.Context, id string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}
func (r *memRepo) OpenOrders(context.Context) ([]models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Order
	for _, o := range r.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}
func (r *memRepo) Transitions(_ context.Context, id string) ([]models.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transition
	for _, t := range r.transitions {
		if t.OrderID == id {
			out = append(out, t)
		}
	}
	return out, nil
}
func (r *memRepo) Executions(context.Context, time.Time) ([]models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Execution(nil), r.executions...), nil
}

type fakeVaR struct{ factor float64 }

func (f fakeVaR) Compute(_ context.Context, id string, comp map[string]float64, m models.Methodology) (models.VaRResult, error) {
	total := 0.0
	for _, v := range comp {
		total += math.Abs(v)
	}
	return models.VaRResult{PortfolioID: id, Methodology: m, Value: total * f.factor}, nil
}

type harness struct {
	risk   *risk.Manager
	orders *Manager
	repo   *memRepo
	book   *PriceBook
	cancel context.CancelFunc
}

func newHarness(t *testing.T, trading bool) *harness {
	t.Helper()
	var rc config.RiskConfig
	require.NoError(t, defaults.Set(&rc))
	var oc config.OrdersConfig
	require.NoError(t, defaults.Set(&oc))
	oc.TradingEnabled = trading

	rm := risk.NewManager(rc, nil, nil, risk.WithVaR(fakeVaR{factor: 0.001}))
	book := prices()
	pool := NewPool(oc.HealthFloor)
	pool.Add(NewPaperExchange(PaperConfig{Name: "paper", FeeBps: 10, SlippageBps: 5}, book), ConnConfig{OrdersPerSecond: 100, Burst: 100})
	repo := newMemRepo()
	om := NewManager(oc, pool, rm, nil, nil, WithRepository(repo), WithPollInterval(time.Hour))
	rm.SubscribeEmergency("orders", om.OnEmergency)

	ctx, cancel := context.WithCancel(context.Background())
	go om.Run(ctx)
	h := &harness{risk: rm, orders: om, repo: repo, book: book, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		rm.Close()
	})
	return h
}

func TestMarketOrderFlowsToLedger(t *testing.T) {
	h := newHarness(t, true)
	o, err := h.orders.Submit(context.Background(), Request{Symbol: "btc", Side: models.Buy, Type: models.Market, Quantity: 0.05})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, o.Status)
	assert.Equal(t, "BTC", o.Symbol)
	assert.Equal(t, "paper", o.Exchange)
	require.NotNil(t, o.TerminalAt)

	pos := h.risk.Snapshot().Positions["BTC"]
	assert.InDelta(t, 0.05, pos.Quantity, 1e-12)

	execs, _ := h.repo.Executions(context.Background(), time.Time{})
	require.Len(t, execs, 1)
	assert.InDelta(t, 5, execs[0].SlippageBps, 1e-6)
	assert.Equal(t, 30000.0, execs[0].ExpectedPrice)

	trs, _ := h.repo.Transitions(context.Background(), o.ID)
	require.Len(t, trs, 2)
	assert.Equal(t, models.StatusRouted, trs[0].To)
	assert.Equal(t, models.StatusFilled, trs[1].To)
}

func TestRiskRejectionAndTradingFlag(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.orders.Submit(ctx, Request{Symbol: "BTC", Side: models.Buy, Type: models.Market, Quantity: 0.01})
	require.True(t, errors.Is(err, ErrTradingDisabled))

	h.orders.SetTrading(true)
	o, err := h.orders.Submit(ctx, Request{Symbol: "BTC", Side: models.Buy, Type: models.Market, Quantity: 0.2})
	var rv *errs.RiskViolation
	require.True(t, errors.As(err, &rv))
	assert.Equal(t, models.StatusRejected, o.Status)

	_, err = h.orders.Submit(ctx, Request{Symbol: "BTC", Side: models.Buy, Type: models.Limit, Quantity: 0.01})
	var vr *errs.ValidationRejected
	require.True(t, errors.As(err, &vr))
}

func TestEmergencyStopScenario(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	for sym, qty := range map[string]float64{"BTC": 0.03, "ETH": 0.5, "SOL": 10, "ADA": 2000, "XRP": 1500} {
		_, err := h.orders.Submit(ctx, Request{Symbol: sym, Side: models.Buy, Type: models.Market, Quantity: qty})
		require.NoError(t, err, sym)
	}
	require.Equal(t, 5, h.risk.Snapshot().OpenCount())

	var live []string
	for sym, limit := range map[string]float64{"BTC": 20000, "ETH": 1000, "SOL": 50} {
		o, err := h.orders.Submit(ctx, Request{Symbol: sym, Side: models.Buy, Type: models.Limit, Quantity: 0.01, LimitPrice: limit})
		require.NoError(t, err, sym)
		require.Equal(t, models.StatusRouted, o.Status)
		live = append(live, o.ID)
	}

	require.True(t, h.risk.TriggerEmergency(ctx, "scenario"))
	require.Eventually(t, func() bool {
		for _, id := range live {
			if o, _ := h.orders.Order(id); o.Status != models.StatusCancelled {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err := h.orders.Submit(ctx, Request{Symbol: "ETH", Side: models.Buy, Type: models.Market, Quantity: 0.01})
	var stop *errs.EmergencyStopActive
	require.True(t, errors.As(err, &stop))
	assert.True(t, h.risk.EmergencyActive(), "stop holds until cleared")

	require.NoError(t, h.risk.Clear(ctx, "operator"))
	_, err = h.orders.Submit(ctx, Request{Symbol: "ETH", Side: models.Buy, Type: models.Market, Quantity: 0.01})
	require.NoError(t, err)
}

func TestLiquidateClosesBookDuringEmergency(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	for sym, qty := range map[string]float64{"BTC": 0.03, "ETH": 0.5} {
		_, err := h.orders.Submit(ctx, Request{Symbol: sym, Side: models.Buy, Type: models.Market, Quantity: qty})
		require.NoError(t, err)
	}
	h.risk.TriggerEmergency(ctx, "drill")
	h.orders.SetTrading(false)

	orders, err := h.orders.Liquidate(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, 0, h.risk.Snapshot().OpenCount())
}

func TestCancelFilledOrderIsStateError(t *testing.T) {
	h := newHarness(t, true)
	o, err := h.orders.Submit(context.Background(), Request{Symbol: "SOL", Side: models.Buy, Type: models.Market, Quantity: 1})
	require.NoError(t, err)
	_, err = h.orders.Cancel(context.Background(), o.ID)
	var se *errs.StateError
	require.True(t, errors.As(err, &se))
}

func TestSetModeNeedsVenue(t *testing.T) {
	h := newHarness(t, true)
	require.Error(t, h.orders.SetMode("live"))
	require.Error(t, h.orders.SetMode("margin"))
	require.NoError(t, h.orders.SetMode("paper"))
}

func TestRefusedFillLeavesOrderAndLedgerInStep(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	e := &entry{order: models.Order{
		ID: "ord-refused", Exchange: "paper", Symbol: "BTC", Side: models.Buy, Type: models.Market,
		Quantity: 0.1, Status: models.StatusRouted,
	}, expected: 30000}
	now := time.Now().UTC()

	e.mu.Lock()
	h.orders.reconcile(ctx, e, []models.Fill{
		{Quantity: 0.04, Price: 0, At: now},
		{Quantity: 0.04, Price: 30010, At: now},
	}, false, time.Millisecond)
	e.mu.Unlock()

	pos := h.risk.Snapshot().Positions["BTC"]
	assert.InDelta(t, 0.04, pos.Quantity, 1e-12)
	assert.InDelta(t, pos.Quantity, e.order.FilledQty, 1e-12)
	assert.InDelta(t, 30010, e.order.AvgFillPrice, 1e-9)
	assert.Equal(t, models.StatusPartial, e.order.Status)

	execs, _ := h.repo.Executions(ctx, time.Time{})
	require.Len(t, execs, 1, "only the booked fill is recorded")
}
