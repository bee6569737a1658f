package order

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/ratelimit"
	"CryptoPull/internal/service/secrets"
	"CryptoPull/internal/service/transport"
)

type RESTConfig struct {
	Name        string
	BaseURL     string
	Quote       string // pair suffix, USDT
	FeeBps      float64
	SlippageBps float64
	RecvWindow  time.Duration
}

// RESTExchange speaks the Binance spot REST dialect. Signed endpoints carry
// an HMAC-SHA256 of the query string computed per attempt.
type RESTExchange struct {
	cfg    RESTConfig
	creds  secrets.Credentials
	client *transport.Client
	now    func() time.Time

	mu       sync.Mutex
	executed map[string]decimal.Decimal // cumulative qty already reported
	quoteQty map[string]decimal.Decimal
}

func NewRESTExchange(cfg RESTConfig, creds secrets.Credentials, client *transport.Client) *RESTExchange {
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTExchange{cfg: cfg, creds: creds, client: client, now: time.Now,
		executed: make(map[string]decimal.Decimal), quoteQty: make(map[string]decimal.Decimal)}
}

func (r *RESTExchange) Name() string { return r.cfg.Name }
func (r *RESTExchange) Mode() string { return modeLive }

func (r *RESTExchange) pair(symbol string) string { return strings.ToUpper(symbol) + r.cfg.Quote }

// sign stamps timestamp and recvWindow, then appends the signature.
func (r *RESTExchange) sign(q url.Values, headers map[string]string) {
	q.Del("signature")
	q.Set("timestamp", strconv.FormatInt(r.now().UnixMilli(), 10))
	q.Set("recvWindow", strconv.FormatInt(r.cfg.RecvWindow.Milliseconds(), 10))
	mac := hmac.New(sha256.New, []byte(r.creds.APISecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	headers["X-MBX-APIKEY"] = r.creds.APIKey
}

func (r *RESTExchange) call(ctx context.Context, method, path string, q url.Values, signed bool, out interface{}) error {
	req := transport.Request{Provider: r.cfg.Name, Priority: ratelimit.PriorityCritical, Method: method, URL: r.cfg.BaseURL + path, Query: q}
	if signed {
		req.Sign = r.sign
	}
	raw, err := r.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &errs.ValidationRejected{Field: path, Reason: err.Error()}
	}
	return nil
}

type bookTicker struct {
	Bid string `json:"bidPrice"`
	Ask string `json:"askPrice"`
}

func (r *RESTExchange) Quote(ctx context.Context, symbol string, side models.Side, _ float64) (models.Quote, error) {
	var bt bookTicker
	if err := r.call(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", url.Values{"symbol": {r.pair(symbol)}}, false, &bt); err != nil {
		return models.Quote{}, err
	}
	raw := bt.Ask
	if side == models.Sell {
		raw = bt.Bid
	}
	px, err := decimal.NewFromString(raw)
	if err != nil || !px.IsPositive() {
		return models.Quote{}, &errs.ValidationRejected{Field: "book ticker", Reason: "no price"}
	}
	return models.Quote{Exchange: r.cfg.Name, Price: px.InexactFloat64(), FeeBps: r.cfg.FeeBps, SlippageBps: r.cfg.SlippageBps, Health: 1}, nil
}

func (r *RESTExchange) Translate(o models.Order) (domsvc.NativeOrder, error) {
	n := domsvc.NativeOrder{ClientOrderID: o.ID, Symbol: r.pair(o.Symbol), Side: strings.ToUpper(o.Side.String()), Quantity: roundQty(o.Quantity)}
	switch o.Type {
	case models.Market:
		n.Type = "MARKET"
	case models.Limit:
		n.Type, n.Price = "LIMIT", o.LimitPrice
	case models.Stop:
		n.Type, n.StopPrice, n.Price = "STOP_LOSS_LIMIT", o.StopPrice, o.StopPrice
	default:
		return n, &errs.ValidationRejected{Field: "type", Reason: o.Type.String() + " not supported by " + r.cfg.Name}
	}
	if n.Quantity <= 0 {
		return n, &errs.ValidationRejected{Field: "quantity", Reason: "rounds to zero"}
	}
	return n, nil
}

type restFill struct {
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	Commission string `json:"commission"`
}

type restOrder struct {
	OrderID     int64      `json:"orderId"`
	Status      string     `json:"status"`
	ExecutedQty string     `json:"executedQty"`
	QuoteQty    string     `json:"cummulativeQuoteQty"`
	Fills       []restFill `json:"fills"`
}

func terminalStatus(s string) bool {
	switch s {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return true
	}
	return false
}

func (r *RESTExchange) Submit(ctx context.Context, n domsvc.NativeOrder) (domsvc.SubmitResult, error) {
	q := url.Values{
		"symbol":           {n.Symbol},
		"side":             {n.Side},
		"type":             {n.Type},
		"quantity":         {decimal.NewFromFloat(n.Quantity).String()},
		"newClientOrderId": {n.ClientOrderID},
		"newOrderRespType": {"FULL"},
	}
	if n.Type != "MARKET" {
		q.Set("price", decimal.NewFromFloat(n.Price).String())
		q.Set("timeInForce", "GTC")
	}
	if n.StopPrice > 0 {
		q.Set("stopPrice", decimal.NewFromFloat(n.StopPrice).String())
	}
	var ro restOrder
	if err := r.call(ctx, http.MethodPost, "/api/v3/order", q, true, &ro); err != nil {
		return domsvc.SubmitResult{}, err
	}
	id := strconv.FormatInt(ro.OrderID, 10)
	res := domsvc.SubmitResult{ExchangeOrderID: id, Open: !terminalStatus(ro.Status)}
	at := r.now().UTC()
	var cum, quote decimal.Decimal
	for _, f := range ro.Fills {
		qty, _ := decimal.NewFromString(f.Qty)
		px, _ := decimal.NewFromString(f.Price)
		fee, _ := decimal.NewFromString(f.Commission)
		if !qty.IsPositive() {
			continue
		}
		cum, quote = cum.Add(qty), quote.Add(qty.Mul(px))
		res.Fills = append(res.Fills, models.Fill{ExchangeOrderID: id, Quantity: qty.InexactFloat64(), Price: px.InexactFloat64(), Fee: fee.InexactFloat64(), At: at})
	}
	r.mu.Lock()
	r.executed[id], r.quoteQty[id] = cum, quote
	r.mu.Unlock()
	return res, nil
}

func (r *RESTExchange) Cancel(ctx context.Context, symbol, exchangeOrderID string) error {
	var ro restOrder
	q := url.Values{"symbol": {r.pair(symbol)}, "orderId": {exchangeOrderID}}
	if err := r.call(ctx, http.MethodDelete, "/api/v3/order", q, true, &ro); err != nil {
		return err
	}
	r.forget(exchangeOrderID)
	return nil
}

// Poll turns the growth in executed quantity since the last call into one
// fill at the incremental average price.
func (r *RESTExchange) Poll(ctx context.Context, symbol, exchangeOrderID string) ([]models.Fill, bool, error) {
	var ro restOrder
	q := url.Values{"symbol": {r.pair(symbol)}, "orderId": {exchangeOrderID}}
	if err := r.call(ctx, http.MethodGet, "/api/v3/order", q, true, &ro); err != nil {
		return nil, false, err
	}
	exec, _ := decimal.NewFromString(ro.ExecutedQty)
	quote, _ := decimal.NewFromString(ro.QuoteQty)

	r.mu.Lock()
	prevQty, prevQuote := r.executed[exchangeOrderID], r.quoteQty[exchangeOrderID]
	r.executed[exchangeOrderID], r.quoteQty[exchangeOrderID] = exec, quote
	r.mu.Unlock()

	done := terminalStatus(ro.Status)
	if done {
		r.forget(exchangeOrderID)
	}
	dq := exec.Sub(prevQty)
	if !dq.IsPositive() {
		return nil, done, nil
	}
	px := quote.Sub(prevQuote).Div(dq)
	fee := quote.Sub(prevQuote).Mul(decimal.NewFromFloat(r.cfg.FeeBps)).Div(bps)
	return []models.Fill{{ExchangeOrderID: exchangeOrderID, Quantity: dq.InexactFloat64(), Price: px.InexactFloat64(), Fee: fee.InexactFloat64(), At: r.now().UTC()}}, done, nil
}

func (r *RESTExchange) forget(id string) {
	r.mu.Lock()
	delete(r.executed, id)
	delete(r.quoteQty, id)
	r.mu.Unlock()
}

var _ domsvc.Exchange = (*RESTExchange)(nil)
