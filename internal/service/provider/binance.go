package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/cache"
	"CryptoPull/internal/service/transport"
	"CryptoPull/pkg/util"
)

const (
	klinesPath = "/api/v3/klines"
	klinesMax  = 1000
)

// Binance serves daily klines from the public REST API. It is the failover
// market-data source; no key is needed for klines.
type Binance struct {
	base
}

var _ service.MarketDataProvider = (*Binance)(nil)

func NewBinance(cfg Config, client *transport.Client, c Cache) *Binance {
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	return &Binance{base: newBase(cfg, client, c, service.CapMarketBars)}
}

// Pair maps an asset symbol onto the venue pair (BTC -> BTCUSDT).
func (p *Binance) Pair(symbol string) string { return util.NormalizeSymbol(symbol) + p.cfg.Quote }

func (p *Binance) FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	symbol = util.NormalizeSymbol(symbol)
	from, to = util.DayStart(from), util.DayStart(to)
	if to.Before(from) {
		return nil, &errs.ValidationRejected{Field: "window", Reason: "to before from"}
	}
	var out []models.Bar
	for _, w := range klineWindows(from, to) {
		chunk, err := p.fetchChunk(ctx, symbol, w[0], w[1])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return clipBars(out, from, to), nil
}

// CachedBars reports whether every page of the window is already cached.
func (p *Binance) CachedBars(ctx context.Context, symbol string, from, to time.Time) (bool, error) {
	symbol = util.NormalizeSymbol(symbol)
	from, to = util.DayStart(from), util.DayStart(to)
	if to.Before(from) {
		return false, nil
	}
	for _, w := range klineWindows(from, to) {
		ok, err := p.cached(ctx, klinesPath, p.chunkQuery(symbol, w[0], w[1]), cache.Window(w[0], w[1]), p.barsDataType(w[1]))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// klineWindows splits [from, to] forward into pages of klinesMax days.
func klineWindows(from, to time.Time) [][2]time.Time {
	var out [][2]time.Time
	for start := from; !start.After(to); {
		end := start.Add(time.Duration(klinesMax-1) * util.Day)
		if end.After(to) {
			end = to
		}
		out = append(out, [2]time.Time{start, end})
		start = end.Add(util.Day)
	}
	return out
}

func (p *Binance) chunkQuery(symbol string, start, end time.Time) url.Values {
	q := url.Values{}
	q.Set("symbol", p.Pair(symbol))
	q.Set("interval", "1d")
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.Add(util.Day-time.Millisecond).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(klinesMax))
	return q
}

func (p *Binance) fetchChunk(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	body, err := p.get(ctx, klinesPath, p.chunkQuery(symbol, start, end), cache.Window(start, end), p.barsDataType(end), nil)
	if err != nil {
		return nil, err
	}
	return p.decode(symbol, body)
}

// decode reads the positional kline arrays:
// [openTime, open, high, low, close, volume, closeTime, ...].
func (p *Binance) decode(symbol string, body []byte) ([]models.Bar, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &errs.ValidationRejected{Field: "payload", Reason: fmt.Sprintf("binance decode: %v", err)}
	}
	bars := make([]models.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, &errs.ValidationRejected{Field: "payload", Reason: fmt.Sprintf("kline %d has %d fields", i, len(row))}
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, &errs.ValidationRejected{Field: "open_time", Reason: err.Error()}
		}
		vals := make([]float64, 5)
		for j := range vals {
			v, err := decimalField(row[j+1])
			if err != nil {
				return nil, &errs.ValidationRejected{Field: "kline", Reason: err.Error()}
			}
			vals[j] = v
		}
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: util.DayStart(time.UnixMilli(openTime)),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
			Source:    p.cfg.Name,
		})
	}
	return bars, nil
}

// EarliestAvailable asks for the first kline since the epoch.
func (p *Binance) EarliestAvailable(ctx context.Context, symbol string) (time.Time, error) {
	symbol = util.NormalizeSymbol(symbol)
	q := url.Values{}
	q.Set("symbol", p.Pair(symbol))
	q.Set("interval", "1d")
	q.Set("startTime", "0")
	q.Set("limit", "1")
	body, err := p.get(ctx, klinesPath, q, "earliest", cache.TypeHistorical, nil)
	if err != nil {
		return time.Time{}, err
	}
	bars, err := p.decode(symbol, body)
	if err != nil {
		return time.Time{}, err
	}
	if len(bars) == 0 {
		return time.Time{}, &errs.InsufficientData{What: "binance history for " + symbol, Have: 0, Need: 1}
	}
	return bars[0].Timestamp, nil
}

func (p *Binance) LatestAvailable(context.Context, string) (time.Time, error) {
	return p.lastClosedDay(), nil
}

// decimalField accepts Binance's quoted decimals as well as bare numbers.
func decimalField(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	err := json.Unmarshal(raw, &f)
	return f, err
}
