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
	histodayPath = "/data/v2/histoday"
	// histoday returns at most this many bars per call (limit+1 rows).
	histodayMax = 2000
)

// CryptoCompare serves daily bars from the histoday endpoint. It is the
// primary market-data source.
type CryptoCompare struct {
	base
}

var _ service.MarketDataProvider = (*CryptoCompare)(nil)

func NewCryptoCompare(cfg Config, client *transport.Client, c Cache) *CryptoCompare {
	if cfg.Name == "" {
		cfg.Name = "cryptocompare"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://min-api.cryptocompare.com"
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	return &CryptoCompare{base: newBase(cfg, client, c, service.CapMarketBars)}
}

type ccBar struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	VolumeFrom float64 `json:"volumefrom"`
	VolumeTo   float64 `json:"volumeto"`
}

type ccResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		TimeFrom int64   `json:"TimeFrom"`
		TimeTo   int64   `json:"TimeTo"`
		Data     []ccBar `json:"Data"`
	} `json:"Data"`
}

type ccChunk struct {
	start, end time.Time
	limit      int
}

// ccChunks pages backwards from to in steps of histodayMax days.
func ccChunks(from, to time.Time) []ccChunk {
	var out []ccChunk
	for end := to; !end.Before(from); {
		days := int(end.Sub(from)/util.Day) + 1
		limit := min(days, histodayMax) - 1
		start := end.Add(-time.Duration(limit) * util.Day)
		out = append(out, ccChunk{start: start, end: end, limit: limit})
		end = start.Add(-util.Day)
	}
	return out
}

func (p *CryptoCompare) FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	symbol = util.NormalizeSymbol(symbol)
	from, to = util.DayStart(from), util.DayStart(to)
	if to.Before(from) {
		return nil, &errs.ValidationRejected{Field: "window", Reason: "to before from"}
	}
	var out []models.Bar
	for _, c := range ccChunks(from, to) {
		chunk, err := p.fetchChunk(ctx, symbol, c)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return clipBars(out, from, to), nil
}

// CachedBars reports whether every page of the window is already cached.
func (p *CryptoCompare) CachedBars(ctx context.Context, symbol string, from, to time.Time) (bool, error) {
	symbol = util.NormalizeSymbol(symbol)
	from, to = util.DayStart(from), util.DayStart(to)
	if to.Before(from) {
		return false, nil
	}
	for _, c := range ccChunks(from, to) {
		ok, err := p.cached(ctx, histodayPath, p.chunkQuery(symbol, c), cache.Window(c.start, c.end), p.barsDataType(c.end))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p *CryptoCompare) chunkQuery(symbol string, c ccChunk) url.Values {
	q := url.Values{}
	q.Set("fsym", symbol)
	q.Set("tsym", p.cfg.Quote)
	q.Set("limit", strconv.Itoa(c.limit))
	q.Set("toTs", strconv.FormatInt(c.end.Unix(), 10))
	return q
}

func (p *CryptoCompare) fetchChunk(ctx context.Context, symbol string, c ccChunk) ([]models.Bar, error) {
	body, err := p.get(ctx, histodayPath, p.chunkQuery(symbol, c), cache.Window(c.start, c.end), p.barsDataType(c.end), p.sign)
	if err != nil {
		return nil, err
	}
	var resp ccResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &errs.ValidationRejected{Field: "payload", Reason: fmt.Sprintf("cryptocompare decode: %v", err)}
	}
	if resp.Response == "Error" {
		return nil, &errs.ValidationRejected{Field: "response", Reason: resp.Message}
	}
	bars := make([]models.Bar, 0, len(resp.Data.Data))
	for _, r := range resp.Data.Data {
		// rows before the listing date come back as all zeros
		if r.Open == 0 && r.Close == 0 && r.VolumeFrom == 0 {
			continue
		}
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: util.DayStart(time.Unix(r.Time, 0)),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.VolumeFrom,
			Source:    p.cfg.Name,
		})
	}
	return bars, nil
}

// EarliestAvailable scans the deepest single page for the first traded day.
func (p *CryptoCompare) EarliestAvailable(ctx context.Context, symbol string) (time.Time, error) {
	symbol = util.NormalizeSymbol(symbol)
	end := p.lastClosedDay()
	start := end.Add(-time.Duration(histodayMax-1) * util.Day)
	bars, err := p.fetchChunk(ctx, symbol, ccChunk{start: start, end: end, limit: histodayMax - 1})
	if err != nil {
		return time.Time{}, err
	}
	if len(bars) == 0 {
		return time.Time{}, &errs.InsufficientData{What: "cryptocompare history for " + symbol, Have: 0, Need: 1}
	}
	earliest := bars[0].Timestamp
	for _, b := range bars[1:] {
		if b.Timestamp.Before(earliest) {
			earliest = b.Timestamp
		}
	}
	return earliest, nil
}

func (p *CryptoCompare) LatestAvailable(context.Context, string) (time.Time, error) {
	return p.lastClosedDay(), nil
}

func (p *CryptoCompare) sign(_ url.Values, headers map[string]string) {
	if p.cfg.APIKey != "" {
		headers["authorization"] = "Apikey " + p.cfg.APIKey
	}
}
