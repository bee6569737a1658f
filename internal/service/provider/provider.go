// Package provider adapts upstream market-data and news APIs to the
// capability interfaces in internal/domain/service. Every adapter fetches
// through the shared transport client and the content cache.
package provider

import (
	"context"
	"net/url"
	"sort"
	"time"

	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/cache"
	"CryptoPull/internal/service/ratelimit"
	"CryptoPull/internal/service/transport"
	"CryptoPull/pkg/util"
)

// Cache is the subset of the content cache the adapters use.
type Cache interface {
	GetOrFetch(ctx context.Context, req cache.Request, fetch func(context.Context) ([]byte, error)) ([]byte, bool, error)
	Contains(ctx context.Context, key string) (bool, error)
}

// Config is shared by every adapter.
type Config struct {
	Name     string
	BaseURL  string
	APIKey   string
	Priority int
	Quote    string // quote currency or pair suffix (USD, USDT)
	// Class is the rate-limit priority used for this adapter's requests.
	Class ratelimit.Priority
}

type base struct {
	cfg    Config
	client *transport.Client
	cache  Cache
	caps   []service.Capability
	now    func() time.Time
}

func newBase(cfg Config, client *transport.Client, c Cache, caps ...service.Capability) base {
	return base{cfg: cfg, client: client, cache: c, caps: caps, now: time.Now}
}

func (b *base) Name() string                       { return b.cfg.Name }
func (b *base) Priority() int                      { return b.cfg.Priority }
func (b *base) Capabilities() []service.Capability { return b.caps }

func (b *base) QuotaStatus() models.RateWindowStatus {
	return b.client.Limiter().Status(b.cfg.Name)
}

// Health combines the host breaker and the transport's success EWMA. A host
// that has not been contacted yet is reported healthy.
func (b *base) Health(_ context.Context) service.ProviderHealth {
	h := service.ProviderHealth{Name: b.cfg.Name, Healthy: true, Score: 1, Breaker: models.BreakerClosed.String()}
	u, err := url.Parse(b.cfg.BaseURL)
	if err != nil {
		h.Healthy, h.Score, h.LastError = false, 0, err.Error()
		return h
	}
	state := b.client.BreakerState(u.Host)
	h.Breaker = state.String()
	for _, hh := range b.client.Health() {
		if hh.Host == u.Host {
			h.Score = hh.Score
			h.Latency = hh.AvgLatency
		}
	}
	if q := b.QuotaStatus(); q.DailyQuota > 0 && q.DailyUsed >= q.DailyQuota {
		h.LastError = "daily quota exhausted"
		h.Healthy = false
	}
	if state == models.BreakerOpen || h.Score < 0.5 {
		h.Healthy = false
	}
	return h
}

// get fetches endpoint through the cache. dataType picks the cache policy.
func (b *base) get(ctx context.Context, endpoint string, q url.Values, window, dataType string, sign func(url.Values, map[string]string)) ([]byte, error) {
	fetch := func(ctx context.Context) ([]byte, error) {
		return b.client.Do(ctx, transport.Request{
			Provider: b.cfg.Name,
			Priority: b.cfg.Class,
			URL:      b.cfg.BaseURL + endpoint,
			Query:    q,
			Sign:     sign,
		})
	}
	if b.cache == nil {
		return fetch(ctx)
	}
	payload, _, err := b.cache.GetOrFetch(ctx, cache.Request{
		Provider: b.cfg.Name, Endpoint: endpoint, Query: q, Window: window, DataType: dataType,
	}, fetch)
	return payload, err
}

// cached reports whether get would be answered without a network call.
func (b *base) cached(ctx context.Context, endpoint string, q url.Values, window, dataType string) (bool, error) {
	if b.cache == nil {
		return false, nil
	}
	return b.cache.Contains(ctx, cache.Fingerprint(cache.Request{
		Provider: b.cfg.Name, Endpoint: endpoint, Query: q, Window: window, DataType: dataType,
	}))
}

// barsDataType treats a window that ends before today as immutable history.
func (b *base) barsDataType(to time.Time) string {
	if util.DayStart(to).Before(util.DayStart(b.now())) {
		return cache.TypeHistorical
	}
	return cache.TypePrice
}

// lastClosedDay is the most recent fully closed UTC day.
func (b *base) lastClosedDay() time.Time {
	return util.DayStart(b.now()).Add(-util.Day)
}

// clipBars keeps valid bars inside [from, to] sorted by time.
func clipBars(in []models.Bar, from, to time.Time) []models.Bar {
	from, to = util.DayStart(from), util.DayStart(to)
	out := make([]models.Bar, 0, len(in))
	seen := make(map[time.Time]struct{}, len(in))
	for _, bar := range in {
		if bar.Timestamp.Before(from) || bar.Timestamp.After(to) {
			continue
		}
		if _, dup := seen[bar.Timestamp]; dup {
			continue
		}
		seen[bar.Timestamp] = struct{}{}
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
