package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/service"
	applogger "CryptoPull/pkg/logger"
)

// ErrNoProvider is returned when no registered provider has the capability.
var ErrNoProvider = errors.New("no provider registered for capability")

// Registry keeps providers ordered by priority (lower value first, then name)
// and fails over between them.
type Registry struct {
	lgr *applogger.Logger

	mu        sync.RWMutex
	market    []service.MarketDataProvider
	sentiment []service.SentimentProvider
}

func NewRegistry(l *applogger.Logger, providers ...service.Provider) *Registry {
	if l == nil {
		l = applogger.NewNop()
	}
	r := &Registry{lgr: l.Component("provider_registry")}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p under every capability interface it implements.
func (r *Registry) Register(p service.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := p.(service.MarketDataProvider); ok {
		r.market = append(r.market, m)
		sort.SliceStable(r.market, func(i, j int) bool { return less(r.market[i], r.market[j]) })
	}
	if s, ok := p.(service.SentimentProvider); ok {
		r.sentiment = append(r.sentiment, s)
		sort.SliceStable(r.sentiment, func(i, j int) bool { return less(r.sentiment[i], r.sentiment[j]) })
	}
}

func less(a, b service.Provider) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	return a.Name() < b.Name()
}

func (r *Registry) Market() []service.MarketDataProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]service.MarketDataProvider(nil), r.market...)
}

func (r *Registry) Sentiment() []service.SentimentProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]service.SentimentProvider(nil), r.sentiment...)
}

// ShouldFailover reports whether err from one provider justifies trying the
// next: an open circuit, an exhausted rate limit or quota, or a transport
// failure that survived its retries. Bad data does not fail over.
func ShouldFailover(err error) bool {
	var (
		open *errs.CircuitOpen
		rl   *errs.RateLimited
		tt   *errs.TransientTransport
	)
	return errors.As(err, &open) || errors.As(err, &rl) || errors.As(err, &tt)
}

// FetchBars returns bars from the first provider that answers, and its name.
func (r *Registry) FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, string, error) {
	var lastErr error = ErrNoProvider
	for _, p := range r.Market() {
		bars, err := p.FetchBars(ctx, symbol, from, to)
		if err == nil {
			return bars, p.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if !ShouldFailover(err) {
			return nil, p.Name(), fmt.Errorf("%s fetch bars %s: %w", p.Name(), symbol, err)
		}
		r.lgr.Warn("provider failover",
			applogger.String("provider", p.Name()),
			applogger.String("symbol", symbol),
			applogger.String("code", errs.CodeOf(err)),
			applogger.Error(err))
		lastErr = err
	}
	return nil, "", lastErr
}

type cacheAware interface {
	CachedBars(ctx context.Context, symbol string, from, to time.Time) (bool, error)
}

// CachedBars reports whether the provider FetchBars tries first can answer
// the window from the content cache.
func (r *Registry) CachedBars(ctx context.Context, symbol string, from, to time.Time) (bool, error) {
	market := r.Market()
	if len(market) == 0 {
		return false, nil
	}
	ca, ok := market[0].(cacheAware)
	if !ok {
		return false, nil
	}
	return ca.CachedBars(ctx, symbol, from, to)
}

// EarliestAvailable asks providers in priority order, failing over like FetchBars.
func (r *Registry) EarliestAvailable(ctx context.Context, symbol string) (time.Time, error) {
	var lastErr error = ErrNoProvider
	for _, p := range r.Market() {
		t, err := p.EarliestAvailable(ctx, symbol)
		if err == nil {
			return t, nil
		}
		if !ShouldFailover(err) {
			return time.Time{}, err
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func (r *Registry) LatestAvailable(ctx context.Context, symbol string) (time.Time, error) {
	var lastErr error = ErrNoProvider
	for _, p := range r.Market() {
		t, err := p.LatestAvailable(ctx, symbol)
		if err == nil {
			return t, nil
		}
		if !ShouldFailover(err) {
			return time.Time{}, err
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// SourceArticles is one sentiment provider's answer.
type SourceArticles struct {
	Source   string
	Articles []models.Article
	Err      error
}

// FetchArticles queries every sentiment provider concurrently; sources are
// combined downstream, so one failing source does not fail the call. The
// error is non-nil only when every source failed.
func (r *Registry) FetchArticles(ctx context.Context, symbol string, from, to time.Time) ([]SourceArticles, error) {
	providers := r.Sentiment()
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}
	out := make([]SourceArticles, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p service.SentimentProvider) {
			defer wg.Done()
			arts, err := p.FetchArticles(ctx, symbol, from, to)
			out[i] = SourceArticles{Source: p.Name(), Articles: arts, Err: err}
		}(i, p)
	}
	wg.Wait()

	var failed []error
	for _, sa := range out {
		if sa.Err != nil {
			r.lgr.Warn("sentiment source failed",
				applogger.String("provider", sa.Source),
				applogger.String("symbol", symbol),
				applogger.Error(sa.Err))
			failed = append(failed, sa.Err)
		}
	}
	if len(failed) == len(out) {
		return out, errors.Join(failed...)
	}
	return out, nil
}

// Health reports every provider once, market sources first.
func (r *Registry) Health(ctx context.Context) []service.ProviderHealth {
	seen := make(map[string]struct{})
	var out []service.ProviderHealth
	add := func(p service.Provider) {
		if _, ok := seen[p.Name()]; ok {
			return
		}
		seen[p.Name()] = struct{}{}
		out = append(out, p.Health(ctx))
	}
	for _, p := range r.Market() {
		add(p)
	}
	for _, p := range r.Sentiment() {
		add(p)
	}
	return out
}
