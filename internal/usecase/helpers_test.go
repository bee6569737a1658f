package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/repository"
	"CryptoPull/pkg/sqlite"
	"CryptoPull/pkg/util"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n-1) }

type testStore struct {
	db        *sqlite.DB
	bars      *repository.SQLiteBarRepository
	analytics *repository.SQLiteAnalyticsRepository
	articles  *repository.SQLiteArticleRepository
	sentiment *repository.SQLiteSentimentRepository
	quality   *repository.SQLiteQualityRepository
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(sqlite.WithPath(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))
	return &testStore{
		db:        db,
		bars:      repository.NewBarRepository(db),
		analytics: repository.NewAnalyticsRepository(db),
		articles:  repository.NewArticleRepository(db),
		sentiment: repository.NewSentimentRepository(db),
		quality:   repository.NewQualityRepository(db),
	}
}

func bar(symbol string, ts time.Time, close float64, source string) models.Bar {
	return models.Bar{
		Symbol: symbol, Timestamp: ts, Source: source,
		Open: close, High: close * 1.01, Low: close * 0.99, Close: close, Volume: 100,
		QualityScore: 0.9,
	}
}

// fakeMarket serves bars from a fixed population and counts fetches.
type fakeMarket struct {
	name     string
	mu       sync.Mutex
	bars     map[string][]models.Bar
	calls    int
	earliest time.Time
	fail     map[string]error
	// failWindow may fail individual fetches by window.
	failWindow func(symbol string, from, to time.Time) error
	cached     map[time.Time]bool
}

func (f *fakeMarket) Market() []domsvc.MarketDataProvider { return nil }

func (f *fakeMarket) FetchBars(_ context.Context, symbol string, from, to time.Time) ([]models.Bar, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[symbol]; err != nil {
		return nil, "", err
	}
	if f.failWindow != nil {
		if err := f.failWindow(symbol, from, to); err != nil {
			return nil, "", err
		}
	}
	var out []models.Bar
	for _, b := range f.bars[symbol] {
		if b.Timestamp.Before(from) || b.Timestamp.After(to) {
			continue
		}
		b.Source = ""
		b.QualityScore = 0
		out = append(out, b)
	}
	return out, f.name, nil
}

func (f *fakeMarket) EarliestAvailable(context.Context, string) (time.Time, error) {
	if f.earliest.IsZero() {
		return time.Time{}, errors.New("unknown")
	}
	return f.earliest, nil
}

// CachedBars treats a window as cached when every day in it is marked.
func (f *fakeMarket) CachedBars(_ context.Context, _ string, from, to time.Time) (bool, error) {
	if len(f.cached) == 0 {
		return false, nil
	}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if !f.cached[d] {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeMarket) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
	bars   []models.Bar
}

func (p *capturePublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) PublishBars(_ context.Context, bars []models.Bar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars = append(p.bars, bars...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(typ models.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// series builds n daily bars from day(1) with a gentle drift.
func series(symbol string, n int, start float64) []models.Bar {
	out := make([]models.Bar, n)
	c := start
	for i := range out {
		c *= 1 + 0.001*float64((i%7)-3)
		out[i] = bar(symbol, util.DayStart(day(i+1)), c, "seed")
	}
	return out
}
