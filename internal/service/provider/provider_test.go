package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/repository"
	"CryptoPull/internal/service/breaker"
	"CryptoPull/internal/service/cache"
	"CryptoPull/internal/service/transport"
	pkgcache "CryptoPull/pkg/cache"
	"CryptoPull/pkg/sqlite"
)

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testClient() *transport.Client {
	return transport.New(transport.Config{
		Retry:   transport.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond, AttemptTimeout: time.Second},
		Breaker: breaker.Config{FailureThreshold: 5, FailureRatio: 1, MinRequests: 1000, Window: time.Minute, Cooldown: time.Minute},
	}, nil, nil, nil)
}

func histodayJSON(from time.Time, days int) string {
	rows := make([]string, 0, days)
	for i := 0; i < days; i++ {
		ts := from.Add(time.Duration(i) * 24 * time.Hour).Unix()
		p := 100 + float64(i)
		rows = append(rows, fmt.Sprintf(`{"time":%d,"open":%g,"high":%g,"low":%g,"close":%g,"volumefrom":10,"volumeto":1000}`, ts, p, p+2, p-2, p+1))
	}
	return `{"Response":"Success","Data":{"Data":[` + strings.Join(rows, ",") + `]}}`
}

func klinesJSON(from time.Time, days int) string {
	rows := make([]string, 0, days)
	for i := 0; i < days; i++ {
		ms := from.Add(time.Duration(i) * 24 * time.Hour).UnixMilli()
		rows = append(rows, fmt.Sprintf(`[%d,"200.0","210.0","190.0","205.0","5.5",%d,"0",1,"0","0","0"]`, ms, ms+86399999))
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func TestCryptoCompareFetchBars(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, histodayPath, r.URL.Path)
		assert.Equal(t, "BTC", r.URL.Query().Get("fsym"))
		assert.Equal(t, "4", r.URL.Query().Get("limit"))
		auth = r.Header.Get("authorization")
		_, _ = w.Write([]byte(histodayJSON(jan1, 5)))
	}))
	defer srv.Close()

	p := NewCryptoCompare(Config{BaseURL: srv.URL, APIKey: "k-1"}, testClient(), nil)
	bars, err := p.FetchBars(context.Background(), "btc", jan1, jan1.AddDate(0, 0, 4))
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, "Apikey k-1", auth)
	for i, b := range bars {
		require.NoError(t, b.Validate())
		assert.Equal(t, jan1.AddDate(0, 0, i), b.Timestamp)
		assert.Equal(t, "cryptocompare", b.Source)
	}
}

func TestCryptoCompareUpstreamErrorIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Response":"Error","Message":"market does not exist"}`))
	}))
	defer srv.Close()
	p := NewCryptoCompare(Config{BaseURL: srv.URL}, testClient(), nil)
	_, err := p.FetchBars(context.Background(), "NOPE", jan1, jan1)
	var vr *errs.ValidationRejected
	require.True(t, errors.As(err, &vr))
}

func TestBinanceDecodesKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(klinesJSON(jan1, 3)))
	}))
	defer srv.Close()

	p := NewBinance(Config{BaseURL: srv.URL}, testClient(), nil)
	bars, err := p.FetchBars(context.Background(), "ETH", jan1, jan1.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 205.0, bars[0].Close)
	assert.Equal(t, 5.5, bars[0].Volume)
	assert.Equal(t, "binance", bars[2].Source)
}

func TestRegistryFailsOverOnTransportFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(klinesJSON(jan1, 2)))
	}))
	defer secondary.Close()

	client := testClient()
	reg := NewRegistry(nil,
		NewBinance(Config{BaseURL: secondary.URL, Priority: 2}, client, nil),
		NewCryptoCompare(Config{BaseURL: primary.URL, Priority: 1}, client, nil),
	)
	require.Equal(t, "cryptocompare", reg.Market()[0].Name())

	bars, source, err := reg.FetchBars(context.Background(), "BTC", jan1, jan1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "binance", source)
	assert.Len(t, bars, 2)
}

func TestRegistryDoesNotFailOverOnBadData(t *testing.T) {
	var secondaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryCalls.Add(1)
		_, _ = w.Write([]byte(klinesJSON(jan1, 1)))
	}))
	defer secondary.Close()

	client := testClient()
	reg := NewRegistry(nil,
		NewCryptoCompare(Config{BaseURL: primary.URL, Priority: 1}, client, nil),
		NewBinance(Config{BaseURL: secondary.URL, Priority: 2}, client, nil),
	)
	_, _, err := reg.FetchBars(context.Background(), "BTC", jan1, jan1)
	var vr *errs.ValidationRejected
	require.True(t, errors.As(err, &vr), "got %v", err)
	assert.Zero(t, secondaryCalls.Load())
}

func TestShouldFailover(t *testing.T) {
	assert.True(t, ShouldFailover(&errs.CircuitOpen{Host: "h"}))
	assert.True(t, ShouldFailover(fmt.Errorf("wrap: %w", &errs.RateLimited{Provider: "p", Quota: true})))
	assert.True(t, ShouldFailover(&errs.TransientTransport{Host: "h", Status: 503}))
	assert.False(t, ShouldFailover(&errs.ValidationRejected{Field: "x"}))
	assert.False(t, ShouldFailover(context.Canceled))
}

func TestHistoricalWindowsAreServedFromCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(sqlite.WithPath(filepath.Join(dir, "c.db")))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, repository.Migrate(ctx, db))
	hot := pkgcache.NewMemoryCache()
	defer hot.Close()
	cc, err := cache.New(repository.NewCacheIndex(db), hot, nil, nil, cache.WithDir(filepath.Join(dir, "blobs")))
	require.NoError(t, err)
	defer cc.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(histodayJSON(jan1, 3)))
	}))
	defer srv.Close()

	p := NewCryptoCompare(Config{BaseURL: srv.URL, APIKey: "rotating"}, testClient(), cc)
	reg := NewRegistry(nil, p)
	cached, err := reg.CachedBars(ctx, "BTC", jan1, jan1.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.False(t, cached)

	for i := 0; i < 3; i++ {
		bars, err := p.FetchBars(ctx, "BTC", jan1, jan1.AddDate(0, 0, 2))
		require.NoError(t, err)
		require.Len(t, bars, 3)
	}
	assert.Equal(t, int32(1), calls.Load())

	cached, err = reg.CachedBars(ctx, "btc", jan1, jan1.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.True(t, cached)
	cached, err = reg.CachedBars(ctx, "BTC", jan1, jan1.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.False(t, cached, "a different window is a different fingerprint")
}

func TestCryptoNewsArticles(t *testing.T) {
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.URL.Query().Get("token")
		_, _ = w.Write([]byte(`{"data":[
			{"news_url":"https://n/1","title":"BTC rallies","text":"t","date":"Tue, 02 Jan 2024 10:00:00 -0500","sentiment":"Positive","tickers":["BTC"]},
			{"news_url":"https://n/2","title":"old","text":"t","date":"Fri, 01 Dec 2023 10:00:00 -0500","sentiment":"Negative","tickers":["BTC"]},
			{"news_url":"","title":"no url","date":"Tue, 02 Jan 2024 10:00:00 -0500"}
		],"total_pages":1}`))
	}))
	defer srv.Close()

	p := NewCryptoNews(Config{BaseURL: srv.URL, APIKey: "tok"}, testClient(), nil)
	arts, err := p.FetchArticles(context.Background(), "BTC", jan1, jan1.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "tok", token)
	assert.Equal(t, 0.6, arts[0].SentimentScore)
	assert.Equal(t, "positive", arts[0].SentimentLabel)
	assert.Equal(t, time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC), arts[0].PublishedAt)
	require.NoError(t, arts[0].Validate())
}

func TestNewsAPIScoresWithLexicon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{"status":"ok","totalResults":2,"articles":[
			{"source":{"name":"x"},"title":"Bitcoin crash deepens","description":"panic sell","url":"https://a/1","publishedAt":"2024-01-02T08:00:00Z"},
			{"source":{"name":"x"},"title":"Bitcoin","description":"","url":"https://a/2","publishedAt":"2024-01-03T08:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	p := NewNewsAPI(Config{BaseURL: srv.URL, APIKey: "key"}, testClient(), nil)
	arts, err := p.FetchArticles(context.Background(), "BTC", jan1, jan1.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Less(t, arts[0].SentimentScore, 0.0)
	assert.Equal(t, "negative", arts[0].SentimentLabel)
	assert.Equal(t, 0.0, arts[1].SentimentScore)
}

func TestLexiconScore(t *testing.T) {
	assert.Equal(t, 0.0, LexiconScore(""))
	assert.Equal(t, 1.0, LexiconScore("bullish rally"))
	assert.Equal(t, -1.0, LexiconScore("hack!"))
	s := LexiconScore("one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen gain")
	assert.InDelta(t, 0.5, s, 1e-9)
}

func TestRegistryArticlesToleratesOneFailingSource(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","totalResults":0,"articles":[]}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	client := testClient()
	reg := NewRegistry(nil,
		NewNewsAPI(Config{BaseURL: good.URL}, client, nil),
		NewCryptoNews(Config{BaseURL: bad.URL}, client, nil),
	)
	res, err := reg.FetchArticles(context.Background(), "BTC", jan1, jan1)
	require.NoError(t, err)
	require.Len(t, res, 2)
	var failed int
	for _, r := range res {
		if r.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}
