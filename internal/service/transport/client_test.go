package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/breaker"
	"CryptoPull/internal/service/ratelimit"
)

func testConfig(retries int) Config {
	return Config{
		Retry:   RetryConfig{MaxRetries: retries, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond, AttemptTimeout: time.Second},
		Breaker: breaker.Config{FailureThreshold: 3, FailureRatio: 1, MinRequests: 1000, Window: time.Minute, Cooldown: time.Second},
	}
}

func TestCircuitTripScenario(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			_, _ = w.Write([]byte(`ok`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	host := mustHost(t, srv.URL)

	c := New(testConfig(0), nil, nil, nil)
	ctx := context.Background()
	req := Request{Provider: "p", URL: srv.URL}

	for i := 0; i < 3; i++ {
		_, err := c.Do(ctx, req)
		var tt *errs.TransientTransport
		require.True(t, errors.As(err, &tt), "attempt %d: %v", i, err)
		assert.Equal(t, 500, tt.Status)
	}

	_, err := c.Do(ctx, req)
	var open *errs.CircuitOpen
	require.True(t, errors.As(err, &open))
	assert.Equal(t, host, open.Host)

	healthy.Store(true)
	time.Sleep(1100 * time.Millisecond)
	body, err := c.Do(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, models.BreakerClosed, c.BreakerState(host))
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testConfig(3), nil, nil, nil)
	body, err := c.Do(context.Background(), Request{Provider: "p", URL: srv.URL})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(3), nil, nil, nil)
	for i := 0; i < 5; i++ {
		_, err := c.Do(context.Background(), Request{Provider: "p", URL: srv.URL})
		require.Error(t, err)
	}
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, models.BreakerClosed, c.BreakerState(mustHost(t, srv.URL)), "4xx passes through the breaker")
}

func TestTooManyRequestsBecomesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(testConfig(3), nil, nil, nil)
	_, err := c.Do(context.Background(), Request{Provider: "cc", URL: srv.URL})
	var rl *errs.RateLimited
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 120*time.Second, rl.RetryAfter)
}

func TestDailyQuotaRefusesWithoutCalling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	lim := ratelimit.New()
	lim.Register("cc", ratelimit.Quota{Daily: 1})
	c := New(testConfig(0), lim, nil, nil)
	_, err := c.Do(context.Background(), Request{Provider: "cc", URL: srv.URL})
	require.NoError(t, err)
	_, err = c.Do(context.Background(), Request{Provider: "cc", URL: srv.URL})
	var rl *errs.RateLimited
	require.True(t, errors.As(err, &rl))
	assert.True(t, rl.Quota)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSignRunsPerAttempt(t *testing.T) {
	var seen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("signature") == "" || r.Header.Get("X-MBX-APIKEY") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		seen.Add(1)
	}))
	defer srv.Close()

	c := New(testConfig(0), nil, nil, nil)
	_, err := c.Do(context.Background(), Request{Provider: "x", URL: srv.URL, Sign: func(q url.Values, h map[string]string) {
		q.Set("signature", "abc")
		h["X-MBX-APIKEY"] = "k"
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, seen.Load())
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func TestResponseSizeCapIsEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Data":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]}`))
	}))
	defer srv.Close()

	cfg := testConfig(0)
	cfg.MaxResponseBytes = 16
	_, err := New(cfg, nil, nil, nil).Do(context.Background(), Request{Provider: "p", URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")

	cfg.MaxResponseBytes = 0
	body, err := New(cfg, nil, nil, nil).Do(context.Background(), Request{Provider: "p", URL: srv.URL})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"Data"`)
}
