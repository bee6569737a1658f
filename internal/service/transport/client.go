// Package transport is the outbound HTTP path shared by every provider and
// exchange adapter: rate-limit admission, circuit-breaker admission and a
// retry wrapper around a pooled client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/breaker"
	"CryptoPull/internal/service/ratelimit"
	xhttp "CryptoPull/pkg/http"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
}

func DefaultRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.1, AttemptTimeout: 10 * time.Second}
}

type Config struct {
	Retry           RetryConfig
	Breaker         breaker.Config
	MaxConnsPerHost int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	RequestTimeout  time.Duration
	UserAgent       string
	// MaxResponseBytes caps a response body; 0 keeps the client default.
	MaxResponseBytes int64
}

// Request is one logical call. Provider selects the rate-limit window; the
// breaker is keyed by URL host.
type Request struct {
	Provider string
	Priority ratelimit.Priority
	Method   string
	URL      string
	Query    url.Values
	Headers  map[string]string
	Body     []byte
	// Sign, when set, is called before every attempt so signatures carry a
	// fresh timestamp.
	Sign func(q url.Values, headers map[string]string)
}

type hostHealth struct {
	lastSuccess time.Time
	lastFailure time.Time
	consecutive int
	successEWMA float64
	latencyEWMA float64 // seconds
}

// Client is safe for concurrent use.
type Client struct {
	cfg      Config
	http     *xhttp.Client
	limiter  *ratelimit.Limiter
	breakers *breaker.Set
	lgr      *applogger.Logger
	metrics  repository.Metrics
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	health map[string]*hostHealth
}

// New builds the client. limiter may be nil (no admission control).
func New(cfg Config, limiter *ratelimit.Limiter, l *applogger.Logger, m repository.Metrics) *Client {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 1
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	c := &Client{
		cfg: cfg,
		http: xhttp.NewClient(
			xhttp.WithTimeout(cfg.RequestTimeout),
			xhttp.WithPool(cfg.MaxConnsPerHost, cfg.MaxIdleConns, cfg.IdleConnTimeout),
			xhttp.WithUserAgent(cfg.UserAgent),
			xhttp.WithMaxBody(cfg.MaxResponseBytes),
		),
		limiter: limiter,
		lgr:     l.Component("transport"),
		metrics: m,
		sleep:   sleepCtx,
		health:  make(map[string]*hostHealth),
	}
	c.breakers = breaker.NewSet(cfg.Breaker, breaker.WithListener(func(ch breaker.StateChange) {
		m.RecordBreakerState(ch.Host, ch.To)
		c.lgr.Warn("breaker state change",
			applogger.String("host", ch.Host),
			applogger.String("from", ch.From.String()),
			applogger.String("to", ch.To.String()))
	}))
	return c
}

// Do executes req and returns the response body of a 2xx answer.
//
// Each attempt waits for the provider's rolling windows, then asks the host
// breaker for admission. Transport errors, 5xx and 429 are retried with
// jittered exponential backoff; other 4xx are returned at once.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &errs.ValidationRejected{Field: "url", Reason: err.Error()}
	}
	host := u.Host
	br := c.breakers.For(host)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx, req.Provider, req.Priority); err != nil {
			var rl *errs.RateLimited
			if errors.As(err, &rl) {
				c.metrics.RecordRateLimited(req.Provider)
			}
			return nil, err
		}
		done, err := br.Allow()
		if err != nil {
			return nil, err
		}

		body, retryAfter, err := c.attempt(ctx, host, req)
		done(!isHostFailure(err))
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return nil, c.final(req, host, err)
		}
		if attempt >= c.cfg.Retry.MaxRetries {
			return nil, c.final(req, host, err)
		}

		delay := c.backoff(attempt)
		if retryAfter > 0 {
			if retryAfter > c.cfg.Retry.MaxDelay && c.cfg.Retry.MaxDelay > 0 {
				c.metrics.RecordRateLimited(req.Provider)
				return nil, &errs.RateLimited{Provider: req.Provider, RetryAfter: retryAfter}
			}
			delay = max(delay, retryAfter)
		}
		c.metrics.RecordRetry(host)
		c.lgr.Debug("retrying request",
			applogger.String("host", host),
			applogger.Int("attempt", attempt+1),
			applogger.Duration("delay", delay),
			applogger.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.final(req, host, lastErr)
		}
	}
}

func (c *Client) attempt(ctx context.Context, host string, req Request) ([]byte, time.Duration, error) {
	actx := ctx
	if c.cfg.Retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.cfg.Retry.AttemptTimeout)
		defer cancel()
	}

	q := url.Values{}
	for k, v := range req.Query {
		q[k] = append([]string(nil), v...)
	}
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Sign != nil {
		req.Sign(q, headers)
	}
	opts := &xhttp.RequestOptions{Method: req.Method, URL: req.URL, Headers: headers, QueryParams: q, Body: req.Body}

	start := time.Now()
	body, err := c.http.Fetch(actx, opts)
	elapsed := time.Since(start)

	var se *xhttp.StatusError
	switch {
	case err == nil:
		c.observe(host, true, elapsed)
		c.metrics.RecordTransportRequest(host, "ok", elapsed.Seconds())
		return body, 0, nil
	case errors.As(err, &se):
		outcome := "client_error"
		if se.Status >= 500 {
			outcome = "server_error"
		}
		c.observe(host, se.Status < 500, elapsed)
		c.metrics.RecordTransportRequest(host, outcome, elapsed.Seconds())
		return nil, se.RetryAfter, err
	default:
		c.observe(host, false, elapsed)
		c.metrics.RecordTransportRequest(host, "network_error", elapsed.Seconds())
		return nil, 0, stripQuery(err)
	}
}

// stripQuery drops the query string from *url.Error so signed credentials
// never reach logs.
func stripQuery(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "redacted", Err: ue.Err}
	}
	u.RawQuery = ""
	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}

// final converts the last attempt error into the domain taxonomy.
func (c *Client) final(req Request, host string, err error) error {
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusTooManyRequests:
			c.metrics.RecordRateLimited(req.Provider)
			return &errs.RateLimited{Provider: req.Provider, RetryAfter: se.RetryAfter}
		case se.Status >= 500:
			return &errs.TransientTransport{Host: host, Status: se.Status, Err: err}
		default:
			return fmt.Errorf("%s %s: %w", req.Method, host, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &errs.TransientTransport{Host: host, Err: err}
}

func (c *Client) backoff(attempt int) time.Duration {
	r := c.cfg.Retry
	d := float64(r.BaseDelay) * math.Pow(r.Multiplier, float64(attempt))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	if r.Jitter > 0 {
		d += d * r.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// retryable: transport errors, 5xx and 429.
func retryable(err error) bool {
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// isHostFailure: only transport errors and 5xx count against the breaker.
func isHostFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func (c *Client) observe(host string, ok bool, latency time.Duration) {
	const alpha = 0.2
	c.mu.Lock()
	defer c.mu.Unlock()
	h, exists := c.health[host]
	if !exists {
		h = &hostHealth{successEWMA: 1, latencyEWMA: latency.Seconds()}
		c.health[host] = h
	}
	v := 0.0
	if ok {
		v = 1
		h.lastSuccess = time.Now()
		h.consecutive = 0
	} else {
		h.lastFailure = time.Now()
		h.consecutive++
	}
	h.successEWMA = alpha*v + (1-alpha)*h.successEWMA
	h.latencyEWMA = alpha*latency.Seconds() + (1-alpha)*h.latencyEWMA
}

// Health reports per-host health sorted by host. Score is the success EWMA
// discounted by latency above one second.
func (c *Client) Health() []models.HostHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.HostHealth, 0, len(c.health))
	for host, h := range c.health {
		score := h.successEWMA
		if h.latencyEWMA > 1 {
			score /= h.latencyEWMA
		}
		out = append(out, models.HostHealth{
			Host: host, Score: score, ConsecutiveFailures: h.consecutive,
			LastSuccess: h.lastSuccess, LastFailure: h.lastFailure,
			AvgLatency: time.Duration(h.latencyEWMA * float64(time.Second)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (c *Client) Breakers() []models.BreakerSnapshot { return c.breakers.Snapshots() }

func (c *Client) BreakerState(host string) models.BreakerState { return c.breakers.For(host).State() }

func (c *Client) RateLimits() []models.RateWindowStatus { return c.limiter.All() }

func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// Maintain closes idle pooled connections and logs unhealthy hosts every
// interval until ctx is done.
func (c *Client) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.http.CloseIdle()
			return
		case <-t.C:
			c.http.CloseIdle()
			for _, h := range c.Health() {
				if h.Score < 0.5 {
					c.lgr.Warn("host unhealthy",
						applogger.String("host", h.Host),
						applogger.Float64("score", h.Score),
						applogger.Int("consecutive_failures", h.ConsecutiveFailures))
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
