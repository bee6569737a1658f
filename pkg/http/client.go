package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx response. Body holds at most the first 4 KiB.
type StatusError struct {
	Status     int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// RequestOptions describes one outbound call. Query values are appended to
// any already present in URL.
type RequestOptions struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string][]string
	Body        []byte
}

type ClientOption func(*Client)

// Client is an HTTP client over a pooled transport with per-host limits
// and a cap on response size.
type Client struct {
	timeout         time.Duration
	maxConnsPerHost int
	maxIdleConns    int
	idleConnTimeout time.Duration
	maxBody         int64
	userAgent       string
	transport       *http.Transport
	client          *http.Client
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		timeout:         30 * time.Second,
		maxConnsPerHost: 10,
		maxIdleConns:    100,
		idleConnTimeout: 5 * time.Minute,
		maxBody:         32 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.transport = http.DefaultTransport.(*http.Transport).Clone()
	c.transport.MaxConnsPerHost = c.maxConnsPerHost
	c.transport.MaxIdleConnsPerHost = c.maxConnsPerHost
	c.transport.MaxIdleConns = c.maxIdleConns
	c.transport.IdleConnTimeout = c.idleConnTimeout
	c.client = &http.Client{Timeout: c.timeout, Transport: c.transport}
	return c
}

// CloseIdle drops idle pooled connections.
func (c *Client) CloseIdle() { c.transport.CloseIdleConnections() }

// Fetch sends the request and returns the response body. Non-2xx responses
// come back as *StatusError.
func (c *Client) Fetch(ctx context.Context, opts *RequestOptions) ([]byte, error) {
	req, err := c.newRequest(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Status:     resp.StatusCode,
			Body:       body,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("response exceeds %d bytes", c.maxBody)
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, opts *RequestOptions) (*http.Request, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, opts.URL, body)
	if err != nil {
		return nil, err
	}

	if len(opts.QueryParams) > 0 {
		q := req.URL.Query()
		for k, vs := range opts.QueryParams {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithPool sets per-host and total connection limits.
func WithPool(maxConnsPerHost, maxIdleConns int, idleTimeout time.Duration) ClientOption {
	return func(c *Client) {
		if maxConnsPerHost > 0 {
			c.maxConnsPerHost = maxConnsPerHost
		}
		if maxIdleConns > 0 {
			c.maxIdleConns = maxIdleConns
		}
		if idleTimeout > 0 {
			c.idleConnTimeout = idleTimeout
		}
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxBody caps successful response bodies at n bytes.
func WithMaxBody(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
