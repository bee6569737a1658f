// Package stream is the live market-data feed: a Binance combined-stream
// websocket emitting closed kline bars.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CryptoPull/internal/domain/models"
	drepo "CryptoPull/internal/domain/repository"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/util"
)

const maxReconnectDelay = time.Minute

// Config mirrors the stream section of the app config.
type Config struct {
	URL            string
	Symbols        []string
	Quote          string
	Interval       string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	BufferSize     int
}

// Client implements MarketStream over the Binance kline channel.
type Client struct {
	cfg    Config
	lgr    *applogger.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	attempts  int
}

var _ drepo.MarketStream = (*Client)(nil)

func New(cfg Config, l *applogger.Logger) *Client {
	if l == nil {
		l = applogger.NewNop()
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	if cfg.Interval == "" {
		cfg.Interval = "1d"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{cfg: cfg, lgr: l.Component("binance_stream"), dialer: websocket.DefaultDialer}
}

func (c *Client) streamName(symbol string) string {
	return strings.ToLower(util.NormalizeSymbol(symbol)+c.cfg.Quote) + "@kline_" + c.cfg.Interval
}

// Connect dials the combined-stream endpoint.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("binance stream connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.mu.Unlock()
	c.lgr.Info("connected", applogger.String("url", c.cfg.URL))
	return nil
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// Subscribe requests the kline channel for every configured symbol.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return errors.New("binance stream not connected")
	}
	params := make([]string, 0, len(c.cfg.Symbols))
	for _, s := range c.cfg.Symbols {
		params = append(params, c.streamName(s))
	}
	if err := c.conn.WriteJSON(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: 1}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.lgr.Info("subscribed", applogger.Strings("streams", params))
	return nil
}

type wsKline struct {
	Start  int64  `json:"t"`
	Symbol string `json:"s"`
	Open   string `json:"o"`
	Close  string `json:"c"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Volume string `json:"v"`
	Closed bool   `json:"x"`
}

type wsEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string  `json:"e"`
		Kline wsKline `json:"k"`
	} `json:"data"`
}

// Read streams closed bars. Open (still-forming) klines are skipped.
func (c *Client) Read(ctx context.Context) (<-chan *models.Bar, <-chan error) {
	bars := make(chan *models.Bar, c.cfg.BufferSize)
	errc := make(chan error, 1)

	if c.cfg.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(c.cfg.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.mu.Lock()
					if c.conn != nil {
						_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
					}
					c.mu.Unlock()
				}
			}
		}()
	}

	go func() {
		defer close(bars)
		defer close(errc)
		for {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				errc <- errors.New("binance stream conn nil")
				return
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				errc <- fmt.Errorf("binance stream read: %w", err)
				return
			}
			bar, ok := c.decode(b)
			if !ok {
				continue
			}
			select {
			case bars <- bar:
			case <-ctx.Done():
				return
			default:
				c.lgr.Warn("bar dropped on backpressure", applogger.String("symbol", bar.Symbol))
			}
		}
	}()
	return bars, errc
}

func (c *Client) decode(b []byte) (*models.Bar, bool) {
	var env wsEnvelope
	if err := json.Unmarshal(b, &env); err != nil || env.Data.Event != "kline" {
		// subscription acks and other frames
		return nil, false
	}
	k := env.Data.Kline
	if !k.Closed {
		return nil, false
	}
	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			c.lgr.Warn("bad kline field", applogger.String("stream", env.Stream), applogger.Error(err))
			return nil, false
		}
		vals[i] = v
	}
	return &models.Bar{
		Symbol:    strings.TrimSuffix(strings.ToUpper(k.Symbol), c.cfg.Quote),
		Timestamp: util.DayStart(time.UnixMilli(k.Start)),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Source:    "binance_stream",
	}, true
}

// Reconnect closes the socket and redials with exponential backoff.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	c.mu.Lock()
	delay := c.cfg.ReconnectDelay << min(c.attempts, 5)
	c.attempts++
	c.mu.Unlock()
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	c.lgr.Warn("reconnecting", applogger.Duration("delay", delay))
	t := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
