package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamEmitsClosedKlinesOnly(t *testing.T) {
	subscribed := make(chan subscribeMsg, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var sub subscribeMsg
		require.NoError(t, conn.ReadJSON(&sub))
		subscribed <- sub
		frames := []string{
			`{"result":null,"id":1}`,
			`{"stream":"btcusdt@kline_1d","data":{"e":"kline","k":{"t":1704067200000,"s":"BTCUSDT","o":"100","c":"105","h":"110","l":"95","v":"12.5","x":false}}}`,
			`{"stream":"btcusdt@kline_1d","data":{"e":"kline","k":{"t":1704067200000,"s":"BTCUSDT","o":"100","c":"106","h":"110","l":"95","v":"13","x":true}}}`,
		}
		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Symbols: []string{"btc"}}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx))
	assert.True(t, c.IsConnected())

	sub := <-subscribed
	assert.Equal(t, []string{"btcusdt@kline_1d"}, sub.Params)

	bars, errc := c.Read(ctx)
	bar := <-bars
	require.NotNil(t, bar)
	assert.Equal(t, "BTC", bar.Symbol)
	assert.Equal(t, 106.0, bar.Close)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), bar.Timestamp)
	require.NoError(t, bar.Validate())

	// server hangs up after its frames
	err := <-errc
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Close())
}

func TestReconnectHonoursContext(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1", ReconnectDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Reconnect(ctx), context.Canceled)
}
