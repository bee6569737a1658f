package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRoutes struct{}

func (echoRoutes) RegisterRoutes(e *echo.Echo) {
	e.POST("/echo", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
}

func TestServerServesWithRequestID(t *testing.T) {
	s := NewServer(echoRoutes{}, nil, WithHost("127.0.0.1"), WithPort(0), WithBodyLimit("16B"), WithMetricsPath(""))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	url := "http://" + s.Addr().String() + "/echo"
	resp, err := http.Post(url, "text/plain", strings.NewReader("ok"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(echo.HeaderXRequestID))

	resp, err = http.Post(url, "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServerStartFailsOnBusyPort(t *testing.T) {
	a := NewServer(nil, nil, WithHost("127.0.0.1"), WithPort(0))
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	b := NewServer(nil, nil, WithHost("127.0.0.1"), WithPort(a.Addr().(*net.TCPAddr).Port))
	assert.ErrorContains(t, b.Start(), "listen")
}
