package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	applogger "CryptoPull/pkg/logger"
)

// RequestLogging writes one debug line per request, tagged with the
// request id set upstream.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			res := c.Response()
			l.Debug("request",
				applogger.String("id", res.Header().Get(echo.HeaderXRequestID)),
				applogger.String("method", c.Request().Method),
				applogger.String("route", c.Path()),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", res.Status),
				applogger.Int64("bytes", res.Size),
				applogger.Duration("latency", time.Since(start)))
			return err
		}
	}
}
