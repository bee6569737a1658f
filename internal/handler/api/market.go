package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"CryptoPull/internal/domain/errs"
	models "CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/metrics"
	"CryptoPull/internal/service/ratelimit"
	"CryptoPull/internal/usecase"
	pkgcache "CryptoPull/pkg/cache"
	xhttp "CryptoPull/pkg/http"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/util"
)

// MarketHandler serves stored bars and ranked signals. Responses are cached
// briefly in the hot tier and each client is throttled per endpoint.
type MarketHandler struct {
	bars    *usecase.BarsUseCase
	signals *usecase.SignalsUseCase
	symbols []string
	cache   pkgcache.Service
	rl      *ratelimit.Buckets
	l       *applogger.Logger
}

func NewMarketHandler(bars *usecase.BarsUseCase, signals *usecase.SignalsUseCase, symbols []string) *MarketHandler {
	metrics.Register()
	return &MarketHandler{bars: bars, signals: signals, symbols: symbols, rl: ratelimit.NewBuckets(), l: applogger.NewNop()}
}

func (h *MarketHandler) SetCache(c pkgcache.Service) { h.cache = c }

// SetLogger injects a structured logger.
func (h *MarketHandler) SetLogger(l *applogger.Logger) { h.l = l.Component("market_api") }

func (h *MarketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/bars", h.Bars)
	e.GET("/api/signals", h.Signals)
}

func (h *MarketHandler) Bars(c echo.Context) error {
	req := &models.BarsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	to := util.DayStart(util.ParseTimeDefault(req.To, time.Now().UTC()))
	from := util.DayStart(util.ParseTimeDefault(req.From, to.AddDate(0, 0, -365)))
	key := pkgcache.Key("bars", util.NormalizeSymbol(req.Symbol), from.Unix(), to.Unix(), req.Limit)
	return h.serve(c, "bars", key, 30*time.Second, 10, 5, func(ctx context.Context) (interface{}, error) {
		return h.bars.GetBars(ctx, usecase.GetBarsParams{
			Symbol: req.Symbol, From: from, To: to, Interval: domrepo.DefaultInterval(), Limit: req.Limit,
		})
	})
}

func (h *MarketHandler) Signals(c echo.Context) error {
	req := &models.SignalsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	symbols := h.symbols
	if req.Symbols != "" {
		symbols = strings.Split(req.Symbols, ",")
	}
	fetch := func(ctx context.Context) (interface{}, error) {
		return h.signals.GetSignals(ctx, usecase.GetSignalsParams{Symbols: symbols, Persist: req.Persist})
	}
	if req.Persist {
		// Persisting calls must not be served from cache.
		return h.serve(c, "signals", "", 0, 2, 1, fetch)
	}
	key := pkgcache.Key("signals", strings.Join(util.UniqueSorted(symbols), ","))
	return h.serve(c, "signals", key, 60*time.Second, 5, 2, fetch)
}

// serve applies the throttle, then answers from cache or fn. An empty key
// bypasses the cache.
func (h *MarketHandler) serve(c echo.Context, endpoint, key string, ttl time.Duration, burst, refill float64, fn func(context.Context) (interface{}, error)) error {
	start := time.Now()
	defer func() { metrics.EndpointLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	if !h.rl.Allow(c.RealIP()+":"+endpoint, burst, refill) {
		h.l.Warn("rate limited", applogger.String("endpoint", endpoint), applogger.String("remote", c.RealIP()))
		return xhttp.TooManyRequestsResponse(c, int(math.Ceil(1/refill)))
	}
	ctx := c.Request().Context()
	if h.cache != nil && key != "" {
		b, err := h.cache.GetBytes(ctx, key)
		switch {
		case err == nil:
			h.l.Debug("cache hit", applogger.String("key", key))
			return c.JSONBlob(http.StatusOK, b)
		case !errors.Is(err, pkgcache.ErrCacheMiss):
			h.l.Warn("cache get", applogger.String("key", key), applogger.Error(err))
		}
	}

	res, err := fn(ctx)
	if err != nil {
		metrics.EndpointErrors.WithLabelValues(endpoint).Inc()
		h.l.Error("endpoint error", applogger.String("endpoint", endpoint), applogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	b, err := json.Marshal(xhttp.APIResponse{Status: http.StatusOK, Message: http.StatusText(http.StatusOK), Data: res})
	if err != nil {
		h.l.Error("marshal response", applogger.String("endpoint", endpoint), applogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	if h.cache != nil && key != "" {
		if err := h.cache.SetBytes(ctx, key, b, ttl); err != nil {
			h.l.Warn("cache set", applogger.String("key", key), applogger.Error(err))
		}
	}
	return c.JSONBlob(http.StatusOK, b)
}

// toAppError flattens a domain error for the response body.
func toAppError(err error) *xhttp.AppError {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeValidationRejected:
		status = http.StatusBadRequest
	case errs.CodeInsufficientData:
		status = http.StatusUnprocessableEntity
	case errs.CodeStateError:
		status = http.StatusConflict
	case errs.CodeRiskViolation, errs.CodeEmergencyStopActive:
		status = http.StatusForbidden
	case errs.CodeCircuitOpen, errs.CodeRateLimited, errs.CodeTransientTransport:
		status = http.StatusServiceUnavailable
	}
	return xhttp.NewAppError(code, "", err.Error(), status).WithError(err)
}
