package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"CryptoPull/internal/domain/errs"
	models "CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/metrics"
	"CryptoPull/internal/usecase"
	xhttp "CryptoPull/pkg/http"
	applogger "CryptoPull/pkg/logger"
)

// CommandsHandler exposes the operator vocabulary over HTTP: the generic
// POST /api/commands plus REST aliases for each verb.
type CommandsHandler struct {
	op     *usecase.Operator
	orders OrderService
	token  string
	l      *applogger.Logger
}

func NewCommandsHandler(op *usecase.Operator, token string, l *applogger.Logger) *CommandsHandler {
	metrics.Register()
	if l == nil {
		l = applogger.NewNop()
	}
	l = l.Component("operator_api")
	if token == "" {
		l.Warn("operator token not set, command endpoints are unauthenticated")
	}
	return &CommandsHandler{op: op, token: token, l: l}
}

func (h *CommandsHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api", h.auth)
	g.POST("/commands", h.Command)

	g.GET("/data/status", h.fixed("data", "status"))
	g.GET("/data/gaps", h.Gaps)
	g.POST("/data/refresh", h.Refresh)
	g.GET("/cache/stats", h.fixed("cache-stats"))
	g.GET("/risk", h.fixed("risk"))
	g.GET("/alerts", h.Alerts)
	g.GET("/performance", h.Performance)
	g.POST("/trading/on", h.fixed("trading", "on"))
	g.POST("/trading/off", h.fixed("trading", "off"))
	g.POST("/liquidate", h.fixed("liquidate"))
	g.POST("/mode", h.Mode)
	g.GET("/parameters", h.fixed("parameter", "list"))
	g.GET("/parameters/:key", h.GetParameter)
	g.PUT("/parameters", h.SetParameter)
	g.POST("/calibrate", h.Calibrate)
	g.POST("/sentiment/override", h.SentimentOverride)
	g.POST("/emergency/clear", h.fixed("emergency", "clear"))
	h.registerOrders(g)
}

// auth checks the bearer token in constant time when one is configured.
func (h *CommandsHandler) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.token == "" {
			return next(c)
		}
		got := strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.l.Warn("operator auth rejected", applogger.String("remote", c.RealIP()), applogger.Secret("token", got))
			return xhttp.UnauthorizedResponse(c, []*xhttp.AppError{xhttp.UnauthorizedError("invalid operator token")})
		}
		return next(c)
	}
}

func (h *CommandsHandler) Command(c echo.Context) error {
	req := &models.CommandRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, req.Args...)
}

func (h *CommandsHandler) Gaps(c echo.Context) error {
	req := &models.GapsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, "data", "gaps", req.Symbol, strconv.Itoa(req.Days))
}

func (h *CommandsHandler) Refresh(c echo.Context) error {
	req := &models.RefreshRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, append([]string{"data", "refresh"}, req.Symbols...)...)
}

func (h *CommandsHandler) Alerts(c echo.Context) error {
	req := &models.AlertsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, "alerts", strconv.Itoa(req.Limit))
}

func (h *CommandsHandler) Performance(c echo.Context) error {
	req := &models.PerformanceRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, "performance", strconv.Itoa(req.Days))
}

func (h *CommandsHandler) Mode(c echo.Context) error {
	req := &models.ModeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, "mode", req.Mode)
}

func (h *CommandsHandler) GetParameter(c echo.Context) error {
	return h.run(c, "parameter", "get", c.Param("key"))
}

func (h *CommandsHandler) SetParameter(c echo.Context) error {
	req := &models.ParameterSetRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, "parameter", "set", req.Key, req.Value)
}

func (h *CommandsHandler) Calibrate(c echo.Context) error {
	req := &models.CalibrateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	return h.run(c, append([]string{"calibrate"}, req.Symbols...)...)
}

func (h *CommandsHandler) SentimentOverride(c echo.Context) error {
	req := &models.SentimentOverrideRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	args := []string{"sentiment", "override", req.Symbol, strconv.FormatFloat(req.Score, 'f', -1, 64)}
	if req.Day != "" {
		args = append(args, req.Day)
	}
	return h.run(c, args...)
}

func (h *CommandsHandler) fixed(args ...string) echo.HandlerFunc {
	return func(c echo.Context) error { return h.run(c, args...) }
}

func (h *CommandsHandler) run(c echo.Context, args ...string) error {
	res := h.op.Execute(c.Request().Context(), args)
	metrics.ObserveCommand(verb(args), res.ExitCode)
	if res.ExitCode != usecase.ExitOK {
		h.l.Warn("operator command failed",
			applogger.Strings("args", args),
			applogger.String("code", res.Code),
			applogger.String("message", res.Message))
	}
	return c.JSON(statusFor(res), res)
}

// statusFor maps a command result onto an HTTP status. The body always
// carries the exit code, so clients can ignore the status.
func statusFor(res usecase.Result) int {
	switch {
	case res.ExitCode == usecase.ExitOK:
		return http.StatusOK
	case res.Code == "Usage" || res.Code == errs.CodeValidationRejected:
		return http.StatusBadRequest
	case res.Code == "Unavailable":
		return http.StatusServiceUnavailable
	case res.Code == errs.CodeStateError:
		return http.StatusConflict
	case res.ExitCode == usecase.ExitFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

var verbs = map[string]bool{
	"data": true, "cache-stats": true, "risk": true, "alerts": true, "performance": true,
	"trading": true, "liquidate": true, "mode": true, "parameter": true, "param": true,
	"calibrate": true, "sentiment": true, "emergency": true, "help": true,
}

// verb bounds the metric label to the known vocabulary.
func verb(args []string) string {
	if len(args) == 0 {
		return "none"
	}
	if v := strings.ToLower(args[0]); verbs[v] {
		return v
	}
	return "unknown"
}
