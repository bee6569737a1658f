package api

import (
	"context"

	"github.com/labstack/echo/v4"

	models "CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/order"
	xhttp "CryptoPull/pkg/http"
	applogger "CryptoPull/pkg/logger"
)

// OrderService is the subset of the order manager the API drives.
type OrderService interface {
	Submit(ctx context.Context, req order.Request) (models.Order, error)
	Cancel(ctx context.Context, id string) (models.Order, error)
	Order(id string) (models.Order, bool)
	Orders() []models.Order
}

// SetOrders enables the order endpoints.
func (h *CommandsHandler) SetOrders(s OrderService) { h.orders = s }

func (h *CommandsHandler) registerOrders(g *echo.Group) {
	if h.orders == nil {
		return
	}
	g.GET("/orders", h.ListOrders)
	g.GET("/orders/:id", h.GetOrder)
	g.POST("/orders", h.SubmitOrder)
	g.DELETE("/orders/:id", h.CancelOrder)
}

func (h *CommandsHandler) ListOrders(c echo.Context) error {
	orders := h.orders.Orders()
	return xhttp.ListResponse(c, orders, int64(len(orders)))
}

func (h *CommandsHandler) GetOrder(c echo.Context) error {
	o, ok := h.orders.Order(c.Param("id"))
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("order %s not found", c.Param("id")))
	}
	return xhttp.SuccessResponse(c, o)
}

func (h *CommandsHandler) SubmitOrder(c echo.Context) error {
	req := &models.OrderRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	// validator already restricted both to known values
	side, _ := models.ParseSide(req.Side)
	typ, _ := models.ParseOrderType(req.Type)
	o, err := h.orders.Submit(c.Request().Context(), order.Request{
		Symbol: req.Symbol, Side: side, Type: typ, Quantity: req.Quantity,
		LimitPrice: req.LimitPrice, StopPrice: req.StopPrice, PredictionID: req.PredictionID,
		Reason: "api",
	})
	if err != nil {
		h.l.Warn("order rejected", applogger.String("symbol", req.Symbol), applogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err).WithParam("order", o))
	}
	return xhttp.CreatedResponse(c, o)
}

func (h *CommandsHandler) CancelOrder(c echo.Context) error {
	if _, ok := h.orders.Order(c.Param("id")); !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("order %s not found", c.Param("id")))
	}
	o, err := h.orders.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err).WithParam("order", o))
	}
	return xhttp.SuccessResponse(c, o)
}
