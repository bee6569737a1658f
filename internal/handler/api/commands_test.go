package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	models "CryptoPull/internal/domain/models"
	"CryptoPull/internal/usecase"
	xhttp "CryptoPull/pkg/http"
)

type stubOrders struct{ trading bool }

func (s *stubOrders) Trading() bool                                     { return s.trading }
func (s *stubOrders) SetTrading(on bool)                                { s.trading = on }
func (s *stubOrders) Mode() string                                      { return "paper" }
func (s *stubOrders) SetMode(string) error                              { return nil }
func (s *stubOrders) Liquidate(context.Context) ([]models.Order, error) { return nil, nil }

func newTestServer(token string) (*echo.Echo, *stubOrders) {
	orders := &stubOrders{}
	h := NewCommandsHandler(&usecase.Operator{Orders: orders}, token, nil)
	e := echo.New()
	h.RegisterRoutes(e)
	return e, orders
}

func do(e *echo.Echo, method, path, body, token string) (*httptest.ResponseRecorder, usecase.Result) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var res usecase.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	return rec, res
}

func TestCommandsRequireToken(t *testing.T) {
	e, _ := newTestServer("s3cret")

	rec, _ := do(e, http.MethodPost, "/api/commands", `{"args":["help"]}`, "")
	var body struct {
		Status int `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusUnauthorized, body.Status)

	rec, res := do(e, http.MethodPost, "/api/commands", `{"args":["help"]}`, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usecase.ExitOK, res.ExitCode)
	assert.Contains(t, res.Message, "emergency clear")
}

func TestCommandAliases(t *testing.T) {
	e, orders := newTestServer("")

	rec, res := do(e, http.MethodPost, "/api/trading/on", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usecase.ExitOK, res.ExitCode)
	assert.True(t, orders.trading)

	rec, res = do(e, http.MethodPost, "/api/commands", `{"args":["nonsense"]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, usecase.ExitFailure, res.ExitCode)
	assert.Equal(t, "Usage", res.Code)

	rec, res = do(e, http.MethodGet, "/api/risk", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Unavailable", res.Code)
}

func TestCommandRequestValidation(t *testing.T) {
	e, _ := newTestServer("")
	rec, _ := do(e, http.MethodPost, "/api/commands", `{"args":[]}`, "")
	var body struct {
		Status int `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusBadRequest, body.Status)
}

func TestVerbLabelIsBounded(t *testing.T) {
	assert.Equal(t, "risk", verb([]string{"RISK"}))
	assert.Equal(t, "unknown", verb([]string{"drop-tables"}))
	assert.Equal(t, "none", verb(nil))
}

func TestReadinessReportsFailingChecks(t *testing.T) {
	e := echo.New()
	xhttp.Handlers{NewHealthHandler(map[string]Check{
		"sqlite": func(context.Context) error { return nil },
		"redis":  func(context.Context) error { return errors.New("connection refused") },
	})}.RegisterRoutes(e)

	rec, _ := do(e, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec, _ = do(e, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
