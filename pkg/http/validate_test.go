package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderReq struct {
	Symbol   string  `json:"symbol" validate:"required,symbol"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
	Type     string  `json:"type" default:"market" validate:"oneof=market limit"`
}

type paramReq struct {
	Key string `json:"key" validate:"required,param_key"`
}

func bind(t *testing.T, body string, req interface{}) interface{} {
	t.Helper()
	e := echo.New()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return ReadAndValidateRequest(e.NewContext(r, httptest.NewRecorder()), req)
}

func TestReadAndValidateAppliesDefaults(t *testing.T) {
	req := &orderReq{}
	require.Nil(t, bind(t, `{"symbol":"BTC","quantity":0.5}`, req))
	assert.Equal(t, "market", req.Type)
}

func TestValidationErrorsUseJSONNames(t *testing.T) {
	res := bind(t, `{"symbol":"B-T-C","quantity":0}`, &orderReq{})
	verrs, ok := res.([]ValidationError)
	require.True(t, ok)
	require.Len(t, verrs, 2)
	assert.Equal(t, "symbol", verrs[0].Field)
	assert.Equal(t, "ERR_SYMBOL", verrs[0].Code)
	assert.Equal(t, "quantity", verrs[1].Field)
	assert.Equal(t, "ERR_GT", verrs[1].Code)
}

func TestParamKeyTag(t *testing.T) {
	assert.Nil(t, bind(t, `{"key":"risk.max_var_pct"}`, &paramReq{}))
	assert.NotNil(t, bind(t, `{"key":"risk"}`, &paramReq{}))
	assert.NotNil(t, bind(t, `{"key":"Risk.Max"}`, &paramReq{}))
}

func TestMalformedBody(t *testing.T) {
	verrs, ok := bind(t, `{"symbol":`, &orderReq{}).([]ValidationError)
	require.True(t, ok)
	assert.Equal(t, "ERR_MALFORMED", verrs[0].Code)
}

func TestTooManyRequestsSetsRetryAfter(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	require.NoError(t, TooManyRequestsResponse(c, 0))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "ERR_RATE_LIMITED")
}
