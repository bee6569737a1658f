package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/ratelimit"
	"CryptoPull/internal/service/transport"
)

// HTTPPredictor delegates scoring to an external model service. Requests go
// through the shared transport client so they get retries and a breaker.
type HTTPPredictor struct {
	baseURL string
	timeout time.Duration
	horizon time.Duration
	client  *transport.Client
}

func NewHTTPPredictor(baseURL string, timeout, horizon time.Duration, client *transport.Client) *HTTPPredictor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPPredictor{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout, horizon: horizon, client: client}
}

func (p *HTTPPredictor) Name() string { return "http" }

type predictReq struct {
	Symbol   string             `json:"symbol"`
	AsOf     time.Time          `json:"as_of"`
	Horizon  string             `json:"horizon"`
	Features map[string]float64 `json:"features"`
}

type predictResp struct {
	ExpectedReturn float64            `json:"expected_return"`
	Confidence     float64            `json:"confidence"`
	Contributions  map[string]float64 `json:"contributions"`
}

func (p *HTTPPredictor) Predict(ctx context.Context, f models.FeatureVector) (domsvc.Prediction, error) {
	if p.client == nil || p.baseURL == "" {
		return domsvc.Prediction{}, fmt.Errorf("model service not configured")
	}
	body, err := json.Marshal(predictReq{Symbol: f.Symbol, AsOf: f.AsOf, Horizon: p.horizon.String(), Features: f.Values})
	if err != nil {
		return domsvc.Prediction{}, fmt.Errorf("encode features: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	raw, err := p.client.Do(ctx, transport.Request{
		Provider: "model",
		Priority: ratelimit.PriorityHigh,
		Method:   http.MethodPost,
		URL:      p.baseURL + "/predict",
		Headers:  map[string]string{"Content-Type": "application/json"},
		Body:     body,
	})
	if err != nil {
		return domsvc.Prediction{}, fmt.Errorf("post predict: %w", err)
	}
	var out predictResp
	if err := json.Unmarshal(raw, &out); err != nil {
		return domsvc.Prediction{}, &errs.ValidationRejected{Field: "model response", Reason: err.Error()}
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return domsvc.Prediction{}, &errs.ValidationRejected{Field: "confidence", Reason: fmt.Sprintf("%.3f outside [0,1]", out.Confidence)}
	}
	return domsvc.Prediction{ExpectedReturn: out.ExpectedReturn, Confidence: out.Confidence, Contributions: out.Contributions}, nil
}

// Fallback tries primary first and uses secondary on any error.
type Fallback struct {
	Primary, Secondary domsvc.Predictor
}

func (f Fallback) Name() string { return f.Primary.Name() }

func (f Fallback) Predict(ctx context.Context, fv models.FeatureVector) (domsvc.Prediction, error) {
	p, err := f.Primary.Predict(ctx, fv)
	if err == nil || f.Secondary == nil {
		return p, err
	}
	return f.Secondary.Predict(ctx, fv)
}

var (
	_ domsvc.Predictor = (*HTTPPredictor)(nil)
	_ domsvc.Predictor = Fallback{}
)
