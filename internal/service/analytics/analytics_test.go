package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/breaker"
	"CryptoPull/internal/service/features"
	"CryptoPull/internal/service/transport"
)

type weights map[string]float64

func (w weights) GetDefault(key string, def float64) float64 {
	if v, ok := w[key]; ok {
		return v
	}
	return def
}

func vector(values map[string]float64) models.FeatureVector {
	return models.FeatureVector{Symbol: "BTC", AsOf: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Names: features.Names, Values: values}
}

func TestLinearPredictorContributions(t *testing.T) {
	p := NewLinearPredictor(weights{"prediction.weight.rsi": 0, "prediction.weight.corr_proxy": 0})
	fv := vector(map[string]float64{
		features.Momentum:    0.1,
		features.SMARatio:    1.05,
		features.RSI:         70,
		features.Sentiment:   0.5,
		features.RealizedVol: 0.03,
	})
	out, err := p.Predict(context.Background(), fv)
	require.NoError(t, err)

	assert.InDelta(t, 0.4*0.5, out.Contributions[features.Momentum], 1e-12)
	assert.InDelta(t, 0.3*0.5, out.Contributions[features.SMARatio], 1e-12)
	assert.InDelta(t, 0.2*0.5, out.Contributions[features.Sentiment], 1e-12)
	assert.Equal(t, 0.0, out.Contributions[features.RSI])

	score := 0.2 + 0.15 + 0.1
	assert.InDelta(t, score*0.03, out.ExpectedReturn, 1e-12)
	assert.Greater(t, out.Confidence, 0.0)
	assert.LessOrEqual(t, out.Confidence, 1.0)
}

func TestLinearPredictorBearish(t *testing.T) {
	out, err := NewLinearPredictor(nil).Predict(context.Background(), vector(map[string]float64{
		features.Momentum: -0.2, features.SMARatio: 0.9, features.RSI: 50, features.Sentiment: -1,
	}))
	require.NoError(t, err)
	assert.Less(t, out.ExpectedReturn, 0.0)
}

func TestLinearPredictorEmptyVector(t *testing.T) {
	_, err := NewLinearPredictor(nil).Predict(context.Background(), models.FeatureVector{Symbol: "X"})
	var ins *errs.InsufficientData
	require.True(t, errors.As(err, &ins))
}

func testClient() *transport.Client {
	return transport.New(transport.Config{
		Retry:   transport.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond, AttemptTimeout: time.Second},
		Breaker: breaker.Config{FailureThreshold: 3, FailureRatio: 1, MinRequests: 1000, Window: time.Minute, Cooldown: time.Second},
	}, nil, nil, nil)
}

func TestHTTPPredictorPostsFeatures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req predictReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		assert.Equal(t, "BTC", req.Symbol)
		assert.Equal(t, "24h0m0s", req.Horizon)
		assert.InDelta(t, 0.1, req.Features[features.Momentum], 1e-12)
		_, _ = w.Write([]byte(`{"expected_return":0.012,"confidence":0.7,"contributions":{"momentum_10":0.01}}`))
	}))
	defer srv.Close()

	p := NewHTTPPredictor(srv.URL+"/", time.Second, 24*time.Hour, testClient())
	out, err := p.Predict(context.Background(), vector(map[string]float64{features.Momentum: 0.1}))
	require.NoError(t, err)
	assert.InDelta(t, 0.012, out.ExpectedReturn, 1e-12)
	assert.InDelta(t, 0.7, out.Confidence, 1e-12)
	assert.Contains(t, out.Contributions, features.Momentum)
}

func TestHTTPPredictorRejectsBadConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"expected_return":0.01,"confidence":3}`))
	}))
	defer srv.Close()
	_, err := NewHTTPPredictor(srv.URL, 0, time.Hour, testClient()).Predict(context.Background(), vector(map[string]float64{"x": 1}))
	var vr *errs.ValidationRejected
	require.True(t, errors.As(err, &vr))
	assert.Equal(t, "confidence", vr.Field)
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Predict(context.Context, models.FeatureVector) (domsvc.Prediction, error) {
	return domsvc.Prediction{}, errors.New("down")
}

func TestFallbackUsesSecondary(t *testing.T) {
	f := Fallback{Primary: failing{}, Secondary: NewLinearPredictor(nil)}
	out, err := f.Predict(context.Background(), vector(map[string]float64{features.Momentum: 0.1}))
	require.NoError(t, err)
	assert.Greater(t, out.ExpectedReturn, 0.0)
	if _, err := (Fallback{Primary: failing{}}).Predict(context.Background(), vector(nil)); err == nil {
		t.Fatalf("expected primary error without a secondary")
	}
}
