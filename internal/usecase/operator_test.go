package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/risk"
	"CryptoPull/pkg/config"
)

type fakeRisk struct {
	clearErr error
	cleared  []string
}

func (f *fakeRisk) Evaluate(context.Context) risk.Report {
	return risk.Report{Emergency: true, Reason: "var breach", VaRPct: 0.031}
}

func (f *fakeRisk) Clear(_ context.Context, who string) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, who)
	return nil
}

type fakeOrders struct {
	trading bool
	mode    string
}

func (f *fakeOrders) Trading() bool      { return f.trading }
func (f *fakeOrders) SetTrading(on bool) { f.trading = on }
func (f *fakeOrders) Mode() string       { return f.mode }
func (f *fakeOrders) SetMode(m string) error {
	if m == "live" {
		return &errs.StateError{Entity: "mode", From: f.mode, To: m}
	}
	f.mode = m
	return nil
}
func (f *fakeOrders) Liquidate(context.Context) ([]models.Order, error) { return nil, nil }

type fakeData struct{ gapsFrom, gapsTo time.Time }

func (f *fakeData) DefaultRequest(symbols []string) RunRequest {
	return RunRequest{Symbols: symbols, From: day(1), To: day(30)}
}
func (f *fakeData) Run(context.Context, RunRequest) (*RunReport, error) {
	return nil, errs.Storage("upsert bars", errors.New("disk full"))
}
func (f *fakeData) Gaps(_ context.Context, _ string, from, to time.Time) ([]Gap, error) {
	f.gapsFrom, f.gapsTo = from, to
	return []Gap{{From: day(28), To: day(29), Days: 2}}, nil
}
func (f *fakeData) Status(context.Context) ([]models.Coverage, error) { return nil, nil }

func newTestOperator(t *testing.T) (*Operator, *fakeRisk, *fakeOrders) {
	t.Helper()
	params, err := config.NewParameterStore(filepath.Join(t.TempDir(), "parameters.yaml"),
		map[string]float64{"prediction.lambda": 0.5})
	require.NoError(t, err)
	r := &fakeRisk{}
	o := &fakeOrders{mode: "paper"}
	return &Operator{Risk: r, Orders: o, Params: params, Data: &fakeData{}, Name: "alice"}, r, o
}

func TestOperatorUsageErrors(t *testing.T) {
	op, _, _ := newTestOperator(t)
	for _, args := range [][]string{nil, {"bogus"}, {"trading", "maybe"}, {"emergency"}, {"mode", "x"}, {"parameter"}} {
		res := op.Execute(context.Background(), args)
		assert.Equal(t, ExitFailure, res.ExitCode, "%v", args)
		assert.Equal(t, "Usage", res.Code, "%v", args)
	}
	assert.Equal(t, ExitOK, op.Execute(context.Background(), []string{"help"}).ExitCode)
}

func TestOperatorUnconfiguredDependency(t *testing.T) {
	res := (&Operator{}).Execute(context.Background(), []string{"cache-stats"})
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, "Unavailable", res.Code)
}

func TestOperatorParameterSetGet(t *testing.T) {
	ctx := context.Background()
	op, _, _ := newTestOperator(t)
	var seen float64
	op.Params.Subscribe(func(_ string, v float64) { seen = v })

	res := op.Execute(ctx, []string{"parameter", "set", "prediction.lambda", "0.8"})
	require.Equal(t, ExitOK, res.ExitCode, res.Message)
	assert.Equal(t, 0.8, seen)

	res = op.Execute(ctx, []string{"param", "get", "prediction.lambda"})
	require.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, "prediction.lambda = 0.8", res.Message)

	res = op.Execute(ctx, []string{"parameter", "get", "nope"})
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, errs.CodeValidationRejected, res.Code)

	res = op.Execute(ctx, []string{"parameter", "set", "prediction.lambda", "NaN"})
	assert.Equal(t, ExitFailure, res.ExitCode)
}

func TestOperatorTradingAndMode(t *testing.T) {
	ctx := context.Background()
	op, _, orders := newTestOperator(t)

	assert.Equal(t, ExitOK, op.Execute(ctx, []string{"trading", "on"}).ExitCode)
	assert.True(t, orders.trading)
	assert.Equal(t, ExitOK, op.Execute(ctx, []string{"trading", "off"}).ExitCode)
	assert.False(t, orders.trading)

	res := op.Execute(ctx, []string{"mode", "live"})
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, errs.CodeStateError, res.Code)
	assert.Equal(t, "paper", orders.mode)
}

func TestOperatorEmergencyClear(t *testing.T) {
	ctx := context.Background()
	op, r, _ := newTestOperator(t)

	res := op.Execute(ctx, []string{"emergency", "clear"})
	require.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, []string{"alice"}, r.cleared)

	r.clearErr = &errs.RiskViolation{Severity: errs.SeverityHard, Rule: "var", Value: 0.03, Limit: 0.02}
	res = op.Execute(ctx, []string{"emergency", "clear"})
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Equal(t, errs.CodeRiskViolation, res.Code)
}

func TestOperatorRiskView(t *testing.T) {
	op, _, _ := newTestOperator(t)
	res := op.Execute(context.Background(), []string{"risk"})
	require.Equal(t, ExitOK, res.ExitCode)
	assert.Contains(t, res.Message, "EMERGENCY STOP: var breach")
	v, ok := res.Data.(riskView)
	require.True(t, ok)
	assert.Equal(t, "paper", v.Mode)
}

func TestOperatorDataCommands(t *testing.T) {
	ctx := context.Background()
	op, _, _ := newTestOperator(t)
	data := op.Data.(*fakeData)

	res := op.Execute(ctx, []string{"data", "gaps", "btc", "7"})
	require.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, "BTC: 2 missing days in 1 gaps", res.Message)
	assert.True(t, data.gapsFrom.Equal(day(24)))
	assert.True(t, data.gapsTo.Equal(day(30)))

	res = op.Execute(ctx, []string{"data", "refresh"})
	assert.Equal(t, ExitFatal, res.ExitCode, "storage failures are fatal")
	assert.Equal(t, errs.CodeStorageError, res.Code)
}

func TestSummarize(t *testing.T) {
	r1, r2, r3 := 0.02, -0.01, 0.03
	p := Summarize([]models.Prediction{
		{Model: "linear", PredictedReturn: 0.01, RealizedReturn: &r1},
		{Model: "linear", PredictedReturn: 0.01, RealizedReturn: &r2},
		{Model: "remote", PredictedReturn: -0.01, RealizedReturn: &r3},
		{Model: "linear", PredictedReturn: 0.01},
	})
	assert.Equal(t, 3, p.Realized)
	assert.InDelta(t, 1.0/3, p.HitRate, 1e-12)
	assert.InDelta(t, (0.01+0.02+0.04)/3, p.MeanAbsErr, 1e-12)
	assert.InDelta(t, 0.04/3, p.MeanReturn, 1e-12)
	assert.Equal(t, map[string]int{"linear": 2, "remote": 1}, p.ByModel)
}
