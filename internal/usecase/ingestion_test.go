package usecase

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/quality"
	"CryptoPull/pkg/config"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Symbols:            []string{"BTC"},
		TargetDays:         10,
		WindowDays:         4,
		WorkersPerProvider: 2,
		ValidatorWorkers:   2,
		QueueSize:          4,
	}
}

func newTestIngestion(t *testing.T, st *testStore, src MarketSource, opts ...IngestionOption) *Ingestion {
	t.Helper()
	q := quality.NewManager(quality.DefaultConfig(), st.quality, nil, nil, nil)
	return NewIngestion(testPipelineConfig(), src, st.bars, q, nil, nil, opts...)
}

func TestGapFillRestoresContiguousSeries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	all := series("BTC", 10, 40000)
	var seeded []models.Bar
	for _, b := range all {
		if !b.Timestamp.Equal(day(5)) {
			seeded = append(seeded, b)
		}
	}
	_, err := st.bars.UpsertBars(ctx, seeded)
	require.NoError(t, err)

	src := &fakeMarket{name: "cryptocompare", bars: map[string][]models.Bar{"BTC": all}}
	pub := &capturePublisher{}
	p := newTestIngestion(t, st, src, WithIngestionPublisher(pub))

	rep, err := p.Run(ctx, RunRequest{Symbols: []string{"btc"}, From: day(1), To: day(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Planned)
	assert.Equal(t, 9, rep.Satisfied)
	assert.Equal(t, 1, rep.Persisted)
	assert.Empty(t, rep.Failures)

	got, err := st.bars.BestBars(ctx, "BTC", day(1), day(10))
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, b := range got {
		require.True(t, b.Timestamp.Equal(day(i+1)), "bar %d at %s", i, b.Timestamp)
	}
	filled := got[4]
	assert.Equal(t, "cryptocompare", filled.Source)
	assert.False(t, filled.Interpolated)
	assert.Equal(t, 1, pub.count(models.EventPipelineDone))
}

func TestRerunIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	src := &fakeMarket{name: "binance", bars: map[string][]models.Bar{"BTC": series("BTC", 10, 40000)}}
	p := newTestIngestion(t, st, src)

	first, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10)})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Planned) // 4 + 4 + 2 days
	assert.Equal(t, 10, first.Persisted)
	calls := src.fetches()

	metrics, err := st.quality.LatestMetrics(ctx, "bars", 100)
	require.NoError(t, err)
	before := len(metrics)

	second, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10)})
	require.NoError(t, err)
	assert.Zero(t, second.Planned)
	assert.Zero(t, second.Persisted)
	assert.Equal(t, 10, second.Satisfied)
	assert.Equal(t, calls, src.fetches())

	metrics, err = st.quality.LatestMetrics(ctx, "bars", 100)
	require.NoError(t, err)
	assert.Len(t, metrics, before)
}

func TestFetchFailureIsReportedPerSymbol(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	src := &fakeMarket{
		name: "binance",
		bars: map[string][]models.Bar{"BTC": series("BTC", 4, 40000)},
		fail: map[string]error{"ETH": &errs.CircuitOpen{Host: "api.binance.com"}},
	}
	p := newTestIngestion(t, st, src)

	rep, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC", "ETH"}, From: day(1), To: day(4)})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Persisted)
	require.Len(t, rep.Failures, 1)
	f := rep.Failures[0]
	assert.Equal(t, "ETH", f.Symbol)
	assert.Equal(t, "fetch", f.Stage)
	assert.Equal(t, errs.CodeCircuitOpen, f.Code)
	assert.Equal(t, "skip", f.Action)
}

func TestEarliestAvailableClipsPlan(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	src := &fakeMarket{name: "binance", bars: map[string][]models.Bar{"BTC": series("BTC", 10, 40000)}, earliest: day(7)}
	p := newTestIngestion(t, st, src)

	rep, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Planned)
	assert.Equal(t, 4, rep.Persisted)

	gaps, err := p.Gaps(ctx, "btc", day(1), day(10))
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, Gap{From: day(1), To: day(6), Days: 6}, gaps[0])
}

func TestStatusIncludesConfiguredSymbols(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.bars.UpsertBars(ctx, series("ETH", 3, 2000))
	require.NoError(t, err)
	p := newTestIngestion(t, st, &fakeMarket{name: "binance"})

	cov, err := p.Status(ctx)
	require.NoError(t, err)
	require.Len(t, cov, 2)
	assert.Equal(t, "BTC", cov[0].Symbol)
	assert.Zero(t, cov[0].Bars)
	assert.Equal(t, "ETH", cov[1].Symbol)
	assert.Equal(t, 3, cov[1].Bars)
}

type recordingDerived struct{ runs []*RunReport }

func (d *recordingDerived) Name() string { return "recording" }
func (d *recordingDerived) AfterIngest(_ context.Context, rep *RunReport) error {
	d.runs = append(d.runs, rep)
	return nil
}

func TestDerivedRunsAfterIngest(t *testing.T) {
	st := newTestStore(t)
	d := &recordingDerived{}
	src := &fakeMarket{name: "binance", bars: map[string][]models.Bar{"BTC": series("BTC", 3, 40000)}}
	p := newTestIngestion(t, st, src, WithDerived(d))

	rep, err := p.Run(context.Background(), RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(3)})
	require.NoError(t, err)
	require.Len(t, d.runs, 1)
	assert.Same(t, rep, d.runs[0])
	assert.Same(t, rep, p.LastRun())
}

func TestInterpolatedDayIsRefetchedAndReplaced(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	all := series("BTC", 10, 40000)
	var holed []models.Bar
	for _, b := range all {
		if !b.Timestamp.Equal(day(5)) {
			holed = append(holed, b)
		}
	}
	src := &fakeMarket{name: "cryptocompare", bars: map[string][]models.Bar{"BTC": holed}}
	p := newTestIngestion(t, st, src)

	first, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10), Remediate: true})
	require.NoError(t, err)
	assert.Equal(t, 9, first.Persisted)
	assert.Equal(t, 1, first.Remediated)

	synthetic, err := st.bars.BarAt(ctx, "BTC", day(5))
	require.NoError(t, err)
	require.NotNil(t, synthetic)
	assert.True(t, synthetic.Interpolated)
	assert.Equal(t, models.SourceInterpolated, synthetic.Source)

	gaps, err := p.Gaps(ctx, "BTC", day(1), day(10))
	require.NoError(t, err)
	assert.Equal(t, []Gap{{From: day(5), To: day(5), Days: 1}}, gaps)

	src.mu.Lock()
	src.bars["BTC"] = all
	src.mu.Unlock()

	second, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10), Remediate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Planned)
	assert.Equal(t, 9, second.Satisfied)
	assert.Equal(t, 1, second.Persisted)
	assert.Zero(t, second.Remediated)

	rows, err := st.bars.Bars(ctx, "BTC", day(5), day(5))
	require.NoError(t, err)
	require.Len(t, rows, 1, "the provider bar retires the synthetic row")
	assert.Equal(t, "cryptocompare", rows[0].Source)
	assert.False(t, rows[0].Interpolated)
	assert.InDelta(t, all[4].Close, rows[0].Close, 1e-9)
}

func TestFailedWindowIsNotInterpolated(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	src := &fakeMarket{
		name: "cryptocompare",
		bars: map[string][]models.Bar{"BTC": series("BTC", 10, 40000)},
		failWindow: func(_ string, from, to time.Time) error {
			if !to.Before(day(5)) && !from.After(day(8)) {
				return &errs.CircuitOpen{Host: "min-api.cryptocompare.com"}
			}
			return nil
		},
	}
	p := newTestIngestion(t, st, src)

	rep, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10), Remediate: true})
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "fetch", rep.Failures[0].Stage)
	assert.Equal(t, 6, rep.Persisted)
	assert.Equal(t, 4, rep.Missing)
	assert.Zero(t, rep.Remediated)

	stored, err := st.bars.BestBars(ctx, "BTC", day(1), day(10))
	require.NoError(t, err)
	assert.Len(t, stored, 6)
	for _, b := range stored {
		assert.False(t, b.Interpolated, "day %s", b.Timestamp.Format(time.DateOnly))
	}

	gaps, err := p.Gaps(ctx, "BTC", day(1), day(10))
	require.NoError(t, err)
	assert.Equal(t, []Gap{{From: day(5), To: day(8), Days: 4}}, gaps)
}

func TestCappedOutlierLandsInStorageWithOrigin(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	bars := series("BTC", 40, 40000)
	bars[30].Close *= 3
	bars[30].High = bars[30].Close * 1.01
	spike := bars[30].Close
	src := &fakeMarket{name: "cryptocompare", bars: map[string][]models.Bar{"BTC": bars}}
	p := newTestIngestion(t, st, src)

	rep, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(40), Remediate: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rep.Remediated, 1)

	got, err := st.bars.BarAt(ctx, "BTC", day(31))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Anomaly)
	assert.Less(t, got.Close, bars[29].Close*1.5, "stored close is the capped value")
	require.NoError(t, got.Validate())

	metrics, err := st.quality.LatestMetrics(ctx, "bars", 100)
	require.NoError(t, err)
	var remediation string
	for _, m := range metrics {
		if m.RemediationApplied {
			remediation = m.Remediation
		}
	}
	require.NotEmpty(t, remediation)
	origin := day(31).Format(time.DateOnly) + ":close=" + strconv.FormatFloat(spike, 'f', -1, 64) + "->"
	assert.Contains(t, remediation, origin)
}

func TestPlanCountsCacheHits(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	src := &fakeMarket{
		name:   "cryptocompare",
		bars:   map[string][]models.Bar{"BTC": series("BTC", 10, 40000)},
		cached: map[time.Time]bool{day(1): true, day(2): true, day(3): true, day(4): true},
	}
	p := newTestIngestion(t, st, src)

	rep, err := p.Run(ctx, RunRequest{Symbols: []string{"BTC"}, From: day(1), To: day(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CacheHits)
	assert.Equal(t, 2, rep.Planned)
	assert.Equal(t, 10, rep.Persisted)
}
