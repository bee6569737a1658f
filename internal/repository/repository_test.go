package repository

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/models"
	"CryptoPull/pkg/sqlite"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(sqlite.WithPath(filepath.Join(t.TempDir(), "repo.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func testBar(ts time.Time, source string, close, quality float64) models.Bar {
	return models.Bar{
		Symbol: "BTC", Timestamp: ts, Source: source,
		Open: close, High: close * 1.02, Low: close * 0.98, Close: close, Volume: 10,
		QualityScore: quality,
	}
}

func TestUpsertKeepsHigherQuality(t *testing.T) {
	ctx := context.Background()
	repo := NewBarRepository(openTestDB(t))

	_, err := repo.UpsertBars(ctx, []models.Bar{testBar(t0, "cryptocompare", 100, 0.9)})
	require.NoError(t, err)
	// lower quality is ignored
	_, err = repo.UpsertBars(ctx, []models.Bar{testBar(t0, "cryptocompare", 50, 0.5)})
	require.NoError(t, err)
	got, err := repo.BarAt(ctx, "BTC", t0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 100, got.Close, 1e-9)

	_, err = repo.UpsertBars(ctx, []models.Bar{testBar(t0, "cryptocompare", 101, 0.95)})
	require.NoError(t, err)
	got, err = repo.BarAt(ctx, "BTC", t0)
	require.NoError(t, err)
	assert.InDelta(t, 101, got.Close, 1e-9)
}

func TestReplaceBarsOverridesLowerQualityRow(t *testing.T) {
	ctx := context.Background()
	repo := NewBarRepository(openTestDB(t))
	_, err := repo.UpsertBars(ctx, []models.Bar{testBar(t0, "cryptocompare", 300, 0.9)})
	require.NoError(t, err)

	capped := testBar(t0, "cryptocompare", 101, 0.45)
	capped.Anomaly = true
	n, err := repo.ReplaceBars(ctx, []models.Bar{capped})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.BarAt(ctx, "BTC", t0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 101, got.Close, 1e-9)
	assert.True(t, got.Anomaly)
}

func TestProviderBarRetiresInterpolatedDay(t *testing.T) {
	ctx := context.Background()
	repo := NewBarRepository(openTestDB(t))
	next := t0.AddDate(0, 0, 1)
	filled := testBar(next, models.SourceInterpolated, 100, 0.4)
	filled.Interpolated = true
	_, err := repo.ReplaceBars(ctx, []models.Bar{testBar(t0, "binance", 99, 0.9), filled})
	require.NoError(t, err)

	days, err := repo.Days(ctx, "BTC", t0, next)
	require.NoError(t, err)
	assert.Len(t, days, 1, "interpolated days do not count as stored")

	_, err = repo.UpsertBars(ctx, []models.Bar{testBar(next, "binance", 102, 0.9)})
	require.NoError(t, err)
	rows, err := repo.Bars(ctx, "BTC", next, next)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "binance", rows[0].Source)
	assert.False(t, rows[0].Interpolated)
}

func TestBestBarsPicksOnePerDay(t *testing.T) {
	ctx := context.Background()
	repo := NewBarRepository(openTestDB(t))
	_, err := repo.UpsertBars(ctx, []models.Bar{
		testBar(t0, "binance", 100, 0.8),
		testBar(t0, "cryptocompare", 99, 0.9),
		testBar(t0.AddDate(0, 0, 1), "binance", 102, 0.9),
	})
	require.NoError(t, err)

	all, err := repo.Bars(ctx, "BTC", t0, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	best, err := repo.BestBars(ctx, "BTC", t0, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, best, 2)
	assert.Equal(t, "cryptocompare", best[0].Source)
	assert.Equal(t, "binance", best[1].Source)
}

func TestUpsertRejectsInvalidBar(t *testing.T) {
	repo := NewBarRepository(openTestDB(t))
	b := testBar(t0, "binance", 100, 0.9)
	b.High = 1
	_, err := repo.UpsertBars(context.Background(), []models.Bar{b})
	assert.Error(t, err)
}

func TestPositionsReplaceBook(t *testing.T) {
	ctx := context.Background()
	repo := NewTradingRepository(openTestDB(t))

	require.NoError(t, repo.SavePositions(ctx, []models.Position{
		{Symbol: "BTC", Quantity: 1, AvgPrice: 100, OpenedAt: t0, UpdatedAt: t0},
		{Symbol: "ETH", Quantity: 2, AvgPrice: 10, OpenedAt: t0, UpdatedAt: t0},
	}))
	require.NoError(t, repo.SavePositions(ctx, []models.Position{
		{Symbol: "ETH", Quantity: 3, AvgPrice: 11, OpenedAt: t0, UpdatedAt: t0},
	}))

	got, err := repo.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Symbol)
	assert.InDelta(t, 3, got[0].Quantity, 1e-9)
	assert.True(t, got[0].OpenedAt.Equal(t0))
}

func TestAppendDeltaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewTradingRepository(openTestDB(t))
	d := models.PositionDelta{ExecutionID: "ex-1", OrderID: "o-1", Symbol: "BTC", Quantity: 1, Price: 100, At: t0}
	require.NoError(t, repo.AppendDelta(ctx, d))
	require.NoError(t, repo.AppendDelta(ctx, d))
}

func TestMirrorSchemaUsesDatabase(t *testing.T) {
	stmts := MirrorSchema("analytics")
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS analytics", stmts[0])
	assert.True(t, strings.Contains(stmts[1], "analytics.ohlcv_bars"))
	assert.True(t, strings.Contains(stmts[2], "analytics.var_results"))
}

func TestBarRowMatchesColumns(t *testing.T) {
	b := testBar(t0, "binance", 100, 0.75)
	b.Interpolated = true
	row := barRow(b)
	require.Len(t, row, 11)
	assert.Equal(t, float32(0.75), row[8])
	assert.Equal(t, uint8(1), row[9])
	assert.Equal(t, uint8(0), row[10])
}
