package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	pkgch "CryptoPull/pkg/clickhouse"
	applogger "CryptoPull/pkg/logger"
)

// MirrorSchema is the DDL applied at startup for the given database.
func MirrorSchema(database string) []string {
	return []string{
		`CREATE DATABASE IF NOT EXISTS ` + database,
		`CREATE TABLE IF NOT EXISTS ` + database + `.ohlcv_bars (
		ts DateTime64(3, 'UTC'), symbol LowCardinality(String), source LowCardinality(String),
		open Float64, high Float64, low Float64, close Float64, volume Float64,
		quality_score Float32, interpolated UInt8, anomaly UInt8
	) ENGINE = ReplacingMergeTree(quality_score) ORDER BY (symbol, ts, source)`,
		`CREATE TABLE IF NOT EXISTS ` + database + `.var_results (
		computed_at DateTime64(3, 'UTC'), portfolio_id LowCardinality(String), methodology LowCardinality(String),
		horizon_days UInt16, confidence_level Float64, value Float64, value_pct Float64, cvar Float64,
		accuracy_score Float64, breaches UInt32, observations UInt32, composition String
	) ENGINE = MergeTree ORDER BY (portfolio_id, methodology, computed_at)`,
	}
}

// ClickHouseMirror copies bars and VaR results to ClickHouse for analytics
// and serves aggregated range reads.
type ClickHouseMirror struct {
	ch        *pkgch.Client
	barsTable string
	varTable  string
	l         *applogger.Logger
}

func NewClickHouseMirror(ch *pkgch.Client, l *applogger.Logger) *ClickHouseMirror {
	if l == nil {
		l = applogger.NewNop()
	}
	return &ClickHouseMirror{
		ch:        ch,
		barsTable: ch.Database() + ".ohlcv_bars",
		varTable:  ch.Database() + ".var_results",
		l:         l.Component("clickhouse_mirror"),
	}
}

var _ domrepo.Mirror = (*ClickHouseMirror)(nil)

const mirrorChunk = 5000

// MirrorBars sends bars in blocks of mirrorChunk rows.
func (m *ClickHouseMirror) MirrorBars(ctx context.Context, bars []models.Bar) error {
	insert := "INSERT INTO " + m.barsTable +
		" (ts, symbol, source, open, high, low, close, volume, quality_score, interpolated, anomaly)"
	for start := 0; start < len(bars); start += mirrorChunk {
		end := min(start+mirrorChunk, len(bars))
		rows := make([][]interface{}, 0, end-start)
		for _, b := range bars[start:end] {
			rows = append(rows, barRow(b))
		}
		if err := m.ch.InsertBatch(ctx, insert, rows); err != nil {
			m.l.Error("mirror bars", applogger.Int("rows", len(rows)), applogger.Error(err))
			return fmt.Errorf("mirror bars: %w", err)
		}
	}
	return nil
}

func barRow(b models.Bar) []interface{} {
	return []interface{}{b.Timestamp.UTC(), b.Symbol, b.Source, b.Open, b.High, b.Low, b.Close, b.Volume,
		float32(b.QualityScore), boolByte(b.Interpolated), boolByte(b.Anomaly)}
}

func (m *ClickHouseMirror) MirrorVaR(ctx context.Context, results []models.VaRResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(results))
	for _, v := range results {
		row, err := varRow(v)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	insert := "INSERT INTO " + m.varTable +
		" (computed_at, portfolio_id, methodology, horizon_days, confidence_level, value, value_pct, cvar, accuracy_score, breaches, observations, composition)"
	if err := m.ch.InsertBatch(ctx, insert, rows); err != nil {
		m.l.Error("mirror var", applogger.Int("rows", len(rows)), applogger.Error(err))
		return fmt.Errorf("mirror var: %w", err)
	}
	return nil
}

func varRow(v models.VaRResult) ([]interface{}, error) {
	comp, err := json.Marshal(v.Composition)
	if err != nil {
		return nil, fmt.Errorf("encode composition: %w", err)
	}
	return []interface{}{v.ComputedAt.UTC(), v.PortfolioID, v.Methodology.String(), uint16(v.HorizonDays),
		v.ConfidenceLevel, v.Value, v.ValuePct, v.CVaR, v.AccuracyScore,
		uint32(v.Breaches), uint32(v.Observations), string(comp)}, nil
}

// RangeBars aggregates mirrored bars to the interval, best source per bucket.
func (m *ClickHouseMirror) RangeBars(ctx context.Context, symbol string, from, to time.Time, iv domrepo.Interval) ([]models.Bar, error) {
	start := time.Now()
	bucket := "toStartOfDay(ts)"
	switch iv {
	case domrepo.Interval1h:
		bucket = "toStartOfHour(ts)"
	case domrepo.Interval1m:
		bucket = "toStartOfMinute(ts)"
	}
	q := `SELECT ` + bucket + ` AS b, argMin(open, ts), max(high), min(low), argMax(close, ts), sum(volume), max(quality_score)
		FROM ` + m.barsTable + ` FINAL
		WHERE symbol = ? AND ts >= ? AND ts <= ?
		GROUP BY b ORDER BY b ASC`
	rows, err := m.ch.DB().QueryContext(ctx, q, symbol, from.UTC(), to.UTC())
	if err != nil {
		m.l.Error("range bars query", applogger.String("symbol", symbol), applogger.Error(err))
		return nil, fmt.Errorf("range bars: %w", err)
	}
	defer rows.Close()

	out := make([]models.Bar, 0, 256)
	for rows.Next() {
		b := models.Bar{Symbol: symbol, Source: "clickhouse"}
		var q32 float32
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &q32); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.QualityScore = float64(q32)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	m.l.Debug("range bars ok",
		applogger.String("symbol", symbol),
		applogger.String("interval", string(iv)),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (m *ClickHouseMirror) Health(ctx context.Context) error { return m.ch.Health(ctx) }

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// NopMirror is used when ClickHouse is disabled.
type NopMirror struct{}

func (NopMirror) MirrorBars(context.Context, []models.Bar) error      { return nil }
func (NopMirror) MirrorVaR(context.Context, []models.VaRResult) error { return nil }
