package usecase

import (
	"context"
	"fmt"
	"time"

	"CryptoPull/internal/domain/models"
	drepo "CryptoPull/internal/domain/repository"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

// PriceSink receives the latest close per symbol.
type PriceSink interface {
	Set(symbol string, price float64)
}

// Marker revalues open positions.
type Marker interface {
	Mark(symbol string, price float64)
}

// BarProcessor applies live bars: persistence, price marks and forwarding
// to the bars topic.
type BarProcessor struct {
	bars     drepo.BarRepository
	pub      drepo.EventPublisher
	prices   PriceSink
	marks    Marker
	interval drepo.Interval
	metrics  drepo.Metrics
	lgr      *applogger.Logger
}

func NewBarProcessor(bars drepo.BarRepository, pub drepo.EventPublisher, prices PriceSink, marks Marker, interval drepo.Interval, l *applogger.Logger, m drepo.Metrics) *BarProcessor {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &BarProcessor{bars: bars, pub: pub, prices: prices, marks: marks, interval: interval, metrics: m, lgr: l.Component("bar_processor")}
}

// Process applies one bar and forwards it to other instances.
func (p *BarProcessor) Process(ctx context.Context, b *models.Bar) error {
	if b == nil {
		return fmt.Errorf("bar is nil")
	}
	return p.ProcessBatch(ctx, []models.Bar{*b})
}

// ProcessBatch applies and forwards bars.
func (p *BarProcessor) ProcessBatch(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	if err := p.Apply(ctx, bars); err != nil {
		return err
	}
	if p.pub != nil {
		if err := p.pub.PublishBars(ctx, bars); err != nil {
			p.metrics.RecordError("process_publish")
			return fmt.Errorf("publish bars: %w", err)
		}
	}
	p.metrics.RecordLatency("process_batch", time.Since(start).Seconds())
	return nil
}

// Apply updates local state without forwarding. Only daily bars are stored;
// intraday bars only move prices.
func (p *BarProcessor) Apply(ctx context.Context, bars []models.Bar) error {
	if p.interval == drepo.Interval1d && p.bars != nil {
		n, err := p.bars.UpsertBars(ctx, bars)
		if err != nil {
			p.metrics.RecordError("process_store")
			return fmt.Errorf("store live bars: %w", err)
		}
		if n > 0 {
			p.metrics.RecordPipelineRows(bars[0].Symbol, bars[0].Source, n)
		}
	}
	for _, b := range bars {
		if p.prices != nil {
			p.prices.Set(b.Symbol, b.Close)
		}
		if p.marks != nil {
			p.marks.Mark(b.Symbol, b.Close)
		}
		p.metrics.RecordLastPrice(b.Symbol, b.Close)
	}
	return nil
}

// Close releases the publisher.
func (p *BarProcessor) Close() {
	if p.pub != nil {
		if err := p.pub.Close(); err != nil {
			p.lgr.Warn("close publisher", applogger.Error(err))
		}
	}
}
