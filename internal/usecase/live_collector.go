package usecase

import (
	"context"

	"CryptoPull/internal/domain/models"
	drepo "CryptoPull/internal/domain/repository"
	mid "CryptoPull/internal/middleware"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

// LiveCollector reads closed bars from the market stream and hands them to
// the realtime pipeline, or straight to the processor without one.
type LiveCollector struct {
	stream  drepo.MarketStream
	proc    *BarProcessor
	metrics drepo.Metrics
	pipe    *mid.RealtimePipeline
	lgr     *applogger.Logger
}

func NewLiveCollector(stream drepo.MarketStream, proc *BarProcessor, pipe *mid.RealtimePipeline, l *applogger.Logger, m drepo.Metrics) *LiveCollector {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &LiveCollector{stream: stream, proc: proc, metrics: m, pipe: pipe, lgr: l.Component("live_collector")}
}

func (c *LiveCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *LiveCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	barCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, barCh, errCh)
	return nil
}

func (c *LiveCollector) consume(ctx context.Context, barCh <-chan *models.Bar, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				c.metrics.RecordError("stream")
				c.lgr.Warn("stream error, reconnecting", applogger.Error(err))
				if rerr := c.stream.Reconnect(ctx); rerr != nil {
					c.lgr.Error("stream reconnect failed", applogger.Error(rerr))
				}
			}
		case b, ok := <-barCh:
			if !ok {
				return
			}
			if b == nil {
				continue
			}
			var err error
			if c.pipe != nil {
				err = c.pipe.Process(ctx, b)
			} else {
				err = c.proc.Process(ctx, b)
			}
			if err != nil {
				c.lgr.Debug("live bar not applied", applogger.String("symbol", b.Symbol), applogger.Error(err))
			}
		}
	}
}

// Shutdown stops the pipeline and closes the stream.
func (c *LiveCollector) Shutdown(ctx context.Context) error {
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return c.stream.Close()
}
