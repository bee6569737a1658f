package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/ratelimit"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

// Proc is the minimal processor interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, b *models.Bar) error
}

// RealtimePipeline sits between the live stream and the bar processor.
// It validates, throttles per symbol, optionally transforms, and buffers
// bars while downstream is failing.
type RealtimePipeline struct {
	proc     Proc
	metrics  domrepo.Metrics
	lgr      *applogger.Logger
	maxRPS   int
	bufSize  int
	bufCh    chan *models.Bar
	stopCh   chan struct{}
	started  bool
	mu       sync.Mutex
	throttle *ratelimit.Buckets
	// optional format transform hook
	transform func(*models.Bar) *models.Bar
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS sets the max bars per second per symbol.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets the buffer used while downstream is unavailable.
func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithTransform sets a hook that rewrites each bar before forwarding.
func WithTransform(fn func(*models.Bar) *models.Bar) PipelineOption {
	return func(p *RealtimePipeline) { p.transform = fn }
}

func WithLogger(l *applogger.Logger) PipelineOption {
	return func(p *RealtimePipeline) { p.lgr = l.Component("realtime_pipeline") }
}

func NewRealtimePipeline(proc Proc, m domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	if m == nil {
		m = metrics.Nop{}
	}
	p := &RealtimePipeline{
		proc:     proc,
		metrics:  m,
		lgr:      applogger.NewNop(),
		maxRPS:   20,
		bufSize:  1000,
		stopCh:   make(chan struct{}),
		throttle: ratelimit.NewBuckets(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan *models.Bar, p.bufSize)
	return p
}

// Start launches the background flush of buffered bars. Failed flushes back
// off exponentially up to two seconds.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		const base = 50 * time.Millisecond
		backoff := base
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case b := <-p.bufCh:
				if b == nil {
					continue
				}
				if err := p.proc.Process(ctx, b); err != nil {
					if backoff < 2*time.Second {
						backoff *= 2
					}
					p.metrics.RecordError("pipeline_flush")
					p.lgr.Debug("buffered bar flush failed",
						applogger.String("symbol", b.Symbol),
						applogger.Duration("backoff", backoff),
						applogger.Error(err))
					select {
					case <-time.After(backoff):
					case <-ctx.Done():
						return
					case <-p.stopCh:
						return
					}
					select {
					case p.bufCh <- b:
					default:
						p.metrics.RecordError("pipeline_buffer_drop")
					}
				} else {
					backoff = base
				}
			}
		}
	}()
}

func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.stopCh)
}

// Buffered is the number of bars waiting for downstream.
func (p *RealtimePipeline) Buffered() int { return len(p.bufCh) }

// Process validates, throttles and forwards one bar, buffering it when
// downstream fails. Throttled bars are dropped silently.
func (p *RealtimePipeline) Process(ctx context.Context, b *models.Bar) error {
	start := time.Now()
	if b == nil {
		return fmt.Errorf("bar nil")
	}
	if err := b.Validate(); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if p.transform != nil {
		b = p.transform(b)
		if b == nil {
			return nil
		}
		if err := b.Validate(); err != nil {
			p.metrics.RecordError("pipeline_transform_invalid")
			return err
		}
	}
	if p.maxRPS > 0 && !p.throttle.Allow(b.Symbol, float64(p.maxRPS), float64(p.maxRPS)) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	if err := p.proc.Process(ctx, b); err != nil {
		p.metrics.RecordError("pipeline_process")
		select {
		case p.bufCh <- b:
			p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.bufCh)))
		default:
			p.metrics.RecordError("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}
