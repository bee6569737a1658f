package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/service/metrics"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/queue"
)

// Job message types.
const (
	JobCalibrate   = "calibrate"
	JobDataRefresh = "data.refresh"
)

// JobPayload selects the symbols a job acts on. Empty means all configured.
type JobPayload struct {
	Symbols []string `json:"symbols,omitempty"`
}

func parseJobPayload(payload interface{}) (JobPayload, error) {
	if payload == nil {
		return JobPayload{}, nil
	}
	p, err := queue.ParsePayload[JobPayload](payload)
	if err != nil {
		return JobPayload{}, queue.NonRetryable(err)
	}
	return *p, nil
}

// retryable leaves transient failures to the queue and dead-letters the rest.
func retryable(err error) error {
	switch errs.CodeOf(err) {
	case errs.CodeTransientTransport, errs.CodeRateLimited, errs.CodeCircuitOpen, errs.CodeStorageError:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return queue.NonRetryable(err)
}

// CalibrateJob recalibrates correlations and VaR.
type CalibrateJob struct {
	cal     Calibrator
	symbols []string
	l       *applogger.Logger
}

func NewCalibrateJob(cal Calibrator, symbols []string, l *applogger.Logger) *CalibrateJob {
	if l == nil {
		l = applogger.NewNop()
	}
	return &CalibrateJob{cal: cal, symbols: symbols, l: l.Component("calibrate_job")}
}

func (j *CalibrateJob) Name() string { return "calibrate" }
func (j *CalibrateJob) Type() string { return JobCalibrate }

func (j *CalibrateJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := parseJobPayload(payload)
	if err != nil {
		return err
	}
	symbols := p.Symbols
	if len(symbols) == 0 {
		symbols = j.symbols
	}
	rep, err := j.cal.Run(ctx, symbols)
	if err != nil {
		return retryable(fmt.Errorf("calibrate: %w", err))
	}
	j.l.Info("calibration finished", applogger.Any("report", rep))
	return nil
}

// RefreshJob runs an ingestion pass over the default window.
type RefreshJob struct {
	data    DataControl
	symbols []string
	timeout time.Duration
	l       *applogger.Logger
}

func NewRefreshJob(data DataControl, symbols []string, timeout time.Duration, l *applogger.Logger) *RefreshJob {
	if l == nil {
		l = applogger.NewNop()
	}
	return &RefreshJob{data: data, symbols: symbols, timeout: timeout, l: l.Component("refresh_job")}
}

func (j *RefreshJob) Name() string { return "data-refresh" }
func (j *RefreshJob) Type() string { return JobDataRefresh }

func (j *RefreshJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := parseJobPayload(payload)
	if err != nil {
		return err
	}
	symbols := p.Symbols
	if len(symbols) == 0 {
		symbols = j.symbols
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	rep, err := j.data.Run(ctx, j.data.DefaultRequest(symbols))
	if err != nil {
		return retryable(fmt.Errorf("refresh: %w", err))
	}
	j.l.Info("refresh finished",
		applogger.Strings("symbols", symbols),
		applogger.Int("failures", len(rep.Failures)))
	return nil
}

// Scheduler enqueues recurring jobs. A zero interval disables that job.
type Scheduler struct {
	q     queue.QueueService
	every map[string]time.Duration
	l     *applogger.Logger

	depth      func(context.Context) (queue.Depth, error)
	depthEvery time.Duration
}

func NewScheduler(q queue.QueueService, calibration, refresh time.Duration, l *applogger.Logger) *Scheduler {
	metrics.Register()
	if l == nil {
		l = applogger.NewNop()
	}
	return &Scheduler{
		q:     q,
		every: map[string]time.Duration{JobCalibrate: calibration, JobDataRefresh: refresh},
		l:     l.Component("scheduler"),
	}
}

// ReportDepth samples queue depth into the queue gauge every interval.
func (s *Scheduler) ReportDepth(probe func(context.Context) (queue.Depth, error), every time.Duration) {
	s.depth, s.depthEvery = probe, every
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	calC, stopCal := s.ticker(JobCalibrate)
	defer stopCal()
	refC, stopRef := s.ticker(JobDataRefresh)
	defer stopRef()
	var depthC <-chan time.Time
	if s.depth != nil && s.depthEvery > 0 {
		t := time.NewTicker(s.depthEvery)
		defer t.Stop()
		depthC = t.C
	}
	s.l.Info("scheduler started",
		applogger.Duration("calibration", s.every[JobCalibrate]),
		applogger.Duration("refresh", s.every[JobDataRefresh]))

	for {
		select {
		case <-ctx.Done():
			return
		case <-calC:
			s.enqueue(ctx, JobCalibrate)
		case <-refC:
			s.enqueue(ctx, JobDataRefresh)
		case <-depthC:
			d, err := s.depth(ctx)
			if err != nil {
				s.l.Debug("queue depth", applogger.Error(err))
				continue
			}
			metrics.ObserveQueue(d.Pending, d.Delayed, d.Dead)
		}
	}
}

// ticker returns a nil channel for disabled jobs so select never fires it.
func (s *Scheduler) ticker(typ string) (<-chan time.Time, func()) {
	d := s.every[typ]
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (s *Scheduler) enqueue(ctx context.Context, typ string) {
	if err := s.q.PublishMessage(ctx, typ, JobPayload{}); err != nil {
		s.l.Warn("schedule job", applogger.String("type", typ), applogger.Error(err))
		return
	}
	s.l.Debug("job scheduled", applogger.String("type", typ))
}
