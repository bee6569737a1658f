package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/notify"
	"CryptoPull/internal/service/stats"
	"CryptoPull/pkg/config"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

// realizeBatch bounds how many elapsed predictions one pass realizes.
const realizeBatch = 500

// TRSMonitor realizes elapsed predictions and tracks how well predicted
// returns track realized ones over rolling windows.
type TRSMonitor struct {
	preds   domrepo.PredictionRepository
	bars    domrepo.BarRepository
	pub     domrepo.EventPublisher
	cfg     config.CorrelationConfig
	th      stats.Thresholds
	hub     *notify.Hub[models.TRSWindow]
	lgr     *applogger.Logger
	metrics domrepo.Metrics
	now     func() time.Time

	mu         sync.Mutex
	status     map[int]models.TRSWindow
	violations map[int]int
	// alerted is the last known status announced per window; unknown
	// readings never overwrite it.
	alerted map[int]models.TRSStatus
}

type TRSOption func(*TRSMonitor)

func WithTRSPublisher(p domrepo.EventPublisher) TRSOption { return func(t *TRSMonitor) { t.pub = p } }
func WithTRSClock(now func() time.Time) TRSOption         { return func(t *TRSMonitor) { t.now = now } }

func NewTRSMonitor(cfg config.CorrelationConfig, preds domrepo.PredictionRepository, bars domrepo.BarRepository, l *applogger.Logger, m domrepo.Metrics, opts ...TRSOption) *TRSMonitor {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	th := stats.DefaultThresholds()
	if cfg.TRSTarget > 0 {
		th.Target = cfg.TRSTarget
	}
	if cfg.WarningThreshold > 0 {
		th.Warning = cfg.WarningThreshold
	}
	if cfg.CriticalThreshold > 0 {
		th.Critical = cfg.CriticalThreshold
	}
	if cfg.Significance > 0 {
		th.Significance = cfg.Significance
	}
	t := &TRSMonitor{
		preds: preds, bars: bars, cfg: cfg, th: th,
		hub: notify.New[models.TRSWindow](0),
		lgr: l.Component("trs_monitor"), metrics: m, now: time.Now,
		status: make(map[int]models.TRSWindow), violations: make(map[int]int),
		alerted: make(map[int]models.TRSStatus),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe receives every status transition.
func (t *TRSMonitor) Subscribe(name string, fn func(models.TRSWindow)) func() {
	return t.hub.Subscribe(name, fn)
}

// Status returns the last reading per window, smallest window first.
func (t *TRSMonitor) Status() []models.TRSWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.TRSWindow, 0, len(t.status))
	for _, w := range t.status {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowDays < out[j].WindowDays })
	return out
}

// Realize records outcomes for predictions whose horizon has elapsed. A
// prediction stays pending until the bar at created_at+horizon exists.
func (t *TRSMonitor) Realize(ctx context.Context) (int, error) {
	now := t.now().UTC()
	pending, err := t.preds.Pending(ctx, now, realizeBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pending {
		sym := p.Pair.Base()
		start, err := t.bars.BarAt(ctx, sym, p.CreatedAt)
		if err != nil {
			return n, err
		}
		end, err := t.bars.BarAt(ctx, sym, p.Due())
		if err != nil {
			return n, err
		}
		if start == nil || end == nil || start.Close <= 0 {
			continue
		}
		realized := end.Close/start.Close - 1
		if err := t.preds.Realize(ctx, p.ID, realized, end.Timestamp); err != nil {
			var se *errs.StateError
			if errors.As(err, &se) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		t.lgr.Debug("predictions realized", applogger.Int("count", n))
	}
	return n, nil
}

// Evaluate classifies every configured window and emits alerts for status
// transitions.
func (t *TRSMonitor) Evaluate(ctx context.Context) ([]models.TRSWindow, error) {
	now := t.now().UTC()
	longest := 0
	for _, w := range t.cfg.WindowsDays {
		if w > longest {
			longest = w
		}
	}
	realized, err := t.preds.RealizedSince(ctx, now.AddDate(0, 0, -longest))
	if err != nil {
		return nil, err
	}
	out := make([]models.TRSWindow, 0, len(t.cfg.WindowsDays))
	for _, days := range t.cfg.WindowsDays {
		w := t.measure(realized, days, now)
		t.metrics.RecordTRS(days, w.Coefficient, w.Status)
		out = append(out, w)
		t.transition(ctx, w)
	}
	return out, nil
}

func (t *TRSMonitor) measure(realized []models.Prediction, days int, now time.Time) models.TRSWindow {
	since := now.AddDate(0, 0, -days)
	var x, y []float64
	for _, p := range realized {
		if !p.Realized() || p.RealizedAt == nil || p.RealizedAt.Before(since) {
			continue
		}
		x = append(x, p.PredictedReturn)
		y = append(y, *p.RealizedReturn)
	}
	w := models.TRSWindow{WindowDays: days, SampleSize: len(x), MeasuredAt: now}
	res, err := stats.Correlate(x, y)
	if err != nil {
		w.Status = models.TRSUnknown
		w.Note = err.Error()
		return w
	}
	w.Coefficient, w.PValue, w.CILow, w.CIHigh = res.Pearson, res.PValue, res.CILow, res.CIHigh
	w.Stability = stats.Stability(stats.Rolling(x, y, t.cfg.RollingWindow))
	w.Status = stats.Classify(res.Pearson, res.PValue, t.th)
	w.Emergency = t.cfg.EmergencyLevel > 0 && res.Pearson < t.cfg.EmergencyLevel

	t.mu.Lock()
	if w.Status == models.TRSCompliant {
		t.violations[days] = 0
	} else {
		t.violations[days]++
	}
	w.Violations = t.violations[days]
	t.mu.Unlock()
	if t.cfg.MaxViolations > 0 && w.Violations >= t.cfg.MaxViolations {
		w.Note = fmt.Sprintf("%d consecutive violations", w.Violations)
	}
	return w
}

func (t *TRSMonitor) transition(ctx context.Context, w models.TRSWindow) {
	t.mu.Lock()
	t.status[w.WindowDays] = w
	prev, seen := t.alerted[w.WindowDays]
	changed := w.Status != models.TRSUnknown && (!seen || prev != w.Status)
	if changed {
		t.alerted[w.WindowDays] = w.Status
	}
	t.mu.Unlock()
	if !changed {
		return
	}
	sev := models.SeverityInfo
	switch w.Status {
	case models.TRSWarning:
		sev = models.SeverityWarning
	case models.TRSCritical:
		sev = models.SeverityCritical
	}
	t.lgr.Info("trs status changed",
		applogger.Int("window_days", w.WindowDays),
		applogger.String("from", prev.String()),
		applogger.String("to", w.Status.String()),
		applogger.Float64("coefficient", w.Coefficient),
		applogger.Int("samples", w.SampleSize))
	t.publish(ctx, models.EventTRSStatus, sev,
		fmt.Sprintf("%dd trs %s -> %s (r=%.3f)", w.WindowDays, prev, w.Status, w.Coefficient), w)
	if w.Status == models.TRSCritical {
		t.publish(ctx, models.EventComplianceAlert, models.SeverityCritical,
			fmt.Sprintf("%dd predicted/realized correlation %.3f below %.2f", w.WindowDays, w.Coefficient, t.th.Critical), w)
	}
	t.hub.Emit(w)
}

func (t *TRSMonitor) publish(ctx context.Context, typ models.EventType, sev models.AlertSeverity, msg string, w models.TRSWindow) {
	if t.pub == nil {
		return
	}
	ev := models.Event{ID: uuid.NewString(), Type: typ, Severity: sev, Source: "trs_monitor", Message: msg, Payload: w, At: t.now().UTC()}
	if err := t.pub.Publish(ctx, ev); err != nil {
		t.metrics.RecordError("publish")
		t.lgr.Warn("publish trs event", applogger.String("type", string(typ)), applogger.Error(err))
	}
}

// Run realizes and evaluates on every tick until ctx ends.
func (t *TRSMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer t.hub.Close()
	for {
		if _, err := t.Realize(ctx); err != nil && ctx.Err() == nil {
			t.lgr.Warn("realize predictions", applogger.Error(err))
		}
		if _, err := t.Evaluate(ctx); err != nil && ctx.Err() == nil {
			t.lgr.Warn("evaluate trs", applogger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
