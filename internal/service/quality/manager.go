package quality

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
)

const barsTable = "bars"

// Rejection is a bar that failed the OHLCV invariants and is not persisted.
type Rejection struct {
	Bar models.Bar
	Err error
}

// Result is a scored batch ready to persist.
type Result struct {
	Bars       []models.Bar
	Rejected   []Rejection
	Assessment Assessment
	Metric     models.QualityMetric
}

// Manager scores batches and records metrics and anomalies.
type Manager struct {
	cfg     Config
	repo    repository.QualityRepository
	pub     repository.EventPublisher
	metrics repository.Metrics
	lgr     *applogger.Logger
	now     func() time.Time
}

// NewManager builds a manager; repo and pub may be nil in tests.
func NewManager(cfg Config, repo repository.QualityRepository, pub repository.EventPublisher, l *applogger.Logger, m repository.Metrics) *Manager {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Manager{cfg: cfg.withDefaults(), repo: repo, pub: pub, metrics: m, lgr: l.Component("quality"), now: time.Now}
}

func (m *Manager) Config() Config { return m.cfg }

// Validate scores one symbol's batch over [from, to]. Invalid bars are split
// off into Rejected; outliers are flagged, never dropped. Every kept bar gets
// the batch score, halved for anomalous or interpolated rows.
func (m *Manager) Validate(symbol string, bars []models.Bar, from, to time.Time) Result {
	sorted := sortedUnique(bars)
	a := Assess(m.cfg, bars, from, to)
	outlier := make(map[int]bool, len(a.Outliers))
	for _, i := range a.Outliers {
		outlier[i] = true
	}

	res := Result{Assessment: a, Bars: make([]models.Bar, 0, len(sorted))}
	for i, b := range sorted {
		b.Anomaly = b.Anomaly || outlier[i]
		b.QualityScore = barScore(a.Score, b)
		if err := b.Validate(); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Bar: b, Err: err})
			continue
		}
		res.Bars = append(res.Bars, b)
	}
	res.Metric = models.QualityMetric{
		Table:        barsTable,
		Symbol:       symbol,
		Total:        len(sorted),
		Completeness: a.Completeness,
		Accuracy:     a.Accuracy,
		OutlierCount: len(a.Outliers),
		Duplicates:   a.Duplicates,
		NonMonotonic: a.NonMonotonic,
		QualityScore: a.Score,
		ScoreBefore:  a.Score,
		MeasuredAt:   m.now().UTC(),
	}
	return res
}

func barScore(batch float64, b models.Bar) float64 {
	if b.Anomaly || b.Interpolated {
		return batch / 2
	}
	return batch
}

// Remediate fills interior gaps and caps extreme outliers in a sorted,
// validated series (stored plus new bars). It returns the bars that changed
// or were created, and the metric with before/after scores.
func (m *Manager) Remediate(symbol string, bars []models.Bar, from, to time.Time) ([]models.Bar, models.QualityMetric) {
	before := Assess(m.cfg, bars, from, to)
	series := sortedUnique(bars)
	orig := make(map[time.Time]models.Bar, len(series))
	for _, b := range series {
		orig[b.Timestamp] = b
	}

	series, filled := Interpolate(series)
	capped := Cap(series, m.cfg.RollingWindow, m.cfg.CapSigma)
	after := Assess(m.cfg, series, from, to)

	var changed []models.Bar
	for _, b := range series {
		o, existed := orig[b.Timestamp]
		if existed && o == b {
			continue
		}
		b.QualityScore = barScore(after.Score, b)
		if b.Validate() != nil {
			continue
		}
		changed = append(changed, b)
	}
	metric := models.QualityMetric{
		Table:              barsTable,
		Symbol:             symbol,
		Total:              len(series),
		Completeness:       after.Completeness,
		Accuracy:           after.Accuracy,
		OutlierCount:       len(after.Outliers),
		Duplicates:         after.Duplicates,
		NonMonotonic:       after.NonMonotonic,
		QualityScore:       after.Score,
		ScoreBefore:        before.Score,
		RemediationApplied: filled > 0 || len(capped) > 0,
		Remediation:        describeRemediation(filled, capped),
		MeasuredAt:         m.now().UTC(),
	}
	return changed, metric
}

// describeRemediation keeps the pre-cap close of every capped bar so the
// original value survives in the append-only metric log.
func describeRemediation(filled int, capped []Capped) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "interpolated=%d capped=%d", filled, len(capped))
	for _, c := range capped {
		fmt.Fprintf(&sb, " %s:close=%s->%s", c.Timestamp.Format(time.DateOnly),
			strconv.FormatFloat(c.Close, 'f', -1, 64), strconv.FormatFloat(c.CappedTo, 'f', -1, 64))
	}
	return sb.String()
}

// Record persists metric and, when the score is below threshold, an anomaly
// that is also published as a QualityBelowThreshold event.
func (m *Manager) Record(ctx context.Context, metric models.QualityMetric) error {
	m.metrics.RecordQualityScore(metric.Table, metric.Symbol, metric.QualityScore)
	if m.repo != nil {
		if err := m.repo.AppendMetric(ctx, metric); err != nil {
			return err
		}
	}
	if metric.QualityScore >= m.cfg.Threshold {
		return nil
	}
	an := models.Anomaly{
		Table: metric.Table, Symbol: metric.Symbol, Metric: "quality_score",
		Value: metric.QualityScore, Threshold: m.cfg.Threshold, DetectedAt: metric.MeasuredAt,
	}
	m.lgr.Warn("quality below threshold",
		applogger.String("symbol", metric.Symbol),
		applogger.Float64("score", metric.QualityScore),
		applogger.Float64("threshold", m.cfg.Threshold))
	if m.repo != nil {
		if err := m.repo.AppendAnomaly(ctx, an); err != nil {
			return err
		}
	}
	if m.pub != nil {
		cause := &errs.QualityBelowThreshold{Metric: metric.Table + " quality_score", Value: metric.QualityScore, Threshold: m.cfg.Threshold}
		ev := models.Event{
			Type: models.EventQualityAnomaly, Severity: models.SeverityWarning, Source: "quality",
			Message: cause.Error(), Payload: an, At: metric.MeasuredAt,
		}
		if err := m.pub.Publish(ctx, ev); err != nil {
			m.metrics.RecordError("publish")
			m.lgr.Warn("publish anomaly failed", applogger.Error(err))
		}
	}
	return nil
}
