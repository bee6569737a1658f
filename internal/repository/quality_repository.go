package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/pkg/sqlite"
)

// SQLiteQualityRepository appends quality metrics and the alert log.
type SQLiteQualityRepository struct {
	db *sqlite.DB
}

func NewQualityRepository(db *sqlite.DB) *SQLiteQualityRepository {
	return &SQLiteQualityRepository{db: db}
}

var (
	_ repository.QualityRepository = (*SQLiteQualityRepository)(nil)
	_ repository.AlertRepository   = (*SQLiteQualityRepository)(nil)
)

func (r *SQLiteQualityRepository) AppendMetric(ctx context.Context, m models.QualityMetric) error {
	rec := qualityRecord{
		Table: m.Table, ColumnName: m.Column, Symbol: m.Symbol, Total: m.Total,
		Completeness: m.Completeness, Accuracy: m.Accuracy, OutlierCount: m.OutlierCount,
		Duplicates: m.Duplicates, NonMonotonic: m.NonMonotonic, QualityScore: m.QualityScore,
		RemediationApplied: m.RemediationApplied, Remediation: m.Remediation, ScoreBefore: m.ScoreBefore,
		MeasuredAt: toMillis(m.MeasuredAt),
	}
	if err := r.db.Gorm(ctx).Create(&rec).Error; err != nil {
		return errs.Storage("append quality metric", err)
	}
	return nil
}

func (r *SQLiteQualityRepository) AppendAnomaly(ctx context.Context, a models.Anomaly) error {
	rec := anomalyRecord{
		Table: a.Table, Symbol: a.Symbol, Metric: a.Metric, Value: a.Value,
		Threshold: a.Threshold, DetectedAt: toMillis(a.DetectedAt),
	}
	if err := r.db.Gorm(ctx).Create(&rec).Error; err != nil {
		return errs.Storage("append anomaly", err)
	}
	return nil
}

// LatestMetrics returns newest first. An empty table matches every table.
func (r *SQLiteQualityRepository) LatestMetrics(ctx context.Context, table string, limit int) ([]models.QualityMetric, error) {
	q := r.db.Gorm(ctx).Order("measured_at DESC, id DESC")
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []qualityRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, errs.Storage("latest quality metrics", err)
	}
	out := make([]models.QualityMetric, len(recs))
	for i, rec := range recs {
		out[i] = models.QualityMetric{
			Table: rec.Table, Column: rec.ColumnName, Symbol: rec.Symbol, Total: rec.Total,
			Completeness: rec.Completeness, Accuracy: rec.Accuracy, OutlierCount: rec.OutlierCount,
			Duplicates: rec.Duplicates, NonMonotonic: rec.NonMonotonic, QualityScore: rec.QualityScore,
			RemediationApplied: rec.RemediationApplied, Remediation: rec.Remediation,
			ScoreBefore: rec.ScoreBefore, MeasuredAt: fromMillis(rec.MeasuredAt),
		}
	}
	return out, nil
}

func (r *SQLiteQualityRepository) AppendEvent(ctx context.Context, ev models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var payload []byte
	if ev.Payload != nil {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			payload = nil
		}
	}
	rec := eventRecord{
		ID: ev.ID, Type: string(ev.Type), Severity: ev.Severity.String(), Source: ev.Source,
		Message: ev.Message, Payload: string(payload), At: toMillis(ev.At),
	}
	if err := r.db.Gorm(ctx).Create(&rec).Error; err != nil {
		return errs.Storage("append event", err)
	}
	return nil
}

func (r *SQLiteQualityRepository) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []eventRecord
	if err := r.db.Gorm(ctx).Order("at DESC, id").Limit(limit).Find(&recs).Error; err != nil {
		return nil, errs.Storage("recent events", err)
	}
	out := make([]models.Event, len(recs))
	for i, rec := range recs {
		ev := models.Event{
			ID: rec.ID, Type: models.EventType(rec.Type), Severity: parseSeverity(rec.Severity),
			Source: rec.Source, Message: rec.Message, At: fromMillis(rec.At),
		}
		if rec.Payload != "" {
			ev.Payload = json.RawMessage(rec.Payload)
		}
		out[i] = ev
	}
	return out, nil
}

func parseSeverity(s string) models.AlertSeverity {
	switch s {
	case "warning":
		return models.SeverityWarning
	case "critical":
		return models.SeverityCritical
	}
	return models.SeverityInfo
}
