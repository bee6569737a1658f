package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/pkg/sqlite"
)

// SQLiteAnalyticsRepository keeps correlation, VaR and prediction history.
type SQLiteAnalyticsRepository struct {
	db *sqlite.DB
}

func NewAnalyticsRepository(db *sqlite.DB) *SQLiteAnalyticsRepository {
	return &SQLiteAnalyticsRepository{db: db}
}

var (
	_ repository.CorrelationRepository = (*SQLiteAnalyticsRepository)(nil)
	_ repository.VaRRepository         = (*SQLiteAnalyticsRepository)(nil)
	_ repository.PredictionRepository  = (*SQLiteAnalyticsRepository)(nil)
)

// SaveCorrelations stores records in canonical (a <= b) order.
func (r *SQLiteAnalyticsRepository) SaveCorrelations(ctx context.Context, recs []models.CorrelationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]correlationRecord, len(recs))
	for i, rec := range recs {
		c := rec.Canonical()
		rows[i] = correlationRecord{
			AssetA: c.AssetA, AssetB: c.AssetB, WindowDays: c.WindowDays, ComputedAt: toMillis(c.ComputedAt),
			Coefficient: c.Coefficient, Spearman: c.Spearman, PValue: c.PValue,
			CILow: c.CILow, CIHigh: c.CIHigh, SampleSize: c.SampleSize,
		}
	}
	err := r.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&rows, upsertChunk).Error
	if err != nil {
		return errs.Storage("save correlations", err)
	}
	return nil
}

// LatestCorrelations returns the most recent record of each pair for the window.
func (r *SQLiteAnalyticsRepository) LatestCorrelations(ctx context.Context, windowDays int) ([]models.CorrelationRecord, error) {
	var rows []correlationRecord
	err := r.db.Gorm(ctx).Raw(`
		SELECT c.* FROM correlation_records c
		JOIN (SELECT asset_a, asset_b, MAX(computed_at) AS computed_at
		      FROM correlation_records WHERE window_days = ? GROUP BY asset_a, asset_b) l
		  ON c.asset_a = l.asset_a AND c.asset_b = l.asset_b AND c.computed_at = l.computed_at
		WHERE c.window_days = ?
		ORDER BY c.asset_a, c.asset_b`, windowDays, windowDays).
		Scan(&rows).Error
	if err != nil {
		return nil, errs.Storage("latest correlations", err)
	}
	out := make([]models.CorrelationRecord, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

func (r *SQLiteAnalyticsRepository) SaveVaR(ctx context.Context, results []models.VaRResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([]varRecord, len(results))
	for i, v := range results {
		comp, err := json.Marshal(v.Composition)
		if err != nil {
			return fmt.Errorf("encode composition: %w", err)
		}
		rows[i] = varRecord{
			PortfolioID: v.PortfolioID, Methodology: v.Methodology.String(), HorizonDays: v.HorizonDays,
			ConfidenceLevel: v.ConfidenceLevel, Value: v.Value, ValuePct: v.ValuePct, CVaR: v.CVaR,
			AccuracyScore: v.AccuracyScore, Breaches: v.Breaches, Observations: v.Observations,
			PortfolioValue: v.PortfolioValue, Composition: string(comp), ComputedAt: toMillis(v.ComputedAt),
		}
	}
	err := r.db.Gorm(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "portfolio_id"}, {Name: "methodology"}, {Name: "horizon_days"}, {Name: "confidence_level"}, {Name: "computed_at"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "value_pct", "cvar", "accuracy_score", "breaches", "observations", "portfolio_value", "composition"}),
	}).Create(&rows).Error
	if err != nil {
		return errs.Storage("save var", err)
	}
	return nil
}

// LatestVaR returns the newest result per methodology.
func (r *SQLiteAnalyticsRepository) LatestVaR(ctx context.Context, portfolioID string) ([]models.VaRResult, error) {
	var rows []varRecord
	err := r.db.Gorm(ctx).Raw(`
		SELECT v.* FROM var_results v
		JOIN (SELECT methodology, MAX(computed_at) AS computed_at
		      FROM var_results WHERE portfolio_id = ? GROUP BY methodology) l
		  ON v.methodology = l.methodology AND v.computed_at = l.computed_at
		WHERE v.portfolio_id = ?
		ORDER BY v.methodology`, portfolioID, portfolioID).
		Scan(&rows).Error
	if err != nil {
		return nil, errs.Storage("latest var", err)
	}
	out := make([]models.VaRResult, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}

func (r *SQLiteAnalyticsRepository) SavePrediction(ctx context.Context, p models.Prediction) error {
	contrib, err := json.Marshal(p.Contributions)
	if err != nil {
		return fmt.Errorf("encode contributions: %w", err)
	}
	rec := predictionRecord{
		ID: p.ID, Pair: string(p.Pair), HorizonMS: p.Horizon.Milliseconds(),
		PredictedReturn: p.PredictedReturn, Confidence: p.Confidence, Contributions: string(contrib),
		Model: p.Model, CreatedAt: toMillis(p.CreatedAt), DueAt: toMillis(p.Due()),
	}
	if err := r.db.Gorm(ctx).Create(&rec).Error; err != nil {
		if sqlite.IsUniqueViolation(err) {
			return &errs.StateError{Entity: "prediction " + p.ID, From: "recorded", To: "recorded"}
		}
		return errs.Storage("save prediction", err)
	}
	return nil
}

// Realize sets the realized return. The realize-once trigger rejects a
// second update; the row filter makes that case a StateError instead.
func (r *SQLiteAnalyticsRepository) Realize(ctx context.Context, id string, realized float64, at time.Time) error {
	res := r.db.Gorm(ctx).Model(&predictionRecord{}).
		Where("id = ? AND realized_at IS NULL", id).
		Updates(map[string]any{"realized_return": realized, "realized_at": toMillis(at)})
	if res.Error != nil {
		if strings.Contains(res.Error.Error(), "already realized") {
			return &errs.StateError{Entity: "prediction " + id, From: "realized", To: "realized"}
		}
		return errs.Storage("realize prediction", res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.Gorm(ctx).Model(&predictionRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return errs.Storage("realize prediction", err)
		}
		if n == 0 {
			return &errs.StateError{Entity: "prediction " + id, From: "missing", To: "realized"}
		}
		return &errs.StateError{Entity: "prediction " + id, From: "realized", To: "realized"}
	}
	return nil
}

// Pending lists unrealized predictions due before the given time, oldest first.
func (r *SQLiteAnalyticsRepository) Pending(ctx context.Context, dueBefore time.Time, limit int) ([]models.Prediction, error) {
	q := r.db.Gorm(ctx).Where("realized_at IS NULL AND due_at <= ?", toMillis(dueBefore)).Order("due_at, id")
	return r.predictions(q, limit, "pending predictions")
}

func (r *SQLiteAnalyticsRepository) RealizedSince(ctx context.Context, since time.Time) ([]models.Prediction, error) {
	q := r.db.Gorm(ctx).Where("realized_at IS NOT NULL AND due_at >= ?", toMillis(since)).Order("due_at, id")
	return r.predictions(q, 0, "realized predictions")
}

func (r *SQLiteAnalyticsRepository) predictions(q *gorm.DB, limit int, op string) ([]models.Prediction, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []predictionRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.Storage(op, err)
	}
	out := make([]models.Prediction, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	return out, nil
}
