package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/pkg/sqlite"
	"CryptoPull/pkg/util"
)

const upsertChunk = 200

// SQLiteBarRepository stores OHLCV bars in the embedded database.
type SQLiteBarRepository struct {
	db  *sqlite.DB
	now func() time.Time
}

// NewBarRepository creates the bar repository.
func NewBarRepository(db *sqlite.DB) *SQLiteBarRepository {
	return &SQLiteBarRepository{db: db, now: time.Now}
}

var _ repository.BarRepository = (*SQLiteBarRepository)(nil)

// keepBetterQuality replaces a conflicting row only on strictly higher quality.
var keepBetterQuality = clause.OnConflict{
	Columns: []clause.Column{{Name: "symbol"}, {Name: "ts"}, {Name: "source"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"open", "high", "low", "close", "volume", "quality_score", "interpolated", "anomaly", "created_at",
	}),
	Where: clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: "excluded.quality_score > ohlcv_bars.quality_score"},
	}},
}

// replaceRow overwrites a conflicting row unconditionally.
var replaceRow = clause.OnConflict{
	Columns: []clause.Column{{Name: "symbol"}, {Name: "ts"}, {Name: "source"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"open", "high", "low", "close", "volume", "quality_score", "interpolated", "anomaly", "created_at",
	}),
}

// UpsertBars writes bars in one transaction. Input order is preserved, so
// per-symbol timestamp order is the insertion order. A provider bar retires
// any interpolated row for the same day.
func (r *SQLiteBarRepository) UpsertBars(ctx context.Context, bars []models.Bar) (int, error) {
	return r.write(ctx, "upsert bars", bars, keepBetterQuality)
}

// ReplaceBars overwrites the (symbol, timestamp, source) rows regardless of
// score. Remediation uses it to land capped values over the raw rows.
func (r *SQLiteBarRepository) ReplaceBars(ctx context.Context, bars []models.Bar) (int, error) {
	return r.write(ctx, "replace bars", bars, replaceRow)
}

func (r *SQLiteBarRepository) write(ctx context.Context, op string, bars []models.Bar, onConflict clause.OnConflict) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	now := r.now()
	recs := make([]barRecord, 0, len(bars))
	provided := make(map[string][]int64)
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return 0, err
		}
		rec := barToRecord(b, now)
		recs = append(recs, rec)
		if !rec.Interpolated && rec.Source != models.SourceInterpolated {
			provided[rec.Symbol] = append(provided[rec.Symbol], rec.TS)
		}
	}

	written := 0
	err := r.db.Tx(ctx, func(tx *gorm.DB) error {
		for start := 0; start < len(recs); start += upsertChunk {
			end := min(start+upsertChunk, len(recs))
			res := tx.Clauses(onConflict).Create(recs[start:end])
			if res.Error != nil {
				return res.Error
			}
			written += int(res.RowsAffected)
		}
		for sym, days := range provided {
			for start := 0; start < len(days); start += upsertChunk {
				end := min(start+upsertChunk, len(days))
				err := tx.Where("symbol = ? AND source = ? AND ts IN ?", sym, models.SourceInterpolated, days[start:end]).
					Delete(&barRecord{}).Error
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	return written, nil
}

func (r *SQLiteBarRepository) Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	var recs []barRecord
	err := r.db.Gorm(ctx).
		Where("symbol = ? AND ts >= ? AND ts <= ?", symbol, toMillis(from), toMillis(to)).
		Order("ts ASC, source ASC").
		Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("query bars", err)
	}
	out := make([]models.Bar, len(recs))
	for i, rec := range recs {
		out[i] = rec.model()
	}
	return out, nil
}

// BestBars keeps, for each timestamp, the bar with the highest quality score
// (ties broken by source name).
func (r *SQLiteBarRepository) BestBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	var recs []barRecord
	err := r.db.Gorm(ctx).
		Where("symbol = ? AND ts >= ? AND ts <= ?", symbol, toMillis(from), toMillis(to)).
		Order("ts ASC, quality_score DESC, source ASC").
		Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("query best bars", err)
	}
	out := make([]models.Bar, 0, len(recs))
	var last int64 = -1
	for _, rec := range recs {
		if rec.TS == last {
			continue
		}
		last = rec.TS
		out = append(out, rec.model())
	}
	return out, nil
}

func (r *SQLiteBarRepository) BarAt(ctx context.Context, symbol string, ts time.Time) (*models.Bar, error) {
	var rec barRecord
	err := r.db.Gorm(ctx).
		Where("symbol = ? AND ts = ?", symbol, toMillis(ts)).
		Order("quality_score DESC, source ASC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("query bar", err)
	}
	b := rec.model()
	return &b, nil
}

type coverageRow struct {
	First        *int64
	Last         *int64
	Days         int
	Interpolated int
	Anomalies    int
	AvgQuality   *float64
}

func (r *SQLiteBarRepository) Coverage(ctx context.Context, symbol string) (*models.Coverage, error) {
	var row coverageRow
	err := r.db.Gorm(ctx).Model(&barRecord{}).
		Select(`MIN(ts) AS first, MAX(ts) AS last, COUNT(DISTINCT ts) AS days,
			COALESCE(SUM(interpolated), 0) AS interpolated, COALESCE(SUM(anomaly), 0) AS anomalies,
			AVG(quality_score) AS avg_quality`).
		Where("symbol = ?", symbol).
		Scan(&row).Error
	if err != nil {
		return nil, errs.Storage("coverage", err)
	}
	cov := &models.Coverage{Symbol: symbol, Bars: row.Days, Interpolated: row.Interpolated, Anomalies: row.Anomalies}
	if row.First == nil || row.Last == nil {
		return cov, nil
	}
	cov.First, cov.Last = fromMillis(*row.First), fromMillis(*row.Last)
	if row.AvgQuality != nil {
		cov.AvgQuality = *row.AvgQuality
	}
	expected := int(cov.Last.Sub(cov.First)/util.Day) + 1
	cov.Missing = max(expected-row.Days, 0)

	if err := r.db.Gorm(ctx).Model(&barRecord{}).
		Distinct("source").Where("symbol = ?", symbol).
		Order("source").Pluck("source", &cov.Sources).Error; err != nil {
		return nil, errs.Storage("coverage sources", err)
	}
	return cov, nil
}

// Days lists the distinct days in [from, to] that hold a provider bar.
// Interpolated rows do not count, so planning fetches those days again.
func (r *SQLiteBarRepository) Days(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	var ts []int64
	err := r.db.Gorm(ctx).Model(&barRecord{}).
		Distinct("ts").
		Where("symbol = ? AND ts >= ? AND ts <= ? AND source <> ?", symbol, toMillis(from), toMillis(to), models.SourceInterpolated).
		Order("ts").
		Pluck("ts", &ts).Error
	if err != nil {
		return nil, errs.Storage("bar days", err)
	}
	out := make([]time.Time, len(ts))
	for i, v := range ts {
		out[i] = fromMillis(v)
	}
	return out, nil
}

func (r *SQLiteBarRepository) Symbols(ctx context.Context) ([]string, error) {
	var syms []string
	if err := r.db.Gorm(ctx).Model(&barRecord{}).Distinct("symbol").Pluck("symbol", &syms).Error; err != nil {
		return nil, errs.Storage("bar symbols", err)
	}
	sort.Strings(syms)
	return syms, nil
}

// FeatureStore adapts the bar and sentiment repositories for feature assembly.
type FeatureStore struct {
	bars      *SQLiteBarRepository
	sentiment *SQLiteSentimentRepository
}

func NewFeatureStore(bars *SQLiteBarRepository, sentiment *SQLiteSentimentRepository) *FeatureStore {
	return &FeatureStore{bars: bars, sentiment: sentiment}
}

var _ repository.FeatureStore = (*FeatureStore)(nil)

func (s *FeatureStore) GetBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	return s.bars.BestBars(ctx, symbol, from, to)
}

// GetLatestNBars returns up to n best bars ending at asOf, oldest first.
func (s *FeatureStore) GetLatestNBars(ctx context.Context, symbol string, n int, asOf time.Time) ([]models.Bar, error) {
	// Over-fetch by calendar span; BestBars collapses multi-source days.
	from := asOf.Add(-time.Duration(n+n/4+2) * util.Day)
	bars, err := s.bars.BestBars(ctx, symbol, from, asOf)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func (s *FeatureStore) GetSentiment(ctx context.Context, symbol string, from, to time.Time) ([]models.SentimentDay, error) {
	return s.sentiment.Daily(ctx, symbol, from, to)
}
