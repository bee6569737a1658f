package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	"CryptoPull/pkg/sqlite"
	"CryptoPull/pkg/util"
)

// SQLiteArticleRepository stores scored news articles.
type SQLiteArticleRepository struct {
	db *sqlite.DB
}

func NewArticleRepository(db *sqlite.DB) *SQLiteArticleRepository {
	return &SQLiteArticleRepository{db: db}
}

var _ repository.ArticleRepository = (*SQLiteArticleRepository)(nil)

// UpsertArticles ignores articles already stored under (source_id, url).
func (r *SQLiteArticleRepository) UpsertArticles(ctx context.Context, articles []models.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	recs := make([]articleRecord, 0, len(articles))
	for _, a := range articles {
		if err := a.Validate(); err != nil {
			return 0, err
		}
		recs = append(recs, articleRecord{
			SourceID: a.SourceID, URL: a.URL, Title: a.Title, Description: a.Description,
			PublishedAt: toMillis(a.PublishedAt), SentimentScore: a.SentimentScore,
			SentimentLabel: a.SentimentLabel, Symbols: joinSymbols(a.Symbols),
		})
	}
	written := 0
	err := r.db.Tx(ctx, func(tx *gorm.DB) error {
		for start := 0; start < len(recs); start += upsertChunk {
			end := min(start+upsertChunk, len(recs))
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(recs[start:end])
			if res.Error != nil {
				return res.Error
			}
			written += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, errs.Storage("upsert articles", err)
	}
	return written, nil
}

func (r *SQLiteArticleRepository) ArticlesForDay(ctx context.Context, symbol string, day time.Time) ([]models.Article, error) {
	start := util.DayStart(day)
	var recs []articleRecord
	err := r.db.Gorm(ctx).
		Where("published_at >= ? AND published_at < ? AND symbols LIKE ?",
			toMillis(start), toMillis(start.Add(util.Day)), "%,"+symbol+",%").
		Order("published_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("query articles", err)
	}
	out := make([]models.Article, len(recs))
	for i, rec := range recs {
		out[i] = rec.model()
	}
	return out, nil
}

// SQLiteSentimentRepository stores daily sentiment, per source and merged.
type SQLiteSentimentRepository struct {
	db  *sqlite.DB
	now func() time.Time
}

func NewSentimentRepository(db *sqlite.DB) *SQLiteSentimentRepository {
	return &SQLiteSentimentRepository{db: db, now: time.Now}
}

var _ repository.SentimentRepository = (*SQLiteSentimentRepository)(nil)

func (r *SQLiteSentimentRepository) SaveDaily(ctx context.Context, days []models.SentimentDay) error {
	if len(days) == 0 {
		return nil
	}
	now := toMillis(r.now())
	recs := make([]sentimentRecord, len(days))
	for i, d := range days {
		recs[i] = sentimentRecord{
			Symbol: d.Symbol, Day: toMillis(util.DayStart(d.Day)), MeanSentiment: d.MeanSentiment,
			ArticleCount: d.ArticleCount, Confidence: d.Confidence, Source: d.Source, ComputedAt: now,
		}
	}
	err := r.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&recs).Error
	if err != nil {
		return errs.Storage("save sentiment", err)
	}
	return nil
}

func (r *SQLiteSentimentRepository) SaveSourceDaily(ctx context.Context, days []models.SentimentDay) error {
	if len(days) == 0 {
		return nil
	}
	now := toMillis(r.now())
	recs := make([]sourceSentimentRecord, len(days))
	for i, d := range days {
		recs[i] = sourceSentimentRecord{
			Symbol: d.Symbol, Day: toMillis(util.DayStart(d.Day)), Source: d.Source,
			MeanSentiment: d.MeanSentiment, ArticleCount: d.ArticleCount, Confidence: d.Confidence, ComputedAt: now,
		}
	}
	err := r.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&recs).Error
	if err != nil {
		return errs.Storage("save source sentiment", err)
	}
	return nil
}

func (r *SQLiteSentimentRepository) SourceDaily(ctx context.Context, symbol string, day time.Time) ([]models.SentimentDay, error) {
	var recs []sourceSentimentRecord
	err := r.db.Gorm(ctx).
		Where("symbol = ? AND day = ?", symbol, toMillis(util.DayStart(day))).
		Order("source").
		Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("query source sentiment", err)
	}
	out := make([]models.SentimentDay, len(recs))
	for i, rec := range recs {
		out[i] = models.SentimentDay{
			Symbol: rec.Symbol, Day: fromMillis(rec.Day), MeanSentiment: rec.MeanSentiment,
			ArticleCount: rec.ArticleCount, Confidence: rec.Confidence, Source: rec.Source,
		}
	}
	return out, nil
}

func (r *SQLiteSentimentRepository) Daily(ctx context.Context, symbol string, from, to time.Time) ([]models.SentimentDay, error) {
	var recs []sentimentRecord
	err := r.db.Gorm(ctx).
		Where("symbol = ? AND day >= ? AND day <= ?", symbol, toMillis(util.DayStart(from)), toMillis(to)).
		Order("day").
		Find(&recs).Error
	if err != nil {
		return nil, errs.Storage("query sentiment", err)
	}
	out := make([]models.SentimentDay, len(recs))
	for i, rec := range recs {
		out[i] = models.SentimentDay{
			Symbol: rec.Symbol, Day: fromMillis(rec.Day), MeanSentiment: rec.MeanSentiment,
			ArticleCount: rec.ArticleCount, Confidence: rec.Confidence, Source: rec.Source,
		}
	}
	return out, nil
}

func (r *SQLiteSentimentRepository) Override(ctx context.Context, symbol string, day time.Time) (*models.SentimentOverride, error) {
	var rec overrideRecord
	err := r.db.Gorm(ctx).
		Where("symbol = ? AND day = ?", symbol, toMillis(util.DayStart(day))).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("query override", err)
	}
	return &models.SentimentOverride{
		Symbol: rec.Symbol, Day: fromMillis(rec.Day), Score: rec.Score, Reason: rec.Reason, Operator: rec.Operator,
	}, nil
}

func (r *SQLiteSentimentRepository) SaveOverride(ctx context.Context, o models.SentimentOverride) error {
	if o.Score < -1 || o.Score > 1 {
		return &errs.ValidationRejected{Field: "score", Reason: "outside [-1,1]"}
	}
	rec := overrideRecord{
		Symbol: o.Symbol, Day: toMillis(util.DayStart(o.Day)), Score: o.Score,
		Reason: o.Reason, Operator: o.Operator, CreatedAt: toMillis(r.now()),
	}
	if err := r.db.Gorm(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return errs.Storage("save override", err)
	}
	return nil
}
