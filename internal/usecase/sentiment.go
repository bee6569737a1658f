package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	domrepo "CryptoPull/internal/domain/repository"
	"CryptoPull/internal/service/provider"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
	"CryptoPull/pkg/util"
)

// SourceOverride labels aggregated rows that came from an operator override.
const SourceOverride = "override"

// sentimentLookback is how far back a post-ingest refresh asks news sources.
const sentimentLookback = 7

// ArticleSource queries every sentiment provider for one symbol.
type ArticleSource interface {
	FetchArticles(ctx context.Context, symbol string, from, to time.Time) ([]provider.SourceArticles, error)
}

// Aggregate reduces one source's articles for a day to a SentimentDay. It is
// a pure function of the article set; ok is false when there are none.
func Aggregate(symbol string, day time.Time, source string, articles []models.Article) (models.SentimentDay, bool) {
	if len(articles) == 0 {
		return models.SentimentDay{}, false
	}
	scores := make([]float64, len(articles))
	for i, a := range articles {
		scores[i] = a.SentimentScore
	}
	n := float64(len(articles))
	mean, std := scores[0], 0.0
	if len(scores) > 1 {
		mean, std = stat.MeanStdDev(scores, nil)
	}
	conf := math.Min(1, n/10) * (1 - std/2)
	return models.SentimentDay{
		Symbol:        symbol,
		Day:           util.DayStart(day),
		MeanSentiment: mean,
		ArticleCount:  len(articles),
		Confidence:    math.Max(0, math.Min(1, conf)),
		Source:        source,
	}, true
}

// Composite picks the day's value: an override wins, then the primary source
// when it has articles, then the backup with the most articles (name breaks
// ties).
func Composite(override *models.SentimentOverride, perSource []models.SentimentDay, primary string) (models.SentimentDay, bool) {
	if override != nil {
		return models.SentimentDay{
			Symbol: override.Symbol, Day: util.DayStart(override.Day), MeanSentiment: override.Score,
			ArticleCount: totalArticles(perSource), Confidence: 1, Source: SourceOverride,
		}, true
	}
	var backup *models.SentimentDay
	for i := range perSource {
		d := &perSource[i]
		if d.ArticleCount == 0 {
			continue
		}
		if d.Source == primary {
			return *d, true
		}
		if backup == nil || d.ArticleCount > backup.ArticleCount ||
			(d.ArticleCount == backup.ArticleCount && d.Source < backup.Source) {
			backup = d
		}
	}
	if backup == nil {
		return models.SentimentDay{}, false
	}
	return *backup, true
}

func totalArticles(days []models.SentimentDay) int {
	n := 0
	for _, d := range days {
		n += d.ArticleCount
	}
	return n
}

type SentimentReport struct {
	Articles int       `json:"articles"`
	Days     int       `json:"days"`
	Failures []Failure `json:"failures,omitempty"`
}

// Sentiment fetches articles, stores per-source daily aggregates and derives
// the composite daily table.
type Sentiment struct {
	src      ArticleSource
	articles domrepo.ArticleRepository
	repo     domrepo.SentimentRepository
	primary  string
	metrics  domrepo.Metrics
	lgr      *applogger.Logger
	now      func() time.Time
}

func NewSentiment(src ArticleSource, articles domrepo.ArticleRepository, repo domrepo.SentimentRepository, primary string, l *applogger.Logger, m domrepo.Metrics) *Sentiment {
	if l == nil {
		l = applogger.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Sentiment{src: src, articles: articles, repo: repo, primary: primary, metrics: m, lgr: l.Component("sentiment"), now: time.Now}
}

func (s *Sentiment) Name() string { return "sentiment" }

// AfterIngest refreshes the trailing week for the run's symbols.
func (s *Sentiment) AfterIngest(ctx context.Context, rep *RunReport) error {
	if !rep.Sentiment {
		return nil
	}
	from := rep.To.AddDate(0, 0, -(sentimentLookback - 1))
	if from.Before(rep.From) {
		from = rep.From
	}
	r, err := s.Refresh(ctx, rep.Symbols, from, rep.To)
	if err != nil {
		return err
	}
	for _, f := range r.Failures {
		rep.fail(f)
	}
	return nil
}

// Refresh fetches and aggregates [from, to] for symbols. Per-symbol source
// failures are reported; storage failures abort.
func (s *Sentiment) Refresh(ctx context.Context, symbols []string, from, to time.Time) (SentimentReport, error) {
	var rep SentimentReport
	from, to = util.DayStart(from), util.DayStart(to)
	for _, sym := range util.UniqueSorted(symbols) {
		sources, err := s.src.FetchArticles(ctx, sym, from, to)
		if err != nil && len(sources) == 0 {
			rep.Failures = append(rep.Failures, failure(sym, "sentiment", from, to, err))
			continue
		}
		for _, sa := range sources {
			if sa.Err != nil {
				rep.Failures = append(rep.Failures, failure(sym, "sentiment:"+sa.Source, from, to, sa.Err))
				continue
			}
			n, err := s.storeSource(ctx, sym, sa, from, to)
			if err != nil {
				return rep, err
			}
			rep.Articles += n
		}
		for _, day := range util.DaysBetween(from, to) {
			ok, err := s.Recompute(ctx, sym, day)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Days++
			}
		}
	}
	s.lgr.Info("sentiment refreshed",
		applogger.Strings("symbols", symbols),
		applogger.Int("articles", rep.Articles),
		applogger.Int("days", rep.Days),
		applogger.Int("failures", len(rep.Failures)))
	return rep, nil
}

func (s *Sentiment) storeSource(ctx context.Context, symbol string, sa provider.SourceArticles, from, to time.Time) (int, error) {
	valid := make([]models.Article, 0, len(sa.Articles))
	for _, a := range sa.Articles {
		if err := a.Validate(); err != nil {
			s.metrics.RecordError("article_invalid")
			continue
		}
		if len(a.Symbols) == 0 {
			a.Symbols = []string{symbol}
		}
		valid = append(valid, a)
	}
	if _, err := s.articles.UpsertArticles(ctx, valid); err != nil {
		return 0, fmt.Errorf("store %s articles: %w", sa.Source, err)
	}
	// Aggregate from the stored set so the row is a function of every
	// article kept for the day, not only this fetch.
	var days []models.SentimentDay
	for _, day := range util.DaysBetween(from, to) {
		stored, err := s.articles.ArticlesForDay(ctx, symbol, day)
		if err != nil {
			return 0, err
		}
		var mine []models.Article
		for _, a := range stored {
			if a.SourceID == sa.Source {
				mine = append(mine, a)
			}
		}
		if d, ok := Aggregate(symbol, day, sa.Source, mine); ok {
			days = append(days, d)
		}
	}
	if err := s.repo.SaveSourceDaily(ctx, days); err != nil {
		return 0, err
	}
	return len(valid), nil
}

// Recompute rebuilds the composite row for one day from stored inputs.
func (s *Sentiment) Recompute(ctx context.Context, symbol string, day time.Time) (bool, error) {
	override, err := s.repo.Override(ctx, symbol, day)
	if err != nil {
		return false, err
	}
	perSource, err := s.repo.SourceDaily(ctx, symbol, day)
	if err != nil {
		return false, err
	}
	sort.Slice(perSource, func(i, j int) bool { return perSource[i].Source < perSource[j].Source })
	d, ok := Composite(override, perSource, s.primary)
	if !ok {
		return false, nil
	}
	d.Symbol, d.Day = symbol, util.DayStart(day)
	return true, s.repo.SaveDaily(ctx, []models.SentimentDay{d})
}

// SetOverride stores an operator value and recomputes the day.
func (s *Sentiment) SetOverride(ctx context.Context, o models.SentimentOverride) (models.SentimentDay, error) {
	o.Symbol = util.NormalizeSymbol(o.Symbol)
	if o.Symbol == "" {
		return models.SentimentDay{}, &errs.ValidationRejected{Field: "symbol", Reason: "empty"}
	}
	if o.Day.IsZero() {
		o.Day = s.now()
	}
	o.Day = util.DayStart(o.Day)
	if err := s.repo.SaveOverride(ctx, o); err != nil {
		return models.SentimentDay{}, err
	}
	if _, err := s.Recompute(ctx, o.Symbol, o.Day); err != nil {
		return models.SentimentDay{}, err
	}
	days, err := s.repo.Daily(ctx, o.Symbol, o.Day, o.Day)
	if err != nil {
		return models.SentimentDay{}, err
	}
	if len(days) == 0 {
		return models.SentimentDay{}, errors.New("override not applied")
	}
	s.lgr.Info("sentiment override", applogger.String("symbol", o.Symbol), applogger.Time("day", o.Day), applogger.String("operator", o.Operator))
	return days[0], nil
}
