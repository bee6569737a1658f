package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/service/provider"
)

func article(source string, i int, ts time.Time, score float64) models.Article {
	return models.Article{
		SourceID: source, URL: fmt.Sprintf("https://%s.example/%d", source, i),
		Title: "t", PublishedAt: ts, SentimentScore: score, Symbols: []string{"BTC"},
	}
}

func TestAggregateIsPureAndBounded(t *testing.T) {
	ts := day(3).Add(5 * time.Hour)
	arts := []models.Article{article("a", 1, ts, 0.2), article("a", 2, ts, 0.4)}

	d1, ok := Aggregate("BTC", ts, "a", arts)
	require.True(t, ok)
	d2, _ := Aggregate("BTC", ts, "a", arts)
	assert.Equal(t, d1, d2)

	assert.True(t, d1.Day.Equal(day(3)))
	assert.InDelta(t, 0.3, d1.MeanSentiment, 1e-12)
	assert.Equal(t, 2, d1.ArticleCount)
	// n/10 scaled by the spread penalty
	assert.InDelta(t, 0.2*(1-0.1414213562/2), d1.Confidence, 1e-6)

	_, ok = Aggregate("BTC", ts, "a", nil)
	assert.False(t, ok)

	var many []models.Article
	for i := 0; i < 20; i++ {
		many = append(many, article("a", i, ts, 0.5))
	}
	d, _ := Aggregate("BTC", ts, "a", many)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestCompositePrecedence(t *testing.T) {
	primary := models.SentimentDay{Source: "cryptonews", MeanSentiment: 0.1, ArticleCount: 2}
	b1 := models.SentimentDay{Source: "newsapi", MeanSentiment: -0.2, ArticleCount: 5}
	b2 := models.SentimentDay{Source: "alpha", MeanSentiment: 0.3, ArticleCount: 5}

	d, ok := Composite(nil, []models.SentimentDay{b1, primary, b2}, "cryptonews")
	require.True(t, ok)
	assert.Equal(t, "cryptonews", d.Source)

	d, ok = Composite(nil, []models.SentimentDay{b1, b2}, "cryptonews")
	require.True(t, ok)
	assert.Equal(t, "alpha", d.Source, "equal counts break on name")

	o := &models.SentimentOverride{Symbol: "BTC", Day: day(1), Score: -0.9}
	d, ok = Composite(o, []models.SentimentDay{b1, primary}, "cryptonews")
	require.True(t, ok)
	assert.Equal(t, SourceOverride, d.Source)
	assert.Equal(t, -0.9, d.MeanSentiment)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, 7, d.ArticleCount)

	_, ok = Composite(nil, []models.SentimentDay{{Source: "cryptonews"}}, "cryptonews")
	assert.False(t, ok)
}

type fakeNews struct {
	bySource map[string][]models.Article
	failing  map[string]error
}

func (f *fakeNews) FetchArticles(_ context.Context, _ string, _, _ time.Time) ([]provider.SourceArticles, error) {
	var out []provider.SourceArticles
	for name, arts := range f.bySource {
		out = append(out, provider.SourceArticles{Source: name, Articles: arts})
	}
	for name, err := range f.failing {
		out = append(out, provider.SourceArticles{Source: name, Err: err})
	}
	return out, nil
}

func TestRefreshStoresCompositeAndReportsFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ts := day(2).Add(3 * time.Hour)
	news := &fakeNews{
		bySource: map[string][]models.Article{
			"cryptonews": {article("cryptonews", 1, ts, 0.6), article("cryptonews", 2, ts, 0.2)},
			"newsapi":    {article("newsapi", 1, ts, -0.5), {SourceID: "newsapi"}},
		},
		failing: map[string]error{"alphavantage": errors.New("quota")},
	}
	s := NewSentiment(news, st.articles, st.sentiment, "cryptonews", nil, nil)

	rep, err := s.Refresh(ctx, []string{"BTC"}, day(1), day(3))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Articles, "invalid article dropped")
	assert.Equal(t, 1, rep.Days)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "sentiment:alphavantage", rep.Failures[0].Stage)

	days, err := st.sentiment.Daily(ctx, "BTC", day(1), day(3))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "cryptonews", days[0].Source)
	assert.InDelta(t, 0.4, days[0].MeanSentiment, 1e-12)

	// A second refresh over the same articles changes nothing.
	rep, err = s.Refresh(ctx, []string{"BTC"}, day(1), day(3))
	require.NoError(t, err)
	again, err := st.sentiment.Daily(ctx, "BTC", day(1), day(3))
	require.NoError(t, err)
	assert.Equal(t, days[0].MeanSentiment, again[0].MeanSentiment)
	assert.Equal(t, days[0].ArticleCount, again[0].ArticleCount)
}

func TestSetOverrideWinsOverSources(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ts := day(2).Add(time.Hour)
	news := &fakeNews{bySource: map[string][]models.Article{"cryptonews": {article("cryptonews", 1, ts, 0.5)}}}
	s := NewSentiment(news, st.articles, st.sentiment, "cryptonews", nil, nil)
	_, err := s.Refresh(ctx, []string{"BTC"}, day(2), day(2))
	require.NoError(t, err)

	d, err := s.SetOverride(ctx, models.SentimentOverride{Symbol: "btc", Day: ts, Score: -0.8, Operator: "ops"})
	require.NoError(t, err)
	assert.Equal(t, SourceOverride, d.Source)
	assert.Equal(t, -0.8, d.MeanSentiment)
	assert.Equal(t, 1, d.ArticleCount)

	_, err = s.SetOverride(ctx, models.SentimentOverride{Symbol: "BTC", Day: ts, Score: 2})
	require.Error(t, err)
	_, err = s.SetOverride(ctx, models.SentimentOverride{Day: ts, Score: 0.1})
	require.Error(t, err)
}
