package models

import (
	"time"

	"CryptoPull/internal/domain/errs"
)

// Article is a news item with a sentiment score in [-1,1].
type Article struct {
	SourceID       string    `json:"source_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	PublishedAt    time.Time `json:"published_at"`
	SentimentScore float64   `json:"sentiment_score"`
	SentimentLabel string    `json:"sentiment_label"`
	Symbols        []string  `json:"symbols"`
}

func (a Article) Validate() error {
	switch {
	case a.SourceID == "":
		return &errs.ValidationRejected{Field: "source_id", Reason: "empty"}
	case a.URL == "":
		return &errs.ValidationRejected{Field: "url", Reason: "empty"}
	case a.PublishedAt.IsZero():
		return &errs.ValidationRejected{Field: "published_at", Reason: "zero"}
	case a.SentimentScore < -1 || a.SentimentScore > 1:
		return &errs.ValidationRejected{Field: "sentiment_score", Reason: "outside [-1,1]"}
	}
	return nil
}

// LabelFor maps a score onto the three-way label used by providers.
func LabelFor(score float64) string {
	switch {
	case score > 0.05:
		return "positive"
	case score < -0.05:
		return "negative"
	default:
		return "neutral"
	}
}

// SentimentDay is the derived daily sentiment for a symbol.
type SentimentDay struct {
	Symbol        string    `json:"symbol"`
	Day           time.Time `json:"day"`
	MeanSentiment float64   `json:"mean_sentiment"`
	ArticleCount  int       `json:"article_count"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"`
}

// SentimentOverride is an operator-entered value that wins over any source.
type SentimentOverride struct {
	Symbol   string    `json:"symbol"`
	Day      time.Time `json:"day"`
	Score    float64   `json:"score"`
	Reason   string    `json:"reason"`
	Operator string    `json:"operator"`
}
