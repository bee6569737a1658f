package repository

import (
	"context"
	"time"

	"CryptoPull/internal/domain/models"
)

// MarketStream is a live source of closed bars.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Bar, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// EventPublisher fans events out to the bus. Implementations must not block
// the caller for long; emitters treat failures as metrics, not aborts.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) error
	PublishBars(ctx context.Context, bars []models.Bar) error
	Close() error
}

type BarRepository interface {
	// UpsertBars inserts bars, replacing an existing (symbol,timestamp,source)
	// row only when the new quality score is higher. Returns rows written.
	UpsertBars(ctx context.Context, bars []models.Bar) (int, error)
	// ReplaceBars overwrites existing rows whatever their score.
	ReplaceBars(ctx context.Context, bars []models.Bar) (int, error)
	Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
	// BestBars returns one bar per day, the highest quality across sources.
	BestBars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
	BarAt(ctx context.Context, symbol string, ts time.Time) (*models.Bar, error)
	Coverage(ctx context.Context, symbol string) (*models.Coverage, error)
	// Days lists days holding a provider bar; interpolated rows are excluded.
	Days(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error)
	Symbols(ctx context.Context) ([]string, error)
}

type ArticleRepository interface {
	UpsertArticles(ctx context.Context, articles []models.Article) (int, error)
	ArticlesForDay(ctx context.Context, symbol string, day time.Time) ([]models.Article, error)
}

type SentimentRepository interface {
	SaveDaily(ctx context.Context, days []models.SentimentDay) error
	SaveSourceDaily(ctx context.Context, days []models.SentimentDay) error
	SourceDaily(ctx context.Context, symbol string, day time.Time) ([]models.SentimentDay, error)
	Daily(ctx context.Context, symbol string, from, to time.Time) ([]models.SentimentDay, error)
	Override(ctx context.Context, symbol string, day time.Time) (*models.SentimentOverride, error)
	SaveOverride(ctx context.Context, o models.SentimentOverride) error
}

type CorrelationRepository interface {
	SaveCorrelations(ctx context.Context, recs []models.CorrelationRecord) error
	LatestCorrelations(ctx context.Context, windowDays int) ([]models.CorrelationRecord, error)
}

type VaRRepository interface {
	SaveVaR(ctx context.Context, results []models.VaRResult) error
	LatestVaR(ctx context.Context, portfolioID string) ([]models.VaRResult, error)
}

type PredictionRepository interface {
	SavePrediction(ctx context.Context, p models.Prediction) error
	// Realize sets the outcome once; it fails if the prediction is already realized.
	Realize(ctx context.Context, id string, realized float64, at time.Time) error
	Pending(ctx context.Context, dueBefore time.Time, limit int) ([]models.Prediction, error)
	RealizedSince(ctx context.Context, since time.Time) ([]models.Prediction, error)
}

type PositionJournal interface {
	AppendDelta(ctx context.Context, d models.PositionDelta) error
	SavePositions(ctx context.Context, positions []models.Position) error
	LoadPositions(ctx context.Context) ([]models.Position, error)
}

type OrderRepository interface {
	SaveOrder(ctx context.Context, o models.Order) error
	AppendTransition(ctx context.Context, t models.Transition) error
	AppendExecution(ctx context.Context, e models.Execution) error
	Order(ctx context.Context, id string) (*models.Order, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)
	Transitions(ctx context.Context, orderID string) ([]models.Transition, error)
	Executions(ctx context.Context, since time.Time) ([]models.Execution, error)
}

type QualityRepository interface {
	AppendMetric(ctx context.Context, m models.QualityMetric) error
	AppendAnomaly(ctx context.Context, a models.Anomaly) error
	LatestMetrics(ctx context.Context, table string, limit int) ([]models.QualityMetric, error)
}

type AlertRepository interface {
	AppendEvent(ctx context.Context, ev models.Event) error
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
}

// Mirror copies analytics rows to an external columnar store.
type Mirror interface {
	MirrorBars(ctx context.Context, bars []models.Bar) error
	MirrorVaR(ctx context.Context, results []models.VaRResult) error
}

type Metrics interface {
	RecordTransportRequest(host, outcome string, seconds float64)
	RecordRetry(host string)
	RecordRateLimited(provider string)
	RecordBreakerState(host string, state models.BreakerState)
	RecordCacheLookup(hit bool)
	RecordCacheDedup(bytes int64)
	RecordCacheEvictions(n int)
	RecordPipelineRows(symbol, source string, n int)
	RecordPipelineFailure(stage string)
	RecordStageLatency(stage string, seconds float64)
	RecordQualityScore(table, symbol string, score float64)
	RecordVaR(method string, valuePct, seconds float64)
	RecordTRS(windowDays int, coefficient float64, status models.TRSStatus)
	RecordOrder(exchange string, status models.OrderStatus)
	RecordExecution(exchange string, slippageBps, latencySeconds float64)
	SetEmergency(active bool)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
}
