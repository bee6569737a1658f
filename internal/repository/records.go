package repository

import (
	"encoding/json"
	"strings"
	"time"

	"CryptoPull/internal/domain/models"
)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := toMillis(*t)
	return &v
}

func optTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

type barRecord struct {
	Symbol       string  `gorm:"column:symbol;primaryKey"`
	TS           int64   `gorm:"column:ts;primaryKey"`
	Source       string  `gorm:"column:source;primaryKey"`
	Open         float64 `gorm:"column:open"`
	High         float64 `gorm:"column:high"`
	Low          float64 `gorm:"column:low"`
	Close        float64 `gorm:"column:close"`
	Volume       float64 `gorm:"column:volume"`
	QualityScore float64 `gorm:"column:quality_score"`
	Interpolated bool    `gorm:"column:interpolated"`
	Anomaly      bool    `gorm:"column:anomaly"`
	CreatedAt    int64   `gorm:"column:created_at;autoCreateTime:false"`
}

func (barRecord) TableName() string { return "ohlcv_bars" }

func barToRecord(b models.Bar, now time.Time) barRecord {
	return barRecord{
		Symbol: b.Symbol, TS: toMillis(b.Timestamp), Source: b.Source,
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		QualityScore: b.QualityScore, Interpolated: b.Interpolated, Anomaly: b.Anomaly,
		CreatedAt: toMillis(now),
	}
}

func (r barRecord) model() models.Bar {
	return models.Bar{
		Symbol: r.Symbol, Timestamp: fromMillis(r.TS), Source: r.Source,
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		QualityScore: r.QualityScore, Interpolated: r.Interpolated, Anomaly: r.Anomaly,
	}
}

type articleRecord struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement"`
	SourceID       string  `gorm:"column:source_id"`
	URL            string  `gorm:"column:url"`
	Title          string  `gorm:"column:title"`
	Description    string  `gorm:"column:description"`
	PublishedAt    int64   `gorm:"column:published_at"`
	SentimentScore float64 `gorm:"column:sentiment_score"`
	SentimentLabel string  `gorm:"column:sentiment_label"`
	Symbols        string  `gorm:"column:symbols"`
}

func (articleRecord) TableName() string { return "news_articles" }

// Symbols are stored as ",BTC,ETH," so a parameterized LIKE matches one symbol.
func joinSymbols(symbols []string) string {
	if len(symbols) == 0 {
		return ""
	}
	return "," + strings.Join(symbols, ",") + ","
}

func splitSymbols(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (r articleRecord) model() models.Article {
	return models.Article{
		SourceID: r.SourceID, URL: r.URL, Title: r.Title, Description: r.Description,
		PublishedAt: fromMillis(r.PublishedAt), SentimentScore: r.SentimentScore,
		SentimentLabel: r.SentimentLabel, Symbols: splitSymbols(r.Symbols),
	}
}

type sentimentRecord struct {
	Symbol        string  `gorm:"column:symbol;primaryKey"`
	Day           int64   `gorm:"column:day;primaryKey"`
	MeanSentiment float64 `gorm:"column:mean_sentiment"`
	ArticleCount  int     `gorm:"column:article_count"`
	Confidence    float64 `gorm:"column:confidence"`
	Source        string  `gorm:"column:source"`
	ComputedAt    int64   `gorm:"column:computed_at"`
}

func (sentimentRecord) TableName() string { return "aggregated_sentiment" }

type sourceSentimentRecord struct {
	Symbol        string  `gorm:"column:symbol;primaryKey"`
	Day           int64   `gorm:"column:day;primaryKey"`
	Source        string  `gorm:"column:source;primaryKey"`
	MeanSentiment float64 `gorm:"column:mean_sentiment"`
	ArticleCount  int     `gorm:"column:article_count"`
	Confidence    float64 `gorm:"column:confidence"`
	ComputedAt    int64   `gorm:"column:computed_at"`
}

func (sourceSentimentRecord) TableName() string { return "source_sentiment" }

type overrideRecord struct {
	Symbol    string  `gorm:"column:symbol;primaryKey"`
	Day       int64   `gorm:"column:day;primaryKey"`
	Score     float64 `gorm:"column:score"`
	Reason    string  `gorm:"column:reason"`
	Operator  string  `gorm:"column:operator"`
	CreatedAt int64   `gorm:"column:created_at;autoCreateTime:false"`
}

func (overrideRecord) TableName() string { return "sentiment_overrides" }

type correlationRecord struct {
	AssetA      string  `gorm:"column:asset_a;primaryKey"`
	AssetB      string  `gorm:"column:asset_b;primaryKey"`
	WindowDays  int     `gorm:"column:window_days;primaryKey"`
	ComputedAt  int64   `gorm:"column:computed_at;primaryKey"`
	Coefficient float64 `gorm:"column:coefficient"`
	Spearman    float64 `gorm:"column:spearman"`
	PValue      float64 `gorm:"column:p_value"`
	CILow       float64 `gorm:"column:ci_low"`
	CIHigh      float64 `gorm:"column:ci_high"`
	SampleSize  int     `gorm:"column:sample_size"`
}

func (correlationRecord) TableName() string { return "correlation_records" }

func (r correlationRecord) model() models.CorrelationRecord {
	return models.CorrelationRecord{
		AssetA: r.AssetA, AssetB: r.AssetB, WindowDays: r.WindowDays,
		Coefficient: r.Coefficient, Spearman: r.Spearman, PValue: r.PValue,
		CILow: r.CILow, CIHigh: r.CIHigh, SampleSize: r.SampleSize,
		ComputedAt: fromMillis(r.ComputedAt),
	}
}

type varRecord struct {
	ID              int64   `gorm:"column:id;primaryKey;autoIncrement"`
	PortfolioID     string  `gorm:"column:portfolio_id"`
	Methodology     string  `gorm:"column:methodology"`
	HorizonDays     int     `gorm:"column:horizon_days"`
	ConfidenceLevel float64 `gorm:"column:confidence_level"`
	Value           float64 `gorm:"column:value"`
	ValuePct        float64 `gorm:"column:value_pct"`
	CVaR            float64 `gorm:"column:cvar"`
	AccuracyScore   float64 `gorm:"column:accuracy_score"`
	Breaches        int     `gorm:"column:breaches"`
	Observations    int     `gorm:"column:observations"`
	PortfolioValue  float64 `gorm:"column:portfolio_value"`
	Composition     string  `gorm:"column:composition"`
	ComputedAt      int64   `gorm:"column:computed_at"`
}

func (varRecord) TableName() string { return "var_results" }

func (r varRecord) model() models.VaRResult {
	m, _ := models.ParseMethodology(r.Methodology)
	var comp map[string]float64
	_ = json.Unmarshal([]byte(r.Composition), &comp)
	return models.VaRResult{
		PortfolioID: r.PortfolioID, Methodology: m, HorizonDays: r.HorizonDays,
		ConfidenceLevel: r.ConfidenceLevel, Value: r.Value, ValuePct: r.ValuePct, CVaR: r.CVaR,
		AccuracyScore: r.AccuracyScore, Breaches: r.Breaches, Observations: r.Observations,
		PortfolioValue: r.PortfolioValue, Composition: comp, ComputedAt: fromMillis(r.ComputedAt),
	}
}

type predictionRecord struct {
	ID              string   `gorm:"column:id;primaryKey"`
	Pair            string   `gorm:"column:pair"`
	HorizonMS       int64    `gorm:"column:horizon_ms"`
	PredictedReturn float64  `gorm:"column:predicted_return"`
	Confidence      float64  `gorm:"column:confidence"`
	Contributions   string   `gorm:"column:contributions"`
	Model           string   `gorm:"column:model"`
	CreatedAt       int64    `gorm:"column:created_at;autoCreateTime:false"`
	DueAt           int64    `gorm:"column:due_at"`
	RealizedReturn  *float64 `gorm:"column:realized_return"`
	RealizedAt      *int64   `gorm:"column:realized_at"`
}

func (predictionRecord) TableName() string { return "predictions" }

func (r predictionRecord) model() models.Prediction {
	var contrib map[string]float64
	_ = json.Unmarshal([]byte(r.Contributions), &contrib)
	return models.Prediction{
		ID: r.ID, Pair: models.Pair(r.Pair), Horizon: time.Duration(r.HorizonMS) * time.Millisecond,
		PredictedReturn: r.PredictedReturn, Confidence: r.Confidence, Contributions: contrib,
		Model: r.Model, CreatedAt: fromMillis(r.CreatedAt),
		RealizedReturn: r.RealizedReturn, RealizedAt: optTime(r.RealizedAt),
	}
}

type positionRecord struct {
	Symbol        string  `gorm:"column:symbol;primaryKey"`
	Quantity      float64 `gorm:"column:quantity"`
	AvgPrice      float64 `gorm:"column:avg_price"`
	MarkPrice     float64 `gorm:"column:mark_price"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	OpenedAt      int64   `gorm:"column:opened_at"`
	UpdatedAt     int64   `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (positionRecord) TableName() string { return "positions" }

type journalRecord struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	ExecutionID string  `gorm:"column:execution_id"`
	OrderID     string  `gorm:"column:order_id"`
	Symbol      string  `gorm:"column:symbol"`
	Quantity    float64 `gorm:"column:quantity"`
	Price       float64 `gorm:"column:price"`
	Fee         float64 `gorm:"column:fee"`
	RealizedPnL float64 `gorm:"column:realized_pnl"`
	At          int64   `gorm:"column:at"`
}

func (journalRecord) TableName() string { return "position_journal" }

type orderRecord struct {
	ID              string  `gorm:"column:id;primaryKey"`
	Symbol          string  `gorm:"column:symbol"`
	Side            string  `gorm:"column:side"`
	Type            string  `gorm:"column:type"`
	Quantity        float64 `gorm:"column:quantity"`
	LimitPrice      float64 `gorm:"column:limit_price"`
	StopPrice       float64 `gorm:"column:stop_price"`
	Status          string  `gorm:"column:status"`
	Exchange        string  `gorm:"column:exchange"`
	ExchangeOrderID string  `gorm:"column:exchange_order_id"`
	FilledQty       float64 `gorm:"column:filled_qty"`
	AvgFillPrice    float64 `gorm:"column:avg_fill_price"`
	Reason          string  `gorm:"column:reason"`
	PredictionID    string  `gorm:"column:prediction_id"`
	SubmittedAt     int64   `gorm:"column:submitted_at"`
	TerminalAt      *int64  `gorm:"column:terminal_at"`
}

func (orderRecord) TableName() string { return "orders" }

func orderToRecord(o models.Order) orderRecord {
	return orderRecord{
		ID: o.ID, Symbol: o.Symbol, Side: o.Side.String(), Type: o.Type.String(),
		Quantity: o.Quantity, LimitPrice: o.LimitPrice, StopPrice: o.StopPrice,
		Status: o.Status.String(), Exchange: o.Exchange, ExchangeOrderID: o.ExchangeOrderID,
		FilledQty: o.FilledQty, AvgFillPrice: o.AvgFillPrice, Reason: o.Reason,
		PredictionID: o.PredictionID, SubmittedAt: toMillis(o.SubmittedAt), TerminalAt: optMillis(o.TerminalAt),
	}
}

func (r orderRecord) model() models.Order {
	side, _ := models.ParseSide(r.Side)
	typ, _ := models.ParseOrderType(r.Type)
	status, _ := models.ParseOrderStatus(r.Status)
	return models.Order{
		ID: r.ID, Symbol: r.Symbol, Side: side, Type: typ, Quantity: r.Quantity,
		LimitPrice: r.LimitPrice, StopPrice: r.StopPrice, Status: status,
		Exchange: r.Exchange, ExchangeOrderID: r.ExchangeOrderID, FilledQty: r.FilledQty,
		AvgFillPrice: r.AvgFillPrice, Reason: r.Reason, PredictionID: r.PredictionID,
		SubmittedAt: fromMillis(r.SubmittedAt), TerminalAt: optTime(r.TerminalAt),
	}
}

type transitionRecord struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	OrderID string `gorm:"column:order_id"`
	From    string `gorm:"column:from_status"`
	To      string `gorm:"column:to_status"`
	Reason  string `gorm:"column:reason"`
	At      int64  `gorm:"column:at"`
}

func (transitionRecord) TableName() string { return "order_transitions" }

type executionRecord struct {
	ID            string  `gorm:"column:id;primaryKey"`
	OrderID       string  `gorm:"column:order_id"`
	Exchange      string  `gorm:"column:exchange"`
	Symbol        string  `gorm:"column:symbol"`
	Side          string  `gorm:"column:side"`
	Quantity      float64 `gorm:"column:quantity"`
	Price         float64 `gorm:"column:price"`
	ExpectedPrice float64 `gorm:"column:expected_price"`
	SlippageBps   float64 `gorm:"column:slippage_bps"`
	Fee           float64 `gorm:"column:fee"`
	LatencyMS     int64   `gorm:"column:latency_ms"`
	ExecutedAt    int64   `gorm:"column:executed_at"`
}

func (executionRecord) TableName() string { return "executions" }

type qualityRecord struct {
	ID                 int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Table              string  `gorm:"column:table_name"`
	ColumnName         string  `gorm:"column:column_name"`
	Symbol             string  `gorm:"column:symbol"`
	Total              int     `gorm:"column:total"`
	Completeness       float64 `gorm:"column:completeness"`
	Accuracy           float64 `gorm:"column:accuracy"`
	OutlierCount       int     `gorm:"column:outlier_count"`
	Duplicates         int     `gorm:"column:duplicates"`
	NonMonotonic       int     `gorm:"column:non_monotonic"`
	QualityScore       float64 `gorm:"column:quality_score"`
	RemediationApplied bool    `gorm:"column:remediation_applied"`
	Remediation        string  `gorm:"column:remediation"`
	ScoreBefore        float64 `gorm:"column:score_before"`
	MeasuredAt         int64   `gorm:"column:measured_at"`
}

func (qualityRecord) TableName() string { return "quality_metrics" }

type anomalyRecord struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Table      string  `gorm:"column:table_name"`
	Symbol     string  `gorm:"column:symbol"`
	Metric     string  `gorm:"column:metric"`
	Value      float64 `gorm:"column:value"`
	Threshold  float64 `gorm:"column:threshold"`
	DetectedAt int64   `gorm:"column:detected_at"`
}

func (anomalyRecord) TableName() string { return "quality_anomalies" }

type eventRecord struct {
	ID       string `gorm:"column:id;primaryKey"`
	Type     string `gorm:"column:type"`
	Severity string `gorm:"column:severity"`
	Source   string `gorm:"column:source"`
	Message  string `gorm:"column:message"`
	Payload  string `gorm:"column:payload"`
	At       int64  `gorm:"column:at"`
}

func (eventRecord) TableName() string { return "events" }

type cacheBlobRecord struct {
	Checksum   string `gorm:"column:checksum;primaryKey"`
	Size       int64  `gorm:"column:size"`
	StoredSize int64  `gorm:"column:stored_size"`
	Compressed bool   `gorm:"column:compressed"`
	Refcount   int64  `gorm:"column:refcount"`
	CreatedAt  int64  `gorm:"column:created_at;autoCreateTime:false"`
}

func (cacheBlobRecord) TableName() string { return "cache_blobs" }

type cacheEntryRecord struct {
	Key          string `gorm:"column:key;primaryKey"`
	Checksum     string `gorm:"column:checksum"`
	Size         int64  `gorm:"column:size"`
	DataType     string `gorm:"column:data_type"`
	Provider     string `gorm:"column:provider"`
	CreatedAt    int64  `gorm:"column:created_at;autoCreateTime:false"`
	ExpiresAt    *int64 `gorm:"column:expires_at"`
	LastAccessed int64  `gorm:"column:last_accessed"`
	AccessCount  int64  `gorm:"column:access_count"`
	Permanent    bool   `gorm:"column:permanent"`
	Compressed   bool   `gorm:"column:compressed"`
}

func (cacheEntryRecord) TableName() string { return "cache_entries" }
