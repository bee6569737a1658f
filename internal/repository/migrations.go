package repository

import (
	"context"
	"fmt"

	"CryptoPull/pkg/sqlite"
)

// Migrations is the ordered schema history of the embedded store.
// Timestamps are stored as unix milliseconds (UTC).
var Migrations = []sqlite.Migration{
	{
		Version: 1,
		Name:    "market_data",
		Up: `
CREATE TABLE ohlcv_bars (
	symbol        TEXT    NOT NULL,
	ts            INTEGER NOT NULL,
	source        TEXT    NOT NULL,
	open          REAL    NOT NULL,
	high          REAL    NOT NULL,
	low           REAL    NOT NULL,
	close         REAL    NOT NULL,
	volume        REAL    NOT NULL CHECK (volume >= 0),
	quality_score REAL    NOT NULL DEFAULT 1 CHECK (quality_score >= 0 AND quality_score <= 1),
	interpolated  INTEGER NOT NULL DEFAULT 0,
	anomaly       INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (symbol, ts, source),
	CHECK (low <= open AND low <= close AND high >= open AND high >= close)
);
CREATE INDEX idx_ohlcv_bars_symbol_ts ON ohlcv_bars (symbol, ts);
CREATE TABLE news_articles (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id       TEXT    NOT NULL,
	url             TEXT    NOT NULL,
	title           TEXT    NOT NULL,
	description     TEXT    NOT NULL DEFAULT '',
	published_at    INTEGER NOT NULL,
	sentiment_score REAL    NOT NULL CHECK (sentiment_score >= -1 AND sentiment_score <= 1),
	sentiment_label TEXT    NOT NULL,
	symbols         TEXT    NOT NULL DEFAULT '',
	UNIQUE (source_id, url)
);
CREATE INDEX idx_news_articles_published ON news_articles (published_at);
CREATE TABLE aggregated_sentiment (
	symbol         TEXT    NOT NULL,
	day            INTEGER NOT NULL,
	mean_sentiment REAL    NOT NULL,
	article_count  INTEGER NOT NULL,
	confidence     REAL    NOT NULL,
	source         TEXT    NOT NULL DEFAULT '',
	computed_at    INTEGER NOT NULL,
	PRIMARY KEY (symbol, day)
);`,
		Down: `
DROP TABLE aggregated_sentiment;
DROP INDEX idx_news_articles_published;
DROP TABLE news_articles;
DROP INDEX idx_ohlcv_bars_symbol_ts;
DROP TABLE ohlcv_bars;`,
	},
	{
		Version: 2,
		Name:    "data_quality",
		Up: `
CREATE TABLE quality_metrics (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name          TEXT    NOT NULL,
	column_name         TEXT    NOT NULL DEFAULT '',
	symbol              TEXT    NOT NULL DEFAULT '',
	total               INTEGER NOT NULL,
	completeness        REAL    NOT NULL,
	accuracy            REAL    NOT NULL,
	outlier_count       INTEGER NOT NULL,
	duplicates          INTEGER NOT NULL DEFAULT 0,
	non_monotonic       INTEGER NOT NULL DEFAULT 0,
	quality_score       REAL    NOT NULL CHECK (quality_score >= 0 AND quality_score <= 1),
	remediation_applied INTEGER NOT NULL DEFAULT 0,
	remediation         TEXT    NOT NULL DEFAULT '',
	score_before        REAL    NOT NULL DEFAULT 0,
	measured_at         INTEGER NOT NULL
);
CREATE INDEX idx_quality_metrics_table ON quality_metrics (table_name, measured_at);
CREATE TRIGGER quality_metrics_append_only_u BEFORE UPDATE ON quality_metrics
BEGIN SELECT RAISE(ABORT, 'quality_metrics is append-only'); END;
CREATE TRIGGER quality_metrics_append_only_d BEFORE DELETE ON quality_metrics
BEGIN SELECT RAISE(ABORT, 'quality_metrics is append-only'); END;
CREATE TABLE quality_anomalies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name  TEXT    NOT NULL,
	symbol      TEXT    NOT NULL DEFAULT '',
	metric      TEXT    NOT NULL,
	value       REAL    NOT NULL,
	threshold   REAL    NOT NULL,
	detected_at INTEGER NOT NULL
);`,
		Down: `
DROP TABLE quality_anomalies;
DROP TRIGGER quality_metrics_append_only_d;
DROP TRIGGER quality_metrics_append_only_u;
DROP INDEX idx_quality_metrics_table;
DROP TABLE quality_metrics;`,
	},
	{
		Version: 3,
		Name:    "correlation_and_var",
		Up: `
CREATE TABLE correlation_records (
	asset_a     TEXT    NOT NULL,
	asset_b     TEXT    NOT NULL,
	window_days INTEGER NOT NULL,
	coefficient REAL    NOT NULL CHECK (coefficient >= -1 AND coefficient <= 1),
	spearman    REAL    NOT NULL CHECK (spearman >= -1 AND spearman <= 1),
	p_value     REAL    NOT NULL CHECK (p_value >= 0 AND p_value <= 1),
	ci_low      REAL    NOT NULL,
	ci_high     REAL    NOT NULL,
	sample_size INTEGER NOT NULL,
	computed_at INTEGER NOT NULL,
	PRIMARY KEY (asset_a, asset_b, window_days, computed_at),
	CHECK (asset_a <= asset_b)
);
CREATE INDEX idx_correlation_records_window ON correlation_records (window_days, computed_at);
CREATE TABLE var_results (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id     TEXT    NOT NULL,
	methodology      TEXT    NOT NULL CHECK (methodology IN ('parametric','historical','monte_carlo','cornish_fisher')),
	horizon_days     INTEGER NOT NULL,
	confidence_level REAL    NOT NULL,
	value            REAL    NOT NULL,
	value_pct        REAL    NOT NULL,
	cvar             REAL    NOT NULL,
	accuracy_score   REAL    NOT NULL,
	breaches         INTEGER NOT NULL,
	observations     INTEGER NOT NULL,
	portfolio_value  REAL    NOT NULL,
	composition      TEXT    NOT NULL,
	computed_at      INTEGER NOT NULL,
	UNIQUE (portfolio_id, methodology, horizon_days, confidence_level, computed_at)
);`,
		Down: `
DROP TABLE var_results;
DROP INDEX idx_correlation_records_window;
DROP TABLE correlation_records;`,
	},
	{
		Version: 4,
		Name:    "predictions",
		Up: `
CREATE TABLE predictions (
	id               TEXT    PRIMARY KEY,
	pair             TEXT    NOT NULL,
	horizon_ms       INTEGER NOT NULL,
	predicted_return REAL    NOT NULL,
	confidence       REAL    NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	contributions    TEXT    NOT NULL,
	model            TEXT    NOT NULL,
	created_at       INTEGER NOT NULL,
	due_at           INTEGER NOT NULL,
	realized_return  REAL,
	realized_at      INTEGER
);
CREATE INDEX idx_predictions_due ON predictions (due_at);
CREATE INDEX idx_predictions_realized ON predictions (realized_at);
CREATE TRIGGER predictions_realize_once BEFORE UPDATE ON predictions
WHEN OLD.realized_at IS NOT NULL
BEGIN SELECT RAISE(ABORT, 'prediction already realized'); END;
CREATE TRIGGER predictions_no_delete BEFORE DELETE ON predictions
BEGIN SELECT RAISE(ABORT, 'predictions are append-only'); END;`,
		Down: `
DROP TRIGGER predictions_no_delete;
DROP TRIGGER predictions_realize_once;
DROP INDEX idx_predictions_realized;
DROP INDEX idx_predictions_due;
DROP TABLE predictions;`,
	},
	{
		Version: 5,
		Name:    "trading",
		Up: `
CREATE TABLE positions (
	symbol         TEXT    PRIMARY KEY,
	quantity       REAL    NOT NULL,
	avg_price      REAL    NOT NULL,
	mark_price     REAL    NOT NULL,
	unrealized_pnl REAL    NOT NULL,
	realized_pnl   REAL    NOT NULL,
	opened_at      INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE TABLE position_journal (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT    NOT NULL UNIQUE,
	order_id     TEXT    NOT NULL,
	symbol       TEXT    NOT NULL,
	quantity     REAL    NOT NULL,
	price        REAL    NOT NULL,
	fee          REAL    NOT NULL,
	realized_pnl REAL    NOT NULL,
	at           INTEGER NOT NULL
);
CREATE TABLE orders (
	id                TEXT    PRIMARY KEY,
	symbol            TEXT    NOT NULL,
	side              TEXT    NOT NULL CHECK (side IN ('buy','sell')),
	type              TEXT    NOT NULL CHECK (type IN ('market','limit','stop','twap','vwap')),
	quantity          REAL    NOT NULL CHECK (quantity > 0),
	limit_price       REAL    NOT NULL DEFAULT 0,
	stop_price        REAL    NOT NULL DEFAULT 0,
	status            TEXT    NOT NULL CHECK (status IN ('new','routed','partial','filled','cancelled','rejected')),
	exchange          TEXT    NOT NULL DEFAULT '',
	exchange_order_id TEXT    NOT NULL DEFAULT '',
	filled_qty        REAL    NOT NULL DEFAULT 0,
	avg_fill_price    REAL    NOT NULL DEFAULT 0,
	reason            TEXT    NOT NULL DEFAULT '',
	prediction_id     TEXT    NOT NULL DEFAULT '',
	submitted_at      INTEGER NOT NULL,
	terminal_at       INTEGER
);
CREATE INDEX idx_orders_status ON orders (status);
CREATE TABLE order_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id    TEXT    NOT NULL REFERENCES orders (id),
	from_status TEXT    NOT NULL,
	to_status   TEXT    NOT NULL,
	reason      TEXT    NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);
CREATE INDEX idx_order_transitions_order ON order_transitions (order_id, id);
CREATE TABLE executions (
	id             TEXT    PRIMARY KEY,
	order_id       TEXT    NOT NULL REFERENCES orders (id),
	exchange       TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	side           TEXT    NOT NULL,
	quantity       REAL    NOT NULL,
	price          REAL    NOT NULL,
	expected_price REAL    NOT NULL,
	slippage_bps   REAL    NOT NULL,
	fee            REAL    NOT NULL,
	latency_ms     INTEGER NOT NULL,
	executed_at    INTEGER NOT NULL
);
CREATE INDEX idx_executions_time ON executions (executed_at);`,
		Down: `
DROP INDEX idx_executions_time;
DROP TABLE executions;
DROP INDEX idx_order_transitions_order;
DROP TABLE order_transitions;
DROP INDEX idx_orders_status;
DROP TABLE orders;
DROP TABLE position_journal;
DROP TABLE positions;`,
	},
	{
		Version: 6,
		Name:    "content_cache",
		Up: `
CREATE TABLE cache_blobs (
	checksum    TEXT    PRIMARY KEY,
	size        INTEGER NOT NULL,
	stored_size INTEGER NOT NULL,
	compressed  INTEGER NOT NULL DEFAULT 0,
	refcount    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE TABLE cache_entries (
	key           TEXT    PRIMARY KEY,
	checksum      TEXT    NOT NULL REFERENCES cache_blobs (checksum),
	size          INTEGER NOT NULL,
	data_type     TEXT    NOT NULL DEFAULT '',
	provider      TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER,
	last_accessed INTEGER NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	permanent     INTEGER NOT NULL DEFAULT 0,
	compressed    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_cache_entries_lru ON cache_entries (permanent, last_accessed);
CREATE INDEX idx_cache_entries_checksum ON cache_entries (checksum);`,
		Down: `
DROP INDEX idx_cache_entries_checksum;
DROP INDEX idx_cache_entries_lru;
DROP TABLE cache_entries;
DROP TABLE cache_blobs;`,
	},
	{
		Version: 7,
		Name:    "multi_source_sentiment",
		Up: `
CREATE TABLE sentiment_overrides (
	symbol     TEXT    NOT NULL,
	day        INTEGER NOT NULL,
	score      REAL    NOT NULL CHECK (score >= -1 AND score <= 1),
	reason     TEXT    NOT NULL DEFAULT '',
	operator   TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (symbol, day)
);
CREATE TABLE source_sentiment (
	symbol         TEXT    NOT NULL,
	day            INTEGER NOT NULL,
	source         TEXT    NOT NULL,
	mean_sentiment REAL    NOT NULL,
	article_count  INTEGER NOT NULL,
	confidence     REAL    NOT NULL,
	computed_at    INTEGER NOT NULL,
	PRIMARY KEY (symbol, day, source)
);`,
		Down: `
DROP TABLE source_sentiment;
DROP TABLE sentiment_overrides;`,
	},
	{
		Version: 8,
		Name:    "events",
		Up: `
CREATE TABLE events (
	id       TEXT    PRIMARY KEY,
	type     TEXT    NOT NULL,
	severity TEXT    NOT NULL,
	source   TEXT    NOT NULL,
	message  TEXT    NOT NULL,
	payload  TEXT    NOT NULL DEFAULT '',
	at       INTEGER NOT NULL
);
CREATE INDEX idx_events_at ON events (at);`,
		Down: `
DROP INDEX idx_events_at;
DROP TABLE events;`,
	},
}

// Migrate brings the database to the latest schema version.
func Migrate(ctx context.Context, db *sqlite.DB) error {
	m, err := sqlite.NewMigrator(db, Migrations)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return err
	}
	return nil
}
