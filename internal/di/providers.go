package di

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/repository"
	domsvc "CryptoPull/internal/domain/service"
	"CryptoPull/internal/handler/api"
	mid "CryptoPull/internal/middleware"
	internalrepo "CryptoPull/internal/repository"
	"CryptoPull/internal/service/analytics"
	"CryptoPull/internal/service/breaker"
	icache "CryptoPull/internal/service/cache"
	"CryptoPull/internal/service/order"
	"CryptoPull/internal/service/provider"
	"CryptoPull/internal/service/quality"
	"CryptoPull/internal/service/ratelimit"
	"CryptoPull/internal/service/risk"
	"CryptoPull/internal/service/secrets"
	"CryptoPull/internal/service/stream"
	"CryptoPull/internal/service/transport"
	"CryptoPull/internal/service/varengine"
	"CryptoPull/internal/usecase"
	pkgcache "CryptoPull/pkg/cache"
	pkgch "CryptoPull/pkg/clickhouse"
	"CryptoPull/pkg/config"
	xhttp "CryptoPull/pkg/http"
	pkgkafka "CryptoPull/pkg/kafka"
	applogger "CryptoPull/pkg/logger"
	"CryptoPull/pkg/metrics"
	"CryptoPull/pkg/queue"
	"CryptoPull/pkg/server"
	"CryptoPull/pkg/sqlite"
)

// Repositories groups the SQLite repositories; they share one handle.
type Repositories struct {
	Bars       *internalrepo.SQLiteBarRepository
	Analytics  *internalrepo.SQLiteAnalyticsRepository
	Articles   *internalrepo.SQLiteArticleRepository
	Sentiment  *internalrepo.SQLiteSentimentRepository
	Quality    *internalrepo.SQLiteQualityRepository
	Trading    *internalrepo.SQLiteTradingRepository
	CacheIndex *internalrepo.SQLiteCacheIndex
	Features   *internalrepo.FeatureStore
}

// LivePath is the optional realtime chain: stream collector and the Kafka
// consumer applying bars from other instances.
type LivePath struct {
	Processor *usecase.BarProcessor
	Collector *usecase.LiveCollector
	Consumer  *pkgkafka.Consumer
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is off.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithBalancer("hash"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideLogger builds the root logger. With Kafka on, repeated warnings and
// errors are aggregated and shipped to the log topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if producer != nil && cfg.Logging.CollectTopic != "" {
		l.AttachCollector(&applogger.CollectionConfig{
			TimeInterval: cfg.Logging.CollectInterval,
			Topic:        cfg.Logging.CollectTopic,
			Publisher:    producer,
		})
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideDB opens the embedded store and applies pending migrations.
func ProvideDB(cfg *config.Config, l *applogger.Logger) (*sqlite.DB, error) {
	db, err := sqlite.Open(
		sqlite.WithPath(cfg.Storage.Path),
		sqlite.WithPool(cfg.Storage.MaxOpenConns, cfg.Storage.MaxIdleConns, cfg.Storage.ConnMaxLife),
		sqlite.WithBusyTimeout(cfg.Storage.BusyTimeout),
		sqlite.WithLogLevel(cfg.Logging.Level),
	)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := internalrepo.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.Info("storage ready", applogger.String("path", db.Path()))
	return db, nil
}

func ProvideRepositories(db *sqlite.DB) *Repositories {
	bars := internalrepo.NewBarRepository(db)
	sentiment := internalrepo.NewSentimentRepository(db)
	return &Repositories{
		Bars:       bars,
		Analytics:  internalrepo.NewAnalyticsRepository(db),
		Articles:   internalrepo.NewArticleRepository(db),
		Sentiment:  sentiment,
		Quality:    internalrepo.NewQualityRepository(db),
		Trading:    internalrepo.NewTradingRepository(db),
		CacheIndex: internalrepo.NewCacheIndex(db),
		Features:   internalrepo.NewFeatureStore(bars, sentiment),
	}
}

// ProvideRedisCache connects the L2 hot tier, or returns nil when Redis is off.
func ProvideRedisCache(cfg *config.Config) (*pkgcache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisHost(cfg.Redis.Host),
		pkgcache.WithRedisPort(cfg.Redis.Port),
		pkgcache.WithRedisPassword(cfg.Redis.Password),
		pkgcache.WithRedisDB(cfg.Redis.DB),
		pkgcache.WithRedisPrefix(cfg.Redis.Prefix),
		pkgcache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideHotCache layers the in-memory LRU over Redis when present.
func ProvideHotCache(cfg *config.Config, rc *pkgcache.RedisCache) *pkgcache.LayeredCache {
	return pkgcache.NewLayeredCache(rc,
		pkgcache.WithLayeredMemorySize(cfg.Cache.HotSize),
		pkgcache.WithLayeredMemoryBytes(cfg.Cache.HotBytes),
		pkgcache.WithLayeredCleanup(cfg.Cache.HotTTL/2),
	)
}

// ProvideClickHouseClient creates the analytics mirror client, or nil when
// the mirror is off.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.MirrorSchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideMirror returns nil when ClickHouse is off so callers skip mirroring.
func ProvideMirror(ch *pkgch.Client, l *applogger.Logger) repository.Mirror {
	if ch == nil {
		return nil
	}
	return internalrepo.NewClickHouseMirror(ch, l)
}

// ProvideEventPublisher always records alerts locally and also fans out to
// Kafka when a producer exists.
func ProvideEventPublisher(cfg *config.Config, repos *Repositories, producer *pkgkafka.Producer) repository.EventPublisher {
	if producer == nil {
		return internalrepo.NewLogPublisher(repos.Quality)
	}
	bus := internalrepo.NewKafkaPublisher(producer, cfg.Kafka.EventsTopic, cfg.Kafka.BarsTopic)
	return internalrepo.NewFanoutPublisher(repos.Quality, bus)
}

func ProvideContentCache(cfg *config.Config, repos *Repositories, hot *pkgcache.LayeredCache, l *applogger.Logger, m repository.Metrics) (*icache.ContentCache, error) {
	c := cfg.Cache
	cc, err := icache.New(repos.CacheIndex, hot, l, m,
		icache.WithDir(c.Dir),
		icache.WithTTLs(c.DefaultTTL, c.PriceTTL, c.NewsTTL),
		icache.WithLimits(c.MaxEntries, c.MaxBytes, c.MaxEntryBytes),
		icache.WithCompressMinBytes(c.CompressMinBytes),
		icache.WithHotTTL(c.HotTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("content cache: %w", err)
	}
	return cc, nil
}

// ProvideTransport builds the shared outbound client and registers every
// enabled provider's quota with its limiter.
func ProvideTransport(cfg *config.Config, l *applogger.Logger, m repository.Metrics) *transport.Client {
	tl := l.Component("ratelimit")
	limiter := ratelimit.New(ratelimit.WithAlertHandler(func(a ratelimit.QuotaAlert) {
		tl.Warn("provider quota",
			applogger.String("provider", a.Provider),
			applogger.String("level", a.Level),
			applogger.Int("used", a.Used),
			applogger.Int("quota", a.Quota))
	}))
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		limiter.Register(p.Name, ratelimit.Quota{
			PerSecond:       p.PerSecond,
			PerMinute:       p.PerMinute,
			Daily:           p.DailyQuota,
			CriticalReserve: 0.1,
		})
	}

	t := cfg.Transport
	return transport.New(transport.Config{
		Retry: transport.RetryConfig{
			MaxRetries:     t.Retry.MaxRetries,
			BaseDelay:      t.Retry.BaseDelay,
			Multiplier:     t.Retry.Multiplier,
			MaxDelay:       t.Retry.MaxDelay,
			Jitter:         t.Retry.Jitter,
			AttemptTimeout: t.Retry.AttemptTimeout,
		},
		Breaker: breaker.Config{
			FailureThreshold: t.Breaker.FailureThreshold,
			FailureRatio:     t.Breaker.FailureRatio,
			MinRequests:      t.Breaker.MinRequests,
			Window:           t.Breaker.Window,
			Cooldown:         t.Breaker.Cooldown,
		},
		MaxConnsPerHost: t.MaxConnsPerHost,
		MaxIdleConns:    t.MaxIdleConns,
		IdleConnTimeout: t.IdleConnTimeout,
		RequestTimeout:  t.RequestTimeout,
		UserAgent:       t.UserAgent,

		MaxResponseBytes: t.MaxResponseBytes,
	}, limiter, l, m)
}

// ProvideRegistry instantiates one adapter per enabled provider entry.
func ProvideRegistry(cfg *config.Config, client *transport.Client, cc *icache.ContentCache, l *applogger.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry(l)
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		pc := provider.Config{
			Name:     p.Name,
			BaseURL:  strings.TrimRight(p.BaseURL, "/"),
			APIKey:   p.APIKey,
			Priority: p.Priority,
			Quote:    p.Quote,
			Class:    ratelimit.PriorityNormal,
		}
		switch p.Kind {
		case "cryptocompare":
			reg.Register(provider.NewCryptoCompare(pc, client, cc))
		case "binance":
			reg.Register(provider.NewBinance(pc, client, cc))
		case "cryptonews":
			pc.Class = ratelimit.PriorityLow
			reg.Register(provider.NewCryptoNews(pc, client, cc))
		case "newsapi":
			pc.Class = ratelimit.PriorityLow
			reg.Register(provider.NewNewsAPI(pc, client, cc))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return reg, nil
}

// ProvideParameters opens the operator parameter file, seeding it from the
// loaded configuration on first start.
func ProvideParameters(cfg *config.Config) (*config.ParameterStore, error) {
	return config.NewParameterStore(cfg.Parameters.Path, config.DefaultParameters(cfg))
}

func ProvideVaREngine(cfg *config.Config, l *applogger.Logger, m repository.Metrics) *varengine.Engine {
	v := cfg.VaR
	return varengine.New(varengine.Config{
		Confidence:      v.Confidence,
		HorizonDays:     v.HorizonDays,
		LookbackDays:    v.LookbackDays,
		MinObservations: v.MinObservations,
		Paths:           v.Paths,
		Seed:            v.Seed,
		Antithetic:      v.Antithetic,
		BacktestDays:    v.BacktestDays,
	}, l, m)
}

func ProvideQuality(cfg *config.Config, repos *Repositories, pub repository.EventPublisher, l *applogger.Logger, m repository.Metrics) *quality.Manager {
	q := cfg.Quality
	return quality.NewManager(quality.Config{
		OutlierSigma:  q.OutlierSigma,
		CapSigma:      q.CapSigma,
		RollingWindow: q.RollingWindow,
		Threshold:     q.Threshold,
	}, repos.Quality, pub, l, m)
}

// ProvideRiskManager restores the saved book before anything can trade.
func ProvideRiskManager(cfg *config.Config, engine *varengine.Engine, repos *Repositories, pub repository.EventPublisher, l *applogger.Logger, m repository.Metrics) (*risk.Manager, error) {
	rm := risk.NewManager(cfg.Risk, l, m,
		risk.WithVaR(engine),
		risk.WithCorrelations(engine),
		risk.WithJournal(repos.Trading),
		risk.WithPublisher(pub),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rm.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}
	return rm, nil
}

func ProvideSentiment(cfg *config.Config, reg *provider.Registry, repos *Repositories, l *applogger.Logger, m repository.Metrics) *usecase.Sentiment {
	primary := ""
	for _, p := range cfg.Providers {
		if p.Enabled && p.Primary && (p.Kind == "cryptonews" || p.Kind == "newsapi") {
			primary = p.Name
			break
		}
	}
	return usecase.NewSentiment(reg, repos.Articles, repos.Sentiment, primary, l, m)
}

func ProvideCalibration(cfg *config.Config, repos *Repositories, engine *varengine.Engine, rm *risk.Manager, mirror repository.Mirror, pub repository.EventPublisher, l *applogger.Logger, m repository.Metrics) *usecase.Calibration {
	opts := []usecase.CalibrationOption{usecase.WithCalibrationPublisher(pub)}
	if mirror != nil {
		opts = append(opts, usecase.WithCalibrationMirror(mirror))
	}
	return usecase.NewCalibration(cfg, repos.Bars, engine, repos.Analytics, repos.Analytics, rm, l, m, opts...)
}

// ProvideIngestion wires the pipeline with its derived stages: sentiment
// aggregation (when enabled) and recalibration.
func ProvideIngestion(cfg *config.Config, reg *provider.Registry, repos *Repositories, qm *quality.Manager, mirror repository.Mirror, pub repository.EventPublisher, sent *usecase.Sentiment, cal *usecase.Calibration, l *applogger.Logger, m repository.Metrics) *usecase.Ingestion {
	derived := []usecase.Derived{cal}
	if cfg.Pipeline.Sentiment {
		derived = []usecase.Derived{sent, cal}
	}
	opts := []usecase.IngestionOption{
		usecase.WithIngestionPublisher(pub),
		usecase.WithDerived(derived...),
	}
	if mirror != nil {
		opts = append(opts, usecase.WithMirror(mirror))
	}
	return usecase.NewIngestion(cfg.Pipeline, reg, repos.Bars, qm, l, m, opts...)
}

// ProvidePredictor uses the remote model when configured and falls back to
// the linear model on any error.
func ProvidePredictor(cfg *config.Config, params *config.ParameterStore, client *transport.Client) domsvc.Predictor {
	linear := analytics.NewLinearPredictor(params)
	if cfg.Prediction.ModelURL == "" {
		return linear
	}
	remote := analytics.NewHTTPPredictor(cfg.Prediction.ModelURL, cfg.Prediction.Timeout, cfg.Prediction.Horizon, client)
	return analytics.Fallback{Primary: remote, Secondary: linear}
}

// ProvideSignals builds the ranking use case and keeps its weights in step
// with the parameter store.
func ProvideSignals(cfg *config.Config, repos *Repositories, predictor domsvc.Predictor, engine *varengine.Engine, rm *risk.Manager, params *config.ParameterStore, l *applogger.Logger) *usecase.SignalsUseCase {
	agg := usecase.NewSignalAggregator(repos.Features, predictor, cfg.Prediction, cfg.Correlation)
	uc := usecase.NewSignalsUseCase(agg, repos.Analytics, engine, rm, cfg.Prediction, l)
	weights := func() usecase.RankWeights {
		return usecase.RankWeights{
			Lambda:    params.GetDefault("prediction.lambda", cfg.Prediction.Lambda),
			Mu:        params.GetDefault("prediction.mu", cfg.Prediction.Mu),
			Threshold: params.GetDefault("prediction.threshold", cfg.Prediction.Threshold),
		}
	}
	uc.SetWeights(weights())
	params.Subscribe(func(key string, _ float64) {
		if strings.HasPrefix(key, "prediction.") {
			uc.SetWeights(weights())
		}
	})
	return uc
}

func ProvideBars(repos *Repositories) *usecase.BarsUseCase {
	return usecase.NewBarsUseCase(repos.Features)
}

// ProvidePriceBook falls back to the last stored close for symbols the live
// path has not priced yet.
func ProvidePriceBook(repos *Repositories) *order.PriceBook {
	pb := order.NewPriceBook()
	pb.Fallback = func(ctx context.Context, symbol string) (float64, error) {
		to := time.Now().UTC()
		bars, err := repos.Bars.Bars(ctx, symbol, to.AddDate(0, 0, -7), to)
		if err != nil {
			return 0, err
		}
		if len(bars) == 0 {
			return 0, fmt.Errorf("no recent bars for %s", symbol)
		}
		return bars[len(bars)-1].Close, nil
	}
	return pb
}

// ProvideCredentials opens the encrypted credential store and overlays
// environment credentials. Without a master key only the environment is
// used and nothing is persisted.
func ProvideCredentials(cfg *config.Config, l *applogger.Logger) (*secrets.Store, error) {
	names := make([]string, 0, len(cfg.Orders.Exchanges))
	for _, ex := range cfg.Orders.Exchanges {
		names = append(names, ex.Name)
	}
	sl := l.Component("secrets")
	master, err := secrets.MasterFromEnv(cfg.Secrets.MasterEnv)
	if err != nil {
		sl.Warn("credential store disabled, using environment only", applogger.String("master_env", cfg.Secrets.MasterEnv))
		return nil, nil
	}
	store, err := secrets.Open(cfg.Secrets.Path, master)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	if n := store.LoadEnv(cfg.Secrets.EnvPrefix, names, os.LookupEnv); n > 0 {
		if err := store.Save(); err != nil {
			return nil, fmt.Errorf("save credential store: %w", err)
		}
		sl.Info("credentials imported from environment", applogger.Int("exchanges", n))
	}
	return store, nil
}

func credentialsFor(cfg *config.Config, store *secrets.Store, exchange string) secrets.Credentials {
	if store != nil {
		if c, ok := store.Get(exchange); ok {
			return c
		}
	}
	c, _ := secrets.FromEnv(cfg.Secrets.EnvPrefix, exchange, os.LookupEnv)
	return c
}

// ProvideOrderManager registers one connection per enabled venue, restores
// open orders and subscribes to the emergency stop.
func ProvideOrderManager(cfg *config.Config, rm *risk.Manager, prices *order.PriceBook, client *transport.Client, store *secrets.Store, repos *Repositories, pub repository.EventPublisher, l *applogger.Logger, m repository.Metrics) (*order.Manager, error) {
	pool := order.NewPool(cfg.Orders.HealthFloor)
	exchanges := cfg.Orders.Exchanges
	if len(exchanges) == 0 {
		exchanges = []config.ExchangeConfig{{Name: "paper", Kind: "paper", FeeBps: 10, SlippageBps: 5, OrdersPerSecond: 10, Burst: 10, QueueSize: 256, Enabled: true}}
	}
	for _, ex := range exchanges {
		if !ex.Enabled {
			continue
		}
		conn := order.ConnConfig{OrdersPerSecond: ex.OrdersPerSecond, Burst: ex.Burst, QueueSize: ex.QueueSize}
		switch ex.Kind {
		case "paper":
			pool.Add(order.NewPaperExchange(order.PaperConfig{Name: ex.Name, FeeBps: ex.FeeBps, SlippageBps: ex.SlippageBps}, prices), conn)
		case "binance":
			creds := credentialsFor(cfg, store, ex.Name)
			if creds.Empty() {
				l.Warn("exchange has no credentials, skipped", applogger.String("exchange", ex.Name))
				continue
			}
			pool.Add(order.NewRESTExchange(order.RESTConfig{
				Name:        ex.Name,
				BaseURL:     strings.TrimRight(ex.BaseURL, "/"),
				Quote:       cfg.Prediction.Quote,
				FeeBps:      ex.FeeBps,
				SlippageBps: ex.SlippageBps,
				RecvWindow:  5 * time.Second,
			}, creds, client), conn)
		}
	}

	om := order.NewManager(cfg.Orders, pool, rm, l, m,
		order.WithRepository(repos.Trading),
		order.WithPublisher(pub),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := om.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore orders: %w", err)
	}
	rm.SubscribeEmergency("orders", om.OnEmergency)
	return om, nil
}

// ProvideTRSMonitor feeds every status change into the risk manager.
func ProvideTRSMonitor(cfg *config.Config, repos *Repositories, rm *risk.Manager, pub repository.EventPublisher, l *applogger.Logger, m repository.Metrics) *usecase.TRSMonitor {
	t := usecase.NewTRSMonitor(cfg.Correlation, repos.Analytics, repos.Bars, l, m, usecase.WithTRSPublisher(pub))
	t.Subscribe("risk", func(w models.TRSWindow) {
		rm.OnTRSStatus(context.Background(), w)
	})
	return t
}

// ProvideQueue uses Redis when available so jobs survive restarts, and an
// in-process queue otherwise.
func ProvideQueue(cfg *config.Config, rc *pkgcache.RedisCache, ing *usecase.Ingestion, cal *usecase.Calibration, l *applogger.Logger) queue.Queue {
	qc := &queue.QueueConfig{
		Workers:    cfg.Scheduler.QueueWorkers,
		QueueSize:  cfg.Scheduler.QueueSize,
		RetryLimit: cfg.Scheduler.RetryLimit,
		RetryDelay: cfg.Scheduler.RetryDelay,
	}
	var q queue.Queue
	if rc != nil {
		q = queue.NewRedisQueue(l, qc, rc.Client(),
			queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"),
			queue.WithDeadLetterCap(cfg.Scheduler.DeadLetterCap))
	} else {
		q = queue.NewMemoryQueue(l, qc)
	}
	symbols := cfg.Pipeline.Symbols
	q.RegisterJob(usecase.NewRefreshJob(ing, symbols, cfg.Pipeline.RunTimeout, l))
	q.RegisterJob(usecase.NewCalibrateJob(cal, symbols, l))
	return q
}

func ProvideScheduler(cfg *config.Config, q queue.Queue, l *applogger.Logger) *usecase.Scheduler {
	s := usecase.NewScheduler(q, cfg.Scheduler.CalibrationInterval, cfg.Scheduler.RefreshInterval, l)
	if cfg.Metrics.Enabled {
		s.ReportDepth(q.Depth, time.Minute)
	}
	return s
}

func ProvideOperator(cfg *config.Config, ing *usecase.Ingestion, cc *icache.ContentCache, rm *risk.Manager, om *order.Manager, repos *Repositories, params *config.ParameterStore, cal *usecase.Calibration, trs *usecase.TRSMonitor, sent *usecase.Sentiment, l *applogger.Logger) *usecase.Operator {
	return &usecase.Operator{
		Data:        ing,
		Cache:       cc,
		Risk:        rm,
		Orders:      om,
		Alerts:      repos.Quality,
		VaR:         repos.Analytics,
		Predictions: repos.Analytics,
		Params:      params,
		Calibrator:  cal,
		TRS:         trs,
		Sentiment:   sent,
		Symbols:     cfg.Pipeline.Symbols,
		PortfolioID: cfg.VaR.PortfolioID,
		Name:        "operator",
		Logger:      l,
	}
}

// ProvideLivePath builds the realtime chain when the stream or Kafka is on.
func ProvideLivePath(cfg *config.Config, repos *Repositories, pub repository.EventPublisher, prices *order.PriceBook, rm *risk.Manager, l *applogger.Logger, m repository.Metrics) (*LivePath, error) {
	if !cfg.Stream.Enabled && !cfg.Kafka.Enabled {
		return &LivePath{}, nil
	}
	interval := repository.Interval(cfg.Stream.Interval)
	if !repository.IsValidInterval(interval) {
		return nil, fmt.Errorf("stream interval %q unsupported", cfg.Stream.Interval)
	}
	proc := usecase.NewBarProcessor(repos.Bars, pub, prices, rm, interval, l, m)
	lp := &LivePath{Processor: proc}

	if cfg.Stream.Enabled {
		symbols := cfg.Stream.Symbols
		if len(symbols) == 0 {
			symbols = cfg.Pipeline.Symbols
		}
		s := stream.New(stream.Config{
			URL:            cfg.Stream.URL,
			Symbols:        symbols,
			Quote:          cfg.Prediction.Quote,
			Interval:       cfg.Stream.Interval,
			ReconnectDelay: cfg.Stream.ReconnectDelay,
			PingInterval:   cfg.Stream.PingInterval,
			BufferSize:     cfg.Stream.BufferSize,
		}, l)
		pipe := mid.NewRealtimePipeline(proc, m,
			mid.WithMaxRPS(cfg.Stream.MaxRPS),
			mid.WithBufferSize(cfg.Stream.BufferSize),
			mid.WithLogger(l),
		)
		lp.Collector = usecase.NewLiveCollector(s, proc, pipe, l, m)
	}

	if cfg.Kafka.Enabled {
		consumer, err := pkgkafka.NewConsumer(
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
			pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
			pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
			pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
			pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
			pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
			pkgkafka.WithConsumerLogger(l),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		kl := l.Component("bars_consumer")
		consumer.WithConsumerHook(pkgkafka.Chain{
			pkgkafka.RejectOversize(cfg.Kafka.Consumer.MaxBytes),
			pkgkafka.HookFuncs{
				Err: func(ctx context.Context, topic string, km kafka.Message, _ []byte, err error) {
					m.RecordError("kafka_consume")
					kl.Warn("bar message failed",
						applogger.String("topic", topic),
						applogger.Int64("offset", km.Offset),
						applogger.String("trace_id", pkgkafka.TraceID(ctx)),
						applogger.Error(err))
				},
			},
		})
		consumer.RegisterHandler(usecase.NewKafkaBarsHandler(cfg.Kafka.BarsTopic, proc, m))
		lp.Consumer = consumer
	}
	return lp, nil
}

// ProvideHTTPHandler composes the operator, market and health endpoints.
func ProvideHTTPHandler(cfg *config.Config, op *usecase.Operator, om *order.Manager, bars *usecase.BarsUseCase, signals *usecase.SignalsUseCase, hot *pkgcache.LayeredCache, db *sqlite.DB, rc *pkgcache.RedisCache, ch *pkgch.Client, producer *pkgkafka.Producer, l *applogger.Logger) xhttp.Handler {
	commands := api.NewCommandsHandler(op, cfg.Server.OperatorToken, l)
	commands.SetOrders(om)

	market := api.NewMarketHandler(bars, signals, cfg.Pipeline.Symbols)
	market.SetCache(hot)
	market.SetLogger(l)

	checks := map[string]api.Check{"sqlite": db.Health}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error { return rc.Client().Ping(ctx).Err() }
	}
	if ch != nil {
		checks["clickhouse"] = ch.Health
	}
	if producer != nil {
		checks["kafka"] = producer.Ping
	}
	return xhttp.Handlers{api.NewHealthHandler(checks), commands, market}
}

// ProvideApp assembles the lifecycle: background loops, services and the
// resources released at shutdown.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	handler xhttp.Handler,
	db *sqlite.DB,
	producer *pkgkafka.Producer,
	hot *pkgcache.LayeredCache,
	ch *pkgch.Client,
	client *transport.Client,
	cc *icache.ContentCache,
	params *config.ParameterStore,
	rm *risk.Manager,
	om *order.Manager,
	trs *usecase.TRSMonitor,
	q queue.Queue,
	sched *usecase.Scheduler,
	live *LivePath,
	pub repository.EventPublisher,
) *server.App {
	opts := []server.Option{
		// Closers run in reverse, so the store goes last.
		server.WithCloser("sqlite", db.Close),
		server.WithCloser("event publisher", pub.Close),
		server.WithCloser("hot cache", hot.Close),
		server.WithCloser("content cache", func() error { cc.Close(); return nil }),
		server.WithCloser("risk journal", func() error { rm.Close(); return nil }),

		server.WithRunner("risk", rm.Run),
		server.WithRunner("orders", om.Run),
		server.WithRunner("trs", func(ctx context.Context) { trs.Run(ctx, cfg.Scheduler.TRSInterval) }),
		server.WithRunner("scheduler", sched.Run),
		server.WithRunner("transport health", func(ctx context.Context) {
			client.Maintain(ctx, cfg.Transport.HealthCheckInterval)
		}),
		server.WithRunner("cache eviction", func(ctx context.Context) { cc.Maintain(ctx, cfg.Cache.EvictInterval) }),
		server.WithService("queue", q),
	}
	if producer != nil {
		// The publisher owns the producer; ship pending log batches first.
		opts = append(opts, server.WithCloser("log collector", func() error { l.DetachCollector(); return nil }))
	}
	if ch != nil {
		opts = append(opts, server.WithCloser("clickhouse", ch.Close))
	}
	if cfg.Parameters.Watch {
		pl := l.Component("parameters")
		opts = append(opts, server.WithRunner("parameter watch", func(ctx context.Context) {
			err := params.Watch(ctx, func(err error) {
				pl.Warn("parameter reload failed", applogger.Error(err))
			})
			if err != nil && ctx.Err() == nil {
				pl.Error("parameter watch stopped", applogger.Error(err))
			}
		}))
	}
	if live.Collector != nil {
		collector := live.Collector
		ll := l.Component("live")
		opts = append(opts, server.WithRunner("live collector", func(ctx context.Context) {
			if err := collector.Start(ctx); err != nil {
				ll.Error("live collector start", applogger.Error(err))
				return
			}
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := collector.Shutdown(stopCtx); err != nil {
				ll.Warn("live collector stop", applogger.Error(err))
			}
		}))
	}
	if live.Consumer != nil {
		opts = append(opts, server.WithService("kafka consumer", live.Consumer))
	}
	return server.New(cfg, l, handler, opts...)
}
