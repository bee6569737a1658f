package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string            `yaml:"environment" default:"dev" validate:"oneof=dev test staging prod"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Transport   TransportConfig   `yaml:"transport"`
	Providers   []ProviderConfig  `yaml:"providers" validate:"dive"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Stream      StreamConfig      `yaml:"stream"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Quality     QualityConfig     `yaml:"quality"`
	Correlation CorrelationConfig `yaml:"correlation"`
	VaR         VaRConfig         `yaml:"var"`
	Prediction  PredictionConfig  `yaml:"prediction"`
	Risk        RiskConfig        `yaml:"risk"`
	Orders      OrdersConfig      `yaml:"orders"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Parameters  ParametersConfig  `yaml:"parameters"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"20s"`
	SlowRequest     time.Duration `yaml:"slow_request" default:"1s"`
	BodyLimit       string        `yaml:"body_limit" default:"1M"`
	OperatorToken   string        `yaml:"operator_token"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
	// Aggregated warn/error batches are shipped to Kafka when enabled.
	CollectInterval time.Duration `yaml:"collect_interval" default:"30s"`
	CollectTopic    string        `yaml:"collect_topic" default:"cryptopull.logs"`
}

type StorageConfig struct {
	Path         string        `yaml:"path" default:"data/cryptopull.db" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" default:"4" validate:"min=1"`
	MaxIdleConns int           `yaml:"max_idle_conns" default:"2"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" default:"5s"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime" default:"1h"`
}

type TransportConfig struct {
	MaxConnsPerHost     int           `yaml:"max_conns_per_host" default:"10" validate:"min=1"`
	MaxIdleConns        int           `yaml:"max_idle_conns" default:"100"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" default:"5m"`
	RequestTimeout      time.Duration `yaml:"request_timeout" default:"30s"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" default:"1m"`
	UserAgent           string        `yaml:"user_agent" default:"CryptoPull/1.0"`
	MaxResponseBytes    int64         `yaml:"max_response_bytes" default:"33554432"`
	Breaker             BreakerConfig `yaml:"breaker"`
	Retry               RetryConfig   `yaml:"retry"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" default:"5" validate:"min=1"`
	FailureRatio     float64       `yaml:"failure_ratio" default:"0.5" validate:"gt=0,lte=1"`
	MinRequests      int           `yaml:"min_requests" default:"10" validate:"min=1"`
	Window           time.Duration `yaml:"window" default:"1m"`
	Cooldown         time.Duration `yaml:"cooldown" default:"60s"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" default:"3" validate:"min=0"`
	BaseDelay      time.Duration `yaml:"base_delay" default:"1s"`
	Multiplier     float64       `yaml:"multiplier" default:"2" validate:"gte=1"`
	MaxDelay       time.Duration `yaml:"max_delay" default:"30s"`
	Jitter         float64       `yaml:"jitter" default:"0.1" validate:"gte=0,lte=1"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" default:"10s"`
}

type ProviderConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Kind       string `yaml:"kind" validate:"oneof=cryptocompare binance cryptonews newsapi"`
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	APIKey     string `yaml:"api_key"`
	Priority   int    `yaml:"priority" default:"1"`
	PerSecond  int    `yaml:"per_second" default:"5" validate:"min=1"`
	PerMinute  int    `yaml:"per_minute" default:"100" validate:"min=1"`
	DailyQuota int    `yaml:"daily_quota"`
	Enabled    bool   `yaml:"enabled" default:"true"`
	Quote      string `yaml:"quote" default:"USD"`
	Primary    bool   `yaml:"primary"`
}

type CacheConfig struct {
	Dir              string        `yaml:"dir" default:"data/cache" validate:"required"`
	DefaultTTL       time.Duration `yaml:"default_ttl" default:"1h"`
	PriceTTL         time.Duration `yaml:"price_ttl" default:"15m"`
	NewsTTL          time.Duration `yaml:"news_ttl" default:"6h"`
	MaxEntries       int           `yaml:"max_entries" default:"50000"`
	MaxBytes         int64         `yaml:"max_bytes" default:"1073741824"`
	MaxEntryBytes    int64         `yaml:"max_entry_bytes" default:"10485760"`
	CompressMinBytes int           `yaml:"compress_min_bytes" default:"1024"`
	HotSize          int           `yaml:"hot_size" default:"1024"`
	HotBytes         int64         `yaml:"hot_bytes" default:"67108864"`
	HotTTL           time.Duration `yaml:"hot_ttl" default:"10m"`
	EvictInterval    time.Duration `yaml:"evict_interval" default:"10m"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"cryptopull"`

	PoolSize     int           `yaml:"pool_size" default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" default:"30s"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	EventsTopic  string   `yaml:"events_topic" default:"cryptopull.events"`
	BarsTopic    string   `yaml:"bars_topic" default:"cryptopull.bars"`
	RequiredAcks int      `yaml:"required_acks" default:"1"`
	Compression  string   `yaml:"compression" default:"snappy"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"50ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		Async        bool          `yaml:"async"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"cryptopull"`
		Workers    int           `yaml:"workers" default:"4"`
		BufferSize int           `yaml:"buffer_size" default:"1024"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
		DLQTopic   string        `yaml:"dlq_topic" default:"cryptopull.bars.dlq"`
		MinBytes   int           `yaml:"min_bytes" default:"1"`
		MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"cryptopull"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url" default:"wss://stream.binance.com:9443/stream"`
	Symbols        []string      `yaml:"symbols"`
	Interval       string        `yaml:"interval" default:"1d"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"2s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
	MaxRPS         int           `yaml:"max_rps" default:"50"`
	BufferSize     int           `yaml:"buffer_size" default:"2000"`
}

type PipelineConfig struct {
	Symbols            []string      `yaml:"symbols" default:"[\"BTC\",\"ETH\"]" validate:"min=1"`
	TargetDays         int           `yaml:"target_days" default:"730" validate:"min=1"`
	WindowDays         int           `yaml:"window_days" default:"365" validate:"min=1"`
	WorkersPerProvider int           `yaml:"workers_per_provider" default:"2" validate:"min=1"`
	ValidatorWorkers   int           `yaml:"validator_workers" default:"4" validate:"min=1"`
	QueueSize          int           `yaml:"queue_size" default:"64" validate:"min=1"`
	Remediate          bool          `yaml:"remediate" default:"true"`
	Sentiment          bool          `yaml:"sentiment" default:"true"`
	RunTimeout         time.Duration `yaml:"run_timeout" default:"30m"`
}

type QualityConfig struct {
	OutlierSigma  float64 `yaml:"outlier_sigma" default:"3" validate:"gt=0"`
	CapSigma      float64 `yaml:"cap_sigma" default:"5" validate:"gt=0"`
	RollingWindow int     `yaml:"rolling_window" default:"20" validate:"min=2"`
	Threshold     float64 `yaml:"threshold" default:"0.8" validate:"gte=0,lte=1"`
}

type CorrelationConfig struct {
	WindowsDays       []int   `yaml:"windows_days" default:"[7,30,90]" validate:"min=1,dive,min=3"`
	TRSTarget         float64 `yaml:"trs_target" default:"0.85"`
	WarningThreshold  float64 `yaml:"warning_threshold" default:"0.80"`
	CriticalThreshold float64 `yaml:"critical_threshold" default:"0.75"`
	EmergencyLevel    float64 `yaml:"emergency_level" default:"0.70"`
	Significance      float64 `yaml:"significance" default:"0.05" validate:"gt=0,lt=1"`
	MaxViolations     int     `yaml:"max_consecutive_violations" default:"3"`
	RollingWindow     int     `yaml:"rolling_window" default:"30" validate:"min=3"`
	MarketProxy       string  `yaml:"market_proxy" default:"BTC"`
}

type VaRConfig struct {
	PortfolioID     string  `yaml:"portfolio_id" default:"main"`
	Confidence      float64 `yaml:"confidence" default:"0.95" validate:"gt=0.5,lt=1"`
	HorizonDays     int     `yaml:"horizon_days" default:"1" validate:"min=1"`
	LookbackDays    int     `yaml:"lookback_days" default:"252" validate:"min=2"`
	MinObservations int     `yaml:"min_observations" default:"100" validate:"min=3"`
	Paths           int     `yaml:"paths" default:"10000" validate:"min=100"`
	Seed            uint64  `yaml:"seed" default:"12345"`
	Antithetic      bool    `yaml:"antithetic" default:"true"`
	BacktestDays    int     `yaml:"backtest_days" default:"250" validate:"min=10"`
	MaxDailyVaRPct  float64 `yaml:"max_daily_var_pct" default:"0.025"`
}

type PredictionConfig struct {
	Horizon     time.Duration `yaml:"horizon" default:"24h"`
	Lambda      float64       `yaml:"lambda" default:"0.5"`
	Mu          float64       `yaml:"mu" default:"0.25"`
	Threshold   float64       `yaml:"threshold" default:"0.6" validate:"gte=0,lte=1"`
	ModelURL    string        `yaml:"model_url"`
	Timeout     time.Duration `yaml:"timeout" default:"3s"`
	Quote       string        `yaml:"quote" default:"USDT"`
	HistoryDays int           `yaml:"history_days" default:"120"`
}

type RiskConfig struct {
	InitialEquity       float64       `yaml:"initial_equity" default:"100000" validate:"gt=0"`
	MaxPositionPct      float64       `yaml:"max_position_pct" default:"0.05" validate:"gt=0"`
	MaxExposurePct      float64       `yaml:"max_exposure_pct" default:"0.25" validate:"gt=0"`
	MaxOpenPositions    int           `yaml:"max_open_positions" default:"10" validate:"min=1"`
	MaxVaRPct           float64       `yaml:"max_var_pct" default:"0.02" validate:"gt=0"`
	MaxConcentration    float64       `yaml:"max_concentration" default:"0.4" validate:"gt=0"`
	CorrelationLimit    float64       `yaml:"correlation_limit" default:"0.3" validate:"gt=0"`
	SoftRatio           float64       `yaml:"soft_ratio" default:"0.8"`
	BreachRatio         float64       `yaml:"breach_ratio" default:"1.25"`
	CriticalRatio       float64       `yaml:"critical_ratio" default:"1.5"`
	StopOnTRSCritical   bool          `yaml:"stop_on_trs_critical" default:"true"`
	JournalBuffer       int           `yaml:"journal_buffer" default:"1024"`
	RecoveryMaxVaRPct   float64       `yaml:"recovery_max_var_pct" default:"0.02"`
	RecoveryMaxExposure float64       `yaml:"recovery_max_exposure_pct" default:"0.25"`
	EvaluateInterval    time.Duration `yaml:"evaluate_interval" default:"30s"`
}

type OrdersConfig struct {
	Mode           string           `yaml:"mode" default:"paper" validate:"oneof=paper live"`
	TradingEnabled bool             `yaml:"trading_enabled"`
	HealthFloor    float64          `yaml:"health_floor" default:"0.5"`
	SubmitTimeout  time.Duration    `yaml:"submit_timeout" default:"10s"`
	CancelTimeout  time.Duration    `yaml:"cancel_timeout" default:"5s"`
	SliceFraction  float64          `yaml:"slice_fraction" default:"0.05"`
	Exchanges      []ExchangeConfig `yaml:"exchanges" validate:"dive"`
}

type ExchangeConfig struct {
	Name            string  `yaml:"name" validate:"required"`
	Kind            string  `yaml:"kind" default:"paper" validate:"oneof=paper binance"`
	BaseURL         string  `yaml:"base_url"`
	FeeBps          float64 `yaml:"fee_bps" default:"10"`
	SlippageBps     float64 `yaml:"slippage_bps" default:"5"`
	OrdersPerSecond float64 `yaml:"orders_per_second" default:"10"`
	Burst           int     `yaml:"burst" default:"10"`
	QueueSize       int     `yaml:"queue_size" default:"256"`
	Enabled         bool    `yaml:"enabled" default:"true"`
}

type SecretsConfig struct {
	Path      string `yaml:"path" default:"data/secrets.enc"`
	MasterEnv string `yaml:"master_env" default:"CRYPTOPULL_MASTER_KEY"`
	EnvPrefix string `yaml:"env_prefix" default:"CRYPTOPULL"`
}

type ParametersConfig struct {
	Path  string `yaml:"path" default:"config/parameters.yaml"`
	Watch bool   `yaml:"watch" default:"true"`
}

type SchedulerConfig struct {
	CalibrationInterval time.Duration `yaml:"calibration_interval" default:"24h"`
	RefreshInterval     time.Duration `yaml:"refresh_interval" default:"6h"`
	TRSInterval         time.Duration `yaml:"trs_interval" default:"5m"`
	QueueWorkers        int           `yaml:"queue_workers" default:"1" validate:"min=1"`
	QueueSize           int           `yaml:"queue_size" default:"16" validate:"min=1"`
	RetryLimit          int           `yaml:"retry_limit" default:"3"`
	RetryDelay          time.Duration `yaml:"retry_delay" default:"30s"`
	DeadLetterCap       int           `yaml:"dead_letter_cap" default:"1000"`
}

var validate = validator.New()

// List elements are decoded after the top-level defaults ran, so they fill
// their own defaults before YAML overrides them.
func (p *ProviderConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ProviderConfig
	var v plain
	if err := defaults.Set(&v); err != nil {
		return err
	}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = ProviderConfig(v)
	return nil
}

func (e *ExchangeConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ExchangeConfig
	var v plain
	if err := defaults.Set(&v); err != nil {
		return err
	}
	if err := node.Decode(&v); err != nil {
		return err
	}
	*e = ExchangeConfig(v)
	return nil
}

// Default returns a configuration populated only from default tags.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Load reads and parses a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with CRYPTOPULL_* variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CRYPTOPULL_ENV"); v != "" {
		c.Environment = v
	}
	if v := getenv("CRYPTOPULL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("CRYPTOPULL_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := getenv("CRYPTOPULL_SYMBOLS"); v != "" {
		c.Pipeline.Symbols = splitList(v)
	}
	if v := getenv("CRYPTOPULL_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
		c.Kafka.Enabled = true
	}
	if v := getenv("CRYPTOPULL_REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := getenv("CRYPTOPULL_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("CRYPTOPULL_OPERATOR_TOKEN"); v != "" {
		c.Server.OperatorToken = v
	}
	if v := getenv("CRYPTOPULL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := getenv("CRYPTOPULL_TRADING_MODE"); v != "" {
		c.Orders.Mode = v
	}
	for i := range c.Providers {
		if v := getenv(EnvName(c.Secrets.EnvPrefix, c.Providers[i].Name, "API_KEY")); v != "" {
			c.Providers[i].APIKey = v
		}
	}
}

// EnvName builds a normalized variable name such as CRYPTOPULL_CRYPTO_COMPARE_API_KEY.
func EnvName(prefix, name, suffix string) string {
	var b strings.Builder
	for _, part := range []string{prefix, name, suffix} {
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		for _, r := range strings.ToUpper(part) {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	cr := c.Correlation
	if !(cr.CriticalThreshold <= cr.WarningThreshold && cr.WarningThreshold <= cr.TRSTarget) {
		return fmt.Errorf("correlation thresholds must satisfy critical <= warning <= trs_target")
	}
	r := c.Risk
	if !(r.SoftRatio < 1 && r.BreachRatio > 1 && r.CriticalRatio > r.BreachRatio) {
		return fmt.Errorf("risk ratios must satisfy soft < 1 < breach < critical")
	}
	if c.Transport.Retry.MaxDelay < c.Transport.Retry.BaseDelay {
		return fmt.Errorf("transport.retry.max_delay must be >= base_delay")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	return nil
}

// Redacted returns a copy safe to log: credentials are masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Providers = append([]ProviderConfig(nil), c.Providers...)
	for i := range out.Providers {
		if out.Providers[i].APIKey != "" {
			out.Providers[i].APIKey = "***"
		}
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "***"
	}
	if out.ClickHouse.Password != "" {
		out.ClickHouse.Password = "***"
	}
	if out.Server.OperatorToken != "" {
		out.Server.OperatorToken = "***"
	}
	return out
}
