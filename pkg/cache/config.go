package cache

import "time"

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	PoolTimeout  time.Duration
	MinIdleConns int
	DialTimeout  time.Duration
	Prefix       string
}

// RedisOption configures Redis cache.
type RedisOption func(*RedisConfig)

func defaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		Prefix:       "cryptopull",
	}
}

func WithRedisHost(host string) RedisOption {
	return func(c *RedisConfig) { c.Host = host }
}

func WithRedisPort(port int) RedisOption {
	return func(c *RedisConfig) {
		if port > 0 {
			c.Port = port
		}
	}
}

func WithRedisPassword(password string) RedisOption {
	return func(c *RedisConfig) { c.Password = password }
}

func WithRedisDB(db int) RedisOption {
	return func(c *RedisConfig) { c.DB = db }
}

// WithRedisPool sets connection pool settings; zero values keep defaults.
func WithRedisPool(poolSize, minIdleConns int, timeout time.Duration) RedisOption {
	return func(c *RedisConfig) {
		if poolSize > 0 {
			c.PoolSize = poolSize
		}
		if minIdleConns >= 0 {
			c.MinIdleConns = minIdleConns
		}
		if timeout > 0 {
			c.PoolTimeout = timeout
		}
	}
}

// WithRedisPrefix namespaces every key, so several deployments can share
// one Redis database.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) { c.Prefix = prefix }
}

// MemoryConfig holds memory cache configuration.
type MemoryConfig struct {
	MaxSize         int
	MaxBytes        int64
	CleanupInterval time.Duration
}

// MemoryOption configures Memory cache.
type MemoryOption func(*MemoryConfig)

func defaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{MaxSize: 1000, MaxBytes: 64 << 20, CleanupInterval: 5 * time.Minute}
}

func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) { c.MaxSize = size }
}

// WithMemoryMaxBytes bounds the total payload bytes held.
func WithMemoryMaxBytes(n int64) MemoryOption {
	return func(c *MemoryConfig) { c.MaxBytes = n }
}

// WithMemoryCleanup sets how often expired entries are swept; zero
// disables the sweep and expiry happens on read only.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) { c.CleanupInterval = interval }
}

// LayeredConfig configures the memory tier of LayeredCache.
type LayeredConfig struct {
	Memory []MemoryOption
}

// LayeredOption configures Layered cache.
type LayeredOption func(*LayeredConfig)

// WithLayeredMemorySize sets L1 entry bound.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(c *LayeredConfig) { c.Memory = append(c.Memory, WithMemoryMaxSize(size)) }
}

// WithLayeredMemoryBytes sets the L1 byte bound.
func WithLayeredMemoryBytes(n int64) LayeredOption {
	return func(c *LayeredConfig) { c.Memory = append(c.Memory, WithMemoryMaxBytes(n)) }
}

func WithLayeredCleanup(interval time.Duration) LayeredOption {
	return func(c *LayeredConfig) { c.Memory = append(c.Memory, WithMemoryCleanup(interval)) }
}
