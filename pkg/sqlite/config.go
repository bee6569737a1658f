package sqlite

import "time"

// Option configures DB.
type Option func(*Config)

// Config holds embedded database settings.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
	LogLevel        string // silent, error, warn, info
}

// WithPath sets the database file path. ":memory:" is accepted for tests.
func WithPath(path string) Option {
	return func(c *Config) { c.Path = path }
}

// WithPool sets connection pool limits.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
		c.ConnMaxLifetime = lifetime
	}
}

// WithBusyTimeout sets how long a writer waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) { c.BusyTimeout = d }
}

// WithLogLevel sets the gorm statement log level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}
