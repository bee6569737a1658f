package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB owns the embedded database: a gorm handle for repositories and the raw
// pool for migrations.
type DB struct {
	gorm *gorm.DB
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database file in WAL mode.
func Open(opts ...Option) (*DB, error) {
	cfg := &Config{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
		LogLevel:        "silent",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}

	level := gormlogger.Silent
	switch cfg.LogLevel {
	case "error":
		level = gormlogger.Error
	case "warn":
		level = gormlogger.Warn
	case "info":
		level = gormlogger.Info
	}

	g, err := gorm.Open(gormsqlite.Open(buildDSN(*cfg)), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(level),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	raw, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite pool: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxOpenConns)
	raw.SetMaxIdleConns(cfg.MaxIdleConns)
	raw.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		raw.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return &DB{gorm: g, sql: raw, path: cfg.Path}, nil
}

func buildDSN(c Config) string {
	if c.Path == ":memory:" {
		return "file::memory:?_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		c.Path, c.BusyTimeout.Milliseconds())
}

// Gorm returns the gorm handle bound to ctx.
func (d *DB) Gorm(ctx context.Context) *gorm.DB { return d.gorm.WithContext(ctx) }

// SQL returns the raw pool.
func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) Path() string { return d.path }

// Tx runs fn in one transaction. It commits when fn returns nil and rolls
// back on error or panic.
func (d *DB) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.gorm.WithContext(ctx).Transaction(fn)
}

// Health performs a ping.
func (d *DB) Health(ctx context.Context) error { return d.sql.PingContext(ctx) }

// Vacuum rebuilds the database file.
func (d *DB) Vacuum(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, "VACUUM")
	return err
}

// Close closes the pool.
func (d *DB) Close() error {
	if d.sql != nil {
		return d.sql.Close()
	}
	return nil
}

// IsUniqueViolation reports whether err is a UNIQUE/PRIMARY KEY conflict.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsBusy reports whether err is a lock contention error.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
