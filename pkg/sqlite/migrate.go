package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Migration is one reversible schema step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Checksum fingerprints both directions of the migration.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Name + "\x00" + m.Up + "\x00" + m.Down))
	return hex.EncodeToString(sum[:])
}

// MigrationError reports a failed step; the database stays at Version-1.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
}
func (e *MigrationError) Unwrap() error { return e.Err }
func (e *MigrationError) Code() string  { return "MIGRATION_ERROR" }

// AppliedMigration is a row of the migration log.
type AppliedMigration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	AppliedAt time.Time `json:"applied_at"`
}

const migrationLog = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`

// Migrator applies and rolls back an ordered migration set.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator validates that versions are unique and contiguous from 1.
func NewMigrator(db *DB, migrations []Migration) (*Migrator, error) {
	ms := append([]Migration(nil), migrations...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })
	for i, m := range ms {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration versions must be contiguous from 1, got %d at position %d", m.Version, i)
		}
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d must define up and down", m.Version)
		}
	}
	return &Migrator{db: db.SQL(), migrations: ms}, nil
}

func (m *Migrator) ensureLog(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationLog); err != nil {
		return fmt.Errorf("create migration log: %w", err)
	}
	return nil
}

// Applied lists the migration log in version order.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := m.ensureLog(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read migration log: %w", err)
	}
	defer rows.Close()
	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Version returns the highest applied version, 0 for an empty database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		return 0, nil
	}
	return applied[len(applied)-1].Version, nil
}

// verify checks the log is a gap-free prefix whose checksums still match.
func (m *Migrator) verify(applied []AppliedMigration) error {
	for i, a := range applied {
		if a.Version != i+1 {
			return &MigrationError{Version: i + 1, Err: errors.New("migration log has a gap")}
		}
		if a.Version > len(m.migrations) {
			return &MigrationError{Version: a.Version, Name: a.Name, Err: errors.New("applied migration is unknown to this build")}
		}
		want := m.migrations[i]
		if a.Checksum != want.Checksum() {
			return &MigrationError{Version: a.Version, Name: a.Name, Err: errors.New("checksum mismatch")}
		}
	}
	return nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error { return m.UpTo(ctx, len(m.migrations)) }

// UpTo applies pending migrations up to and including target.
func (m *Migrator) UpTo(ctx context.Context, target int) error {
	if target > len(m.migrations) {
		return fmt.Errorf("target version %d exceeds known %d", target, len(m.migrations))
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	if err := m.verify(applied); err != nil {
		return err
	}
	for v := len(applied) + 1; v <= target; v++ {
		if err := m.apply(ctx, m.migrations[v-1]); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	v, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return m.DownTo(ctx, v-1)
}

// DownTo rolls back until the database is at target.
func (m *Migrator) DownTo(ctx context.Context, target int) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	if err := m.verify(applied); err != nil {
		return err
	}
	for v := len(applied); v > target; v-- {
		if err := m.rollback(ctx, m.migrations[v-1]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mg Migration) error {
	return m.inTx(ctx, mg, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mg.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
			mg.Version, mg.Name, mg.Checksum(), time.Now().UTC())
		return err
	})
}

func (m *Migrator) rollback(ctx context.Context, mg Migration) error {
	return m.inTx(ctx, mg, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mg.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, mg.Version)
		return err
	})
}

func (m *Migrator) inTx(ctx context.Context, mg Migration, fn func(tx *sql.Tx) error) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: mg.Version, Name: mg.Name, Err: err}
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return &MigrationError{Version: mg.Version, Name: mg.Name, Err: err}
	}
	if err = tx.Commit(); err != nil {
		return &MigrationError{Version: mg.Version, Name: mg.Name, Err: err}
	}
	return nil
}

// SchemaDump returns the schema objects (excluding the migration log) in a
// stable order, used to compare database states.
func SchemaDump(ctx context.Context, db *DB) ([]string, error) {
	rows, err := db.SQL().QueryContext(ctx,
		`SELECT type || ' ' || name || ' ' || COALESCE(sql, '') FROM sqlite_master
		 WHERE name NOT LIKE 'sqlite_%' AND name != 'schema_migrations' ORDER BY type, name`)
	if err != nil {
		return nil, fmt.Errorf("dump schema: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
