package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMigrations = []Migration{
	{Version: 1, Name: "bars", Up: `CREATE TABLE bars (symbol TEXT NOT NULL, ts TIMESTAMP NOT NULL, close REAL NOT NULL, PRIMARY KEY (symbol, ts));
		CREATE INDEX idx_bars_ts ON bars(ts);`, Down: `DROP INDEX idx_bars_ts; DROP TABLE bars;`},
	{Version: 2, Name: "metrics", Up: `CREATE TABLE metrics (id INTEGER PRIMARY KEY, score REAL NOT NULL);`, Down: `DROP TABLE metrics;`},
}

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(WithPath(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateUpDownRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	m, err := NewMigrator(db, testMigrations)
	require.NoError(t, err)

	require.NoError(t, m.UpTo(ctx, 1))
	require.NoError(t, db.Vacuum(ctx))
	atV1, err := SchemaDump(ctx, db)
	require.NoError(t, err)

	require.NoError(t, m.Up(ctx))
	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, m.Down(ctx))
	require.NoError(t, db.Vacuum(ctx))
	back, err := SchemaDump(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, atV1, back)

	// Re-applying is idempotent.
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))
	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
}

func TestFailedMigrationLeavesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	broken := append([]Migration(nil), testMigrations...)
	broken[1] = Migration{Version: 2, Name: "broken",
		Up:   `CREATE TABLE ok_then_fail (id INTEGER); INSERT INTO nowhere VALUES (1);`,
		Down: `DROP TABLE ok_then_fail;`}
	m, err := NewMigrator(db, broken)
	require.NoError(t, err)

	err = m.Up(ctx)
	var me *MigrationError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 2, me.Version)

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	dump, err := SchemaDump(ctx, db)
	require.NoError(t, err)
	for _, s := range dump {
		assert.NotContains(t, s, "ok_then_fail")
	}
}

func TestChecksumDriftIsRejected(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	m, err := NewMigrator(db, testMigrations)
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx))

	changed := append([]Migration(nil), testMigrations...)
	changed[0].Up += " -- edited"
	m2, err := NewMigrator(db, changed)
	require.NoError(t, err)
	err = m2.Up(ctx)
	var me *MigrationError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 1, me.Version)
}

func TestNewMigratorRejectsGaps(t *testing.T) {
	db := openTemp(t)
	_, err := NewMigrator(db, []Migration{{Version: 2, Name: "x", Up: "SELECT 1", Down: "SELECT 1"}})
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	m, err := NewMigrator(db, testMigrations)
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx))

	_, err = db.SQL().ExecContext(ctx, `INSERT INTO metrics (id, score) VALUES (1, 0.5)`)
	require.NoError(t, err)
	_, err = db.SQL().ExecContext(ctx, `INSERT INTO metrics (id, score) VALUES (1, 0.7)`)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}
