package sqlitedb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryEnforcesForeignKeys(t *testing.T) {
	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	var on int
	require.NoError(t, db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&on))
	require.Equal(t, 1, on)
}

func TestOpenMemorySharesOneDatabase(t *testing.T) {
	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, "CREATE TABLE part (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'part'").Scan(&n))
	require.NoError(t, conn.Close())
	require.Equal(t, 1, n)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlitedb.Open(sqlitedb.Options{Path: path})
	require.NoError(t, err)
	defer db.Close()

	var on int
	require.NoError(t, db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&on))
	require.Equal(t, 1, on)
}

func TestNewFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("TOOLING_SQLITE_PATH", path)

	db, got, err := sqlitedb.NewFromEnv("TOOLING")
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, path, got)
	require.NoError(t, db.PingContext(context.Background()))
}

func TestTransactionsTakeWriteLockAtBegin(t *testing.T) {
	db, err := sqlitedb.Open(sqlitedb.Options{Path: filepath.Join(t.TempDir(), "lock.db")})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	first, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer first.Rollback()

	_, err = db.BeginTx(ctx, nil)
	require.Error(t, err)
}
