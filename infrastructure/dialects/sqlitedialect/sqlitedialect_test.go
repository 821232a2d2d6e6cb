package sqlitedialect_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/infrastructure/dialects/sqlitedialect"
	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/jrazmi/stepwise/schema/reflector"
	"github.com/stretchr/testify/require"
)

func TestAlterForeignKeySQLRebuildsTable(t *testing.T) {
	change := migration.FieldChange{
		Table: &reflector.TableInfo{
			TableName: "build",
			Columns: []reflector.ColumnInfo{
				{Name: "id", DBType: "integer", IsPrimaryKey: true},
				{Name: "part", DBType: "integer", IsNullable: true},
				{Name: "owner", DBType: "integer", IsNullable: true},
				{Name: "quantity", DBType: "integer", HasDefault: true, DefaultValue: "1"},
			},
			ForeignKeys: []reflector.ForeignKeyInfo{
				{ColumnName: "part", RefTable: "part", RefColumn: "id", OnDelete: "NO_ACTION"},
				{ColumnName: "owner", RefTable: "user", RefColumn: "id", OnDelete: "SET_NULL"},
			},
			Indexes: []reflector.IndexInfo{
				{Name: "build_part_idx", Columns: []string{"part"}, Definition: `CREATE INDEX build_part_idx ON build (part)`},
				{Name: "sqlite_autoindex_build_1", Columns: []string{"owner", "quantity"}, Unique: true},
			},
		},
		Column:    reflector.ColumnInfo{Name: "part", DBType: "integer", IsNullable: true},
		RefTable:  "part",
		RefColumn: "id",
		OnDelete:  migration.Cascade,
	}

	stmts, err := sqlitedialect.New("test").AlterForeignKeySQL(change)
	require.NoError(t, err)
	require.Equal(t, []string{
		`CREATE TABLE "new__build" ("id" integer PRIMARY KEY, "part" integer NOT NULL REFERENCES "part" ("id") ON DELETE CASCADE, "owner" integer, "quantity" integer NOT NULL DEFAULT 1, FOREIGN KEY ("owner") REFERENCES "user" ("id") ON DELETE SET NULL)`,
		`INSERT INTO "new__build" ("id", "part", "owner", "quantity") SELECT "id", "part", "owner", "quantity" FROM "build"`,
		`DROP TABLE "build"`,
		`ALTER TABLE "new__build" RENAME TO "build"`,
		`CREATE INDEX build_part_idx ON build (part)`,
		`CREATE UNIQUE INDEX "build_owner_quantity_uniq" ON "build" ("owner", "quantity")`,
	}, stmts)
}

func TestAlterForeignKeySQLKeepsAutoIncrement(t *testing.T) {
	change := migration.FieldChange{
		Table: &reflector.TableInfo{
			TableName: "build",
			Columns: []reflector.ColumnInfo{
				{Name: "id", DBType: "integer", IsPrimaryKey: true, AutoIncrement: true},
				{Name: "part", DBType: "integer", IsNullable: true},
			},
		},
		Column:    reflector.ColumnInfo{Name: "part", DBType: "integer", IsNullable: true},
		RefTable:  "part",
		RefColumn: "id",
		OnDelete:  migration.Cascade,
	}

	stmts, err := sqlitedialect.New("test").AlterForeignKeySQL(change)
	require.NoError(t, err)
	require.Equal(t, []string{
		`CREATE TABLE "new__build" ("id" integer PRIMARY KEY AUTOINCREMENT, "part" integer NOT NULL REFERENCES "part" ("id") ON DELETE CASCADE)`,
		`INSERT INTO "new__build" ("id", "part") SELECT "id", "part" FROM "build"`,
		`DELETE FROM sqlite_sequence WHERE name = 'new__build'`,
		`INSERT INTO sqlite_sequence (name, seq) SELECT 'new__build', seq FROM sqlite_sequence WHERE name = 'build'`,
		`DROP TABLE "build"`,
		`ALTER TABLE "new__build" RENAME TO "build"`,
	}, stmts)
}

func TestAlterForeignKeySQLCompositeKey(t *testing.T) {
	change := migration.FieldChange{
		Table: &reflector.TableInfo{
			TableName: "line",
			Columns: []reflector.ColumnInfo{
				{Name: "build", DBType: "integer", IsPrimaryKey: true},
				{Name: "seq", DBType: "integer", IsPrimaryKey: true},
				{Name: "part", DBType: "integer"},
			},
		},
		Column:    reflector.ColumnInfo{Name: "part", DBType: "integer"},
		RefTable:  "part",
		RefColumn: "id",
		OnDelete:  migration.Restrict,
	}

	stmts, err := sqlitedialect.New("test").AlterForeignKeySQL(change)
	require.NoError(t, err)
	require.Equal(t, `CREATE TABLE "new__line" ("build" integer, "seq" integer, "part" integer NOT NULL REFERENCES "part" ("id") ON DELETE RESTRICT, PRIMARY KEY ("build", "seq"))`, stmts[0])
}

func TestLockIsExclusivePerDatabase(t *testing.T) {
	ctx := context.Background()
	a := sqlitedialect.New(t.Name() + "-a")
	b := sqlitedialect.New(t.Name() + "-b")

	ok, err := a.TryLock(ctx, nil, 7)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.TryLock(ctx, nil, 7)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = b.TryLock(ctx, nil, 7)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Unlock(ctx, nil, 7))
	require.NoError(t, b.Unlock(ctx, nil, 7))

	ok, err = a.TryLock(ctx, nil, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Unlock(ctx, nil, 7))

	require.Error(t, a.Unlock(ctx, nil, 99))
}

func TestPrepareConnRestoresForeignKeys(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	restore, err := sqlitedialect.New("test").PrepareConn(ctx, conn)
	require.NoError(t, err)

	var on int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on))
	require.Equal(t, 0, on)

	require.NoError(t, restore(ctx))
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&on))
	require.Equal(t, 1, on)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE part (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	d := sqlitedialect.New("test")

	_, err = db.ExecContext(ctx, `INSERT INTO part (id, name) VALUES (1, NULL)`)
	require.Error(t, err)
	require.Equal(t, migration.ClassConstraint, d.Classify(err))

	_, err = db.ExecContext(ctx, `SELECT missing FROM part`)
	require.Error(t, err)
	require.Equal(t, migration.ClassSchema, d.Classify(err))

	_, err = db.ExecContext(ctx, `CREATE TABLE part (id INTEGER)`)
	require.Error(t, err)
	require.Equal(t, migration.ClassSchema, d.Classify(err))

	require.Equal(t, migration.ClassUnknown, d.Classify(errors.New("boom")))
}
