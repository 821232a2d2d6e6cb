package reflector_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/jrazmi/stepwise/schema/reflector"
	"github.com/stretchr/testify/require"
)

const fixture = `
CREATE TABLE part (
	id INTEGER PRIMARY KEY,
	code TEXT UNIQUE,
	active BOOLEAN NOT NULL DEFAULT 1
);
CREATE TABLE build (
	id INTEGER PRIMARY KEY,
	part INTEGER REFERENCES part ON DELETE SET NULL,
	title VARCHAR(100) NOT NULL
);
CREATE INDEX build_title_idx ON build (title);
`

func newReflector(t *testing.T) *reflector.Reflector {
	t.Helper()

	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(context.Background(), fixture)
	require.NoError(t, err)
	return reflector.NewReflector(reflector.NewSQLiteStore(db, "test"))
}

func TestTableColumnsAndPrimaryKey(t *testing.T) {
	refl := newReflector(t)

	table, err := refl.Table(context.Background(), "main", "part")
	require.NoError(t, err)
	require.Equal(t, "part", table.TableName)
	require.NotNil(t, table.PrimaryKey)
	require.Equal(t, "id", table.PrimaryKey.Column)

	id, ok := table.Column("id")
	require.True(t, ok)
	require.True(t, id.IsPrimaryKey)
	require.False(t, id.IsNullable)

	code, ok := table.Column("code")
	require.True(t, ok)
	require.True(t, code.IsNullable)

	active, ok := table.Column("active")
	require.True(t, ok)
	require.Equal(t, "boolean", active.DBType)
	require.True(t, active.HasDefault)
	require.Equal(t, "1", active.DefaultValue)

	// The UNIQUE column constraint shows up as an index without a definition.
	require.Len(t, table.Indexes, 1)
	require.True(t, table.Indexes[0].Unique)
	require.Equal(t, []string{"code"}, table.Indexes[0].Columns)
	require.Empty(t, table.Indexes[0].Definition)
}

func TestTableForeignKeyDefaultsToPrimaryKey(t *testing.T) {
	refl := newReflector(t)

	table, err := refl.Table(context.Background(), "main", "build")
	require.NoError(t, err)

	fks := table.ForeignKeysOn("part")
	require.Len(t, fks, 1)
	require.Equal(t, "part", fks[0].RefTable)
	require.Equal(t, "id", fks[0].RefColumn)
	require.Equal(t, "SET_NULL", fks[0].OnDelete)
	require.Equal(t, "NO_ACTION", fks[0].OnUpdate)

	col, ok := table.Column("part")
	require.True(t, ok)
	require.True(t, col.IsForeignKey)
	require.Empty(t, table.ForeignKeysOn("title"))

	require.Len(t, table.Indexes, 1)
	require.Equal(t, "build_title_idx", table.Indexes[0].Name)
	require.Contains(t, table.Indexes[0].Definition, "CREATE INDEX build_title_idx")
}

func TestTableNotFound(t *testing.T) {
	refl := newReflector(t)

	_, err := refl.Table(context.Background(), "main", "missing")
	require.True(t, errors.Is(err, reflector.ErrTableNotFound))
}

func TestReflectAndRender(t *testing.T) {
	refl := newReflector(t)

	schema, err := refl.Reflect(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, "sqlite", schema.Source)
	require.Equal(t, "test", schema.Database)
	require.Len(t, schema.Tables, 2)
	require.Contains(t, schema.Tables, "build")
	require.Contains(t, schema.Tables, "part")

	var buf bytes.Buffer
	require.NoError(t, reflector.RenderSQL(&buf, schema))
	out := buf.String()
	require.Contains(t, out, "-- Tables: 2")
	require.Contains(t, out, "CREATE TABLE main.build (")
	require.Contains(t, out, "FOREIGN KEY (part) REFERENCES part(id) ON DELETE SET NULL")
	require.Contains(t, out, "CREATE INDEX build_title_idx ON build (title);")
	require.Contains(t, out, "CREATE UNIQUE INDEX")
}

func TestWriteJSON(t *testing.T) {
	refl := newReflector(t)

	schema, err := refl.Reflect(context.Background(), "main")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, reflector.WriteJSON(schema, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded reflector.ReflectedSchema
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "main", decoded.SchemaName)
	require.Len(t, decoded.Tables["build"].ForeignKeys, 1)
}

func TestNormalizeRule(t *testing.T) {
	require.Equal(t, "SET_NULL", reflector.NormalizeRule(" set null "))
	require.Equal(t, "CASCADE", reflector.NormalizeRule("CASCADE"))
	require.Equal(t, "NO_ACTION", reflector.NormalizeRule("NO ACTION"))
}
