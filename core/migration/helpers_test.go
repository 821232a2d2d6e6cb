package migration_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo"
	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo/stores/appliedstepssqlstore"
	"github.com/jrazmi/stepwise/core/repositories/partsrepo"
	"github.com/jrazmi/stepwise/core/repositories/partsrepo/stores/partssqlstore"
	"github.com/jrazmi/stepwise/infrastructure/dialects/sqlitedialect"
	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/jrazmi/stepwise/schema"
	"github.com/jrazmi/stepwise/schema/reflector"
	"github.com/jrazmi/stepwise/sdk/logger"
	"github.com/stretchr/testify/require"
)

const partTable = `
CREATE TABLE part (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	buildable BOOLEAN NOT NULL DEFAULT 0
)`

// seedSchema is the build table before the step: the part reference is
// nullable and deleting a part is blocked rather than cascaded.
const seedSchema = partTable + `;
CREATE TABLE build (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	part INTEGER REFERENCES part (id),
	title TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX build_part_idx ON build (part)`

var completedBy = migration.StepID{App: "build", Name: "0009_build_completed_by"}

type harness struct {
	db      *sql.DB
	log     *logger.Logger
	dialect migration.Dialect
	ledger  *appliedstepsrepo.Repository
	runner  *migration.Runner
	parts   *partsrepo.Repository
}

func newHarness(t *testing.T, seed string, opts ...migration.Option) *harness {
	t.Helper()

	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	return newHarnessOn(t, db, sqlitedialect.New(t.Name()), seed, opts...)
}

// newHarnessOn runs against db, which may be a file shared with other
// connections.
func newHarnessOn(t *testing.T, db *sql.DB, dialect migration.Dialect, seed string, opts ...migration.Option) *harness {
	t.Helper()
	t.Cleanup(func() { db.Close() })

	exec(t, db, seed)

	log := logger.NewDiscard()
	store, err := appliedstepssqlstore.NewStore(log, dialect.Flavor(), "")
	require.NoError(t, err)
	ledger := appliedstepsrepo.NewRepository(log, store)
	opts = append([]migration.Option{migration.WithLockTimeout(time.Second)}, opts...)

	return &harness{
		db:      db,
		log:     log,
		dialect: dialect,
		ledger:  ledger,
		runner:  migration.NewRunner(log, db, dialect, ledger, opts...),
		parts:   partsrepo.NewRepository(log, partssqlstore.NewStore(log, db, dialect.Flavor())),
	}
}

func exec(t *testing.T, db *sql.DB, script string) {
	t.Helper()
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

// buildStep is the shipped descriptor for the build.part alteration.
func buildStep(t *testing.T) migration.Step {
	t.Helper()
	steps, err := migration.Load(schema.MigrationsFS, schema.MigrationsDir)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	return steps[0]
}

// baseline records the dependency as applied without running anything.
func (h *harness) baseline(t *testing.T) {
	t.Helper()
	res, err := h.runner.MarkApplied(context.Background(), migration.NewStep(completedBy, nil, nil, ""))
	require.NoError(t, err)
	require.Equal(t, migration.StatusFaked, res.Status)
}

func (h *harness) table(t *testing.T, name string) *reflector.TableInfo {
	t.Helper()
	info, err := reflector.NewReflector(h.dialect.Introspect(h.db)).Table(context.Background(), h.dialect.SchemaName(), name)
	require.NoError(t, err)
	return info
}

func (h *harness) partFK(t *testing.T) reflector.ForeignKeyInfo {
	t.Helper()
	fks := h.table(t, "build").ForeignKeysOn("part")
	require.Len(t, fks, 1)
	return fks[0]
}

func (h *harness) createPart(t *testing.T, name string, active, buildable bool) partsrepo.Part {
	t.Helper()
	p, err := h.parts.Create(context.Background(), partsrepo.CreatePart{Name: name, Active: active, Buildable: buildable})
	require.NoError(t, err)
	return p
}

func (h *harness) insertBuild(t *testing.T, part any, title string) {
	t.Helper()
	_, err := h.db.ExecContext(context.Background(), `INSERT INTO build (part, title) VALUES (?, ?)`, part, title)
	require.NoError(t, err)
}

func (h *harness) countBuilds(t *testing.T, partID int64) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM build WHERE part = ?`, partID).Scan(&n))
	return n
}

func (h *harness) applied(t *testing.T) map[string]appliedstepsrepo.AppliedStep {
	t.Helper()
	records, err := h.ledger.List(context.Background(), h.db)
	require.NoError(t, err)
	out := make(map[string]appliedstepsrepo.AppliedStep, len(records))
	for _, rec := range records {
		out[rec.Key()] = rec
	}
	return out
}
