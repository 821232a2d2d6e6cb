package migration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo"
	"github.com/jrazmi/stepwise/infrastructure/dialects/sqlitedialect"
	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/stretchr/testify/require"
)

func TestApplyRequiresDependency(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()

	results, err := h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.Error(t, err)
	require.True(t, errors.Is(err, migration.ErrOrdering))

	var ordErr *migration.OrderingError
	require.True(t, errors.As(err, &ordErr))
	require.Equal(t, []migration.StepID{completedBy}, ordErr.Missing)

	var stepErr *migration.StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, "build.0010_auto_20190505_2233", stepErr.Step.String())

	require.Len(t, results, 1)
	require.Equal(t, migration.StatusFailed, results[0].Status)

	// Nothing changed.
	require.Equal(t, "NO_ACTION", h.partFK(t).OnDelete)
	require.NotContains(t, h.applied(t), "build.0010_auto_20190505_2233")
}

func TestApplyCascadesDeletes(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)

	widget := h.createPart(t, "Widget", true, true)
	gadget := h.createPart(t, "Gadget", true, true)
	h.insertBuild(t, widget.ID, "first widget run")
	h.insertBuild(t, widget.ID, "second widget run")
	h.insertBuild(t, gadget.ID, "gadget run")

	// Before the step the reference blocks the delete.
	require.Error(t, h.parts.Delete(ctx, widget.ID))

	results, err := h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, migration.StatusApplied, results[0].Status)

	build := h.table(t, "build")
	col, ok := build.Column("part")
	require.True(t, ok)
	require.False(t, col.IsNullable)

	fk := h.partFK(t)
	require.Equal(t, "part", fk.RefTable)
	require.Equal(t, "id", fk.RefColumn)
	require.Equal(t, "CASCADE", fk.OnDelete)

	// Rows and indexes survive the rebuild and enforcement is back on.
	require.Equal(t, 2, h.countBuilds(t, widget.ID))
	require.Equal(t, 1, h.countBuilds(t, gadget.ID))
	var names []string
	for _, idx := range build.Indexes {
		names = append(names, idx.Name)
	}
	require.Contains(t, names, "build_part_idx")
	var fkOn int
	require.NoError(t, h.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fkOn))
	require.Equal(t, 1, fkOn)

	require.NoError(t, h.parts.Delete(ctx, widget.ID))
	require.Equal(t, 0, h.countBuilds(t, widget.ID))
	require.Equal(t, 1, h.countBuilds(t, gadget.ID))

	rec, ok := h.applied(t)["build.0010_auto_20190505_2233"]
	require.True(t, ok)
	require.Equal(t, buildStep(t).Checksum(), rec.Checksum)
	require.NotEmpty(t, rec.RunID)
}

func TestApplyTwiceIsNoop(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)
	step := buildStep(t)

	_, err := h.runner.Apply(ctx, []migration.Step{step})
	require.NoError(t, err)
	first := h.applied(t)["build.0010_auto_20190505_2233"]

	results, err := h.runner.Apply(ctx, []migration.Step{step})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, migration.StatusSkipped, results[0].Status)

	require.Len(t, h.applied(t), 2)
	require.Equal(t, first, h.applied(t)["build.0010_auto_20190505_2233"])
	require.Len(t, h.table(t, "build").ForeignKeys, 1)
}

func TestApplyRejectsNullReferences(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)

	p := h.createPart(t, "Widget", true, true)
	h.insertBuild(t, p.ID, "ok")
	h.insertBuild(t, nil, "orphaned by a null")

	_, err := h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.True(t, errors.Is(err, migration.ErrConstraintViolation))

	var cv *migration.ConstraintViolationError
	require.True(t, errors.As(err, &cv))
	require.Equal(t, "build", cv.Table)
	require.Equal(t, "part", cv.Column)
	require.Equal(t, "NOT NULL", cv.Constraint)
	require.EqualValues(t, 1, cv.Rows)

	col, _ := h.table(t, "build").Column("part")
	require.True(t, col.IsNullable)
	require.NotContains(t, h.applied(t), "build.0010_auto_20190505_2233")
}

func TestApplyRejectsDanglingReferences(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)

	exec(t, h.db, `PRAGMA foreign_keys = OFF; INSERT INTO build (part, title) VALUES (999, 'ghost'); PRAGMA foreign_keys = ON`)

	_, err := h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	var cv *migration.ConstraintViolationError
	require.True(t, errors.As(err, &cv))
	require.Equal(t, "build_part_fk_part_id", cv.Constraint)
	require.EqualValues(t, 1, cv.Rows)
	require.Equal(t, "NO_ACTION", h.partFK(t).OnDelete)
}

func TestApplyMissingTable(t *testing.T) {
	h := newHarness(t, partTable)
	h.baseline(t)

	_, err := h.runner.Apply(context.Background(), []migration.Step{buildStep(t)})
	require.True(t, errors.Is(err, migration.ErrSchemaConflict))

	var sc *migration.SchemaConflictError
	require.True(t, errors.As(err, &sc))
	require.Equal(t, "build", sc.Table)
}

func TestApplyColumnReferencesAnotherTable(t *testing.T) {
	h := newHarness(t, partTable+`;
		CREATE TABLE supplier (id INTEGER PRIMARY KEY);
		CREATE TABLE build (id INTEGER PRIMARY KEY, part INTEGER REFERENCES supplier (id))`)
	h.baseline(t)

	_, err := h.runner.Apply(context.Background(), []migration.Step{buildStep(t)})
	var sc *migration.SchemaConflictError
	require.True(t, errors.As(err, &sc))
	require.Equal(t, "part", sc.Column)
	require.Contains(t, sc.Reason, "supplier")
}

func TestApplyRecordsStepWhenSchemaAlreadyMatches(t *testing.T) {
	h := newHarness(t, partTable+`;
		CREATE TABLE build (id INTEGER PRIMARY KEY, part INTEGER NOT NULL REFERENCES part (id) ON DELETE CASCADE)`)
	h.baseline(t)

	plan, err := h.runner.Plan(context.Background(), []migration.Step{buildStep(t)})
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Empty(t, plan[0].Statements)

	results, err := h.runner.Apply(context.Background(), []migration.Step{buildStep(t)})
	require.NoError(t, err)
	require.Equal(t, migration.StatusApplied, results[0].Status)
	require.Contains(t, h.applied(t), "build.0010_auto_20190505_2233")
}

func TestApplyChecksumDrift(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)

	loaded := buildStep(t)
	original := migration.NewStep(loaded.ID(), loaded.Dependencies(), loaded.Operations(), "aaaa")
	edited := migration.NewStep(loaded.ID(), loaded.Dependencies(), loaded.Operations(), "bbbb")

	_, err := h.runner.Apply(ctx, []migration.Step{original})
	require.NoError(t, err)

	_, err = h.runner.Apply(ctx, []migration.Step{edited})
	require.True(t, errors.Is(err, migration.ErrChecksumMismatch))
}

func TestApplyHaltsAtFirstFailure(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)

	broken := migration.NewStep(migration.StepID{App: "accounts", Name: "0001_owner"}, nil, []migration.AlterField{{
		Model: "account",
		Field: "owner",
		ForeignKey: migration.ForeignKey{
			To:       "part",
			OnDelete: migration.Cascade,
		},
	}}, "x")

	results, err := h.runner.Apply(ctx, []migration.Step{buildStep(t), broken})
	require.True(t, errors.Is(err, migration.ErrSchemaConflict))

	var stepErr *migration.StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, broken.ID(), stepErr.Step)

	require.Len(t, results, 1)
	require.NotContains(t, h.applied(t), "build.0010_auto_20190505_2233")
	require.Equal(t, "NO_ACTION", h.partFK(t).OnDelete)
}

func TestApplyOrdersDependentSteps(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()

	base := migration.NewStep(completedBy, nil, []migration.AlterField{{
		Model: "build",
		Field: "part",
		ForeignKey: migration.ForeignKey{
			To:       "part",
			OnDelete: migration.Restrict,
			Null:     true,
		},
	}}, "base")

	results, err := h.runner.Apply(ctx, []migration.Step{buildStep(t), base})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, completedBy, results[0].Step)
	require.Equal(t, migration.StatusApplied, results[0].Status)
	require.Equal(t, migration.StatusApplied, results[1].Status)
	require.Equal(t, "CASCADE", h.partFK(t).OnDelete)
}

func TestPlanAndStatus(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)
	step := buildStep(t)

	plan, err := h.runner.Plan(ctx, []migration.Step{step})
	require.NoError(t, err)
	require.Len(t, plan, 1)
	require.Equal(t, step.ID(), plan[0].Step.ID())
	require.NotEmpty(t, plan[0].Statements)
	require.True(t, strings.HasPrefix(plan[0].Statements[0], `CREATE TABLE "new__build"`))
	require.Contains(t, plan[0].Statements[0], `REFERENCES "part" ("id") ON DELETE CASCADE`)

	// Planning changes nothing.
	require.Equal(t, "NO_ACTION", h.partFK(t).OnDelete)

	status, err := h.runner.Status(ctx, []migration.Step{step})
	require.NoError(t, err)
	require.Len(t, status, 2)
	require.Equal(t, step.ID(), status[0].Step)
	require.Equal(t, migration.StatusPending, status[0].Status)
	require.Equal(t, completedBy, status[1].Step)
	require.Equal(t, migration.StatusUnknown, status[1].Status)

	_, err = h.runner.Apply(ctx, []migration.Step{step})
	require.NoError(t, err)

	plan, err = h.runner.Plan(ctx, []migration.Step{step})
	require.NoError(t, err)
	require.Empty(t, plan)

	status, err = h.runner.Status(ctx, []migration.Step{step})
	require.NoError(t, err)
	require.Equal(t, migration.StatusApplied, status[0].Status)
	require.NotEmpty(t, status[0].RunID)
	require.False(t, status[0].AppliedAt.IsZero())
}

func TestMarkAppliedChecksDependencies(t *testing.T) {
	h := newHarness(t, seedSchema)

	_, err := h.runner.MarkApplied(context.Background(), buildStep(t))
	require.True(t, errors.Is(err, migration.ErrOrdering))

	h.baseline(t)
	res, err := h.runner.MarkApplied(context.Background(), buildStep(t))
	require.NoError(t, err)
	require.Equal(t, migration.StatusFaked, res.Status)

	// Faking does not touch the schema.
	require.Equal(t, "NO_ACTION", h.partFK(t).OnDelete)

	res, err = h.runner.MarkApplied(context.Background(), buildStep(t))
	require.NoError(t, err)
	require.Equal(t, migration.StatusSkipped, res.Status)
}

func TestApplyLockTimeout(t *testing.T) {
	h := newHarness(t, seedSchema, migration.WithLockKey("held-elsewhere"), migration.WithLockTimeout(0))
	ctx := context.Background()

	key := migration.LockID("held-elsewhere")
	ok, err := h.dialect.TryLock(ctx, nil, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.True(t, errors.Is(err, migration.ErrLockTimeout))

	require.NoError(t, h.dialect.Unlock(ctx, nil, key))
	h.baseline(t)
	_, err = h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.NoError(t, err)
}

func TestApplyWritesMetrics(t *testing.T) {
	metrics := migration.NewMetrics()
	h := newHarness(t, seedSchema, migration.WithMetrics(metrics))
	ctx := context.Background()
	h.baseline(t)

	_, err := h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.NoError(t, err)
	_, err = h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "stepwise_steps_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" {
					counts[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, 1.0, counts["faked"])
	require.Equal(t, 1.0, counts["applied"])
	require.Equal(t, 1.0, counts["skipped"])

	path := filepath.Join(t.TempDir(), "stepwise.prom")
	require.NoError(t, metrics.WriteTextfile(path))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(body), "stepwise_step_duration_seconds")
}

func TestApplyStepMakesReferenceOptional(t *testing.T) {
	h := newHarness(t, partTable+`;
		CREATE TABLE build (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			part INTEGER NOT NULL REFERENCES part (id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT ''
		)`)
	ctx := context.Background()
	h.baseline(t)

	step, err := migration.Parse("migrations/build/0011_build_part_optional.yaml", []byte(`
dependencies:
  - app: build
    name: 0009_build_completed_by
operations:
  - type: alter_field
    model: build
    field: part
    foreign_key:
      to: part
      on_delete: SET_NULL
      related_name: builds
      null: true
`))
	require.NoError(t, err)

	widget := h.createPart(t, "Widget", true, true)
	h.insertBuild(t, widget.ID, "widget run")

	res, err := h.runner.ApplyStep(ctx, step)
	require.NoError(t, err)
	require.Equal(t, migration.StatusApplied, res.Status)
	require.Equal(t, step.ID(), res.Step)

	col, ok := h.table(t, "build").Column("part")
	require.True(t, ok)
	require.True(t, col.IsNullable)
	require.Equal(t, "SET_NULL", h.partFK(t).OnDelete)

	h.insertBuild(t, nil, "unassigned")
	require.NoError(t, h.parts.Delete(ctx, widget.ID))

	var orphaned int
	require.NoError(t, h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM build WHERE part IS NULL`).Scan(&orphaned))
	require.Equal(t, 2, orphaned)

	res, err = h.runner.ApplyStep(ctx, step)
	require.NoError(t, err)
	require.Equal(t, migration.StatusSkipped, res.Status)
}

func TestApplyStepReportsMissingDependency(t *testing.T) {
	h := newHarness(t, seedSchema)

	res, err := h.runner.ApplyStep(context.Background(), buildStep(t))
	require.True(t, errors.Is(err, migration.ErrOrdering))
	require.Equal(t, migration.StatusFailed, res.Status)
	require.Equal(t, buildStep(t).ID(), res.Step)
}

func TestApplyKeepsAutoIncrement(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()
	h.baseline(t)

	p := h.createPart(t, "Widget", true, true)
	for _, title := range []string{"one", "two", "three"} {
		h.insertBuild(t, p.ID, title)
	}
	// The sequence stays at 3 after the newest row is gone.
	exec(t, h.db, `DELETE FROM build WHERE id = 3`)

	_, err := h.runner.Apply(ctx, []migration.Step{buildStep(t)})
	require.NoError(t, err)

	id, ok := h.table(t, "build").Column("id")
	require.True(t, ok)
	require.True(t, id.AutoIncrement)

	var ddl string
	require.NoError(t, h.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'build'`).Scan(&ddl))
	require.Contains(t, ddl, "PRIMARY KEY AUTOINCREMENT")

	h.insertBuild(t, p.ID, "four")
	var maxID int64
	require.NoError(t, h.db.QueryRowContext(ctx, `SELECT MAX(id) FROM build`).Scan(&maxID))
	require.EqualValues(t, 4, maxID)

	// Ids of deleted builds are never handed out again.
	exec(t, h.db, `DELETE FROM build WHERE id = 4`)
	h.insertBuild(t, p.ID, "five")
	require.NoError(t, h.db.QueryRowContext(ctx, `SELECT MAX(id) FROM build`).Scan(&maxID))
	require.EqualValues(t, 5, maxID)
}

// sideWriter lets another connection write just before the step's
// transaction begins, as a second process would.
type sideWriter struct {
	*sqlitedialect.Dialect
	before func(ctx context.Context)
}

func (d *sideWriter) PrepareConn(ctx context.Context, conn *sql.Conn) (func(context.Context) error, error) {
	d.before(ctx)
	return d.Dialect.PrepareConn(ctx, conn)
}

func TestApplySkipsStepRecordedByAnotherProcess(t *testing.T) {
	db, err := sqlitedb.Open(sqlitedb.Options{Path: filepath.Join(t.TempDir(), "shared.db"), BusyTimeout: 5 * time.Second})
	require.NoError(t, err)

	step := buildStep(t)
	dialect := &sideWriter{Dialect: sqlitedialect.New(t.Name())}
	h := newHarnessOn(t, db, dialect, seedSchema)
	h.baseline(t)

	dialect.before = func(ctx context.Context) {
		require.NoError(t, h.ledger.Record(ctx, db, appliedstepsrepo.AppliedStep{
			App:       step.ID().App,
			Name:      step.ID().Name,
			Checksum:  step.Checksum(),
			RunID:     "other-process",
			AppliedAt: time.Now(),
		}))
	}

	results, err := h.runner.Apply(context.Background(), []migration.Step{step})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, migration.StatusSkipped, results[0].Status)

	// The other run owns the ledger row and this run changed nothing.
	require.Equal(t, "other-process", h.applied(t)["build.0010_auto_20190505_2233"].RunID)
	require.Equal(t, "NO_ACTION", h.partFK(t).OnDelete)
}
