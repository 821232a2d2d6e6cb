package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/infrastructure/dialects/sqlitedialect"
	"github.com/jrazmi/stepwise/infrastructure/sqlitedb"
	"github.com/jrazmi/stepwise/sdk/logger"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

const descriptor = `dependencies:
  - app: inventory
    name: 0001_initial
operations:
  - type: alter_field
    model: stock
    field: part
    foreign_key:
      to: part
      on_delete: EXPLODE
`

func TestLoadStepsEmbedded(t *testing.T) {
	steps, err := LoadSteps("", "")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "build.0010_auto_20190505_2233", steps[0].ID().String())

	steps, err = LoadSteps("", "part")
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestLoadStepsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inventory"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory", "0002_stock_part.yaml"), []byte(descriptor), 0644))

	_, err := LoadSteps(dir, "")
	require.ErrorContains(t, err, "unknown on_delete")

	fixed := bytes.Replace([]byte(descriptor), []byte("EXPLODE"), []byte("PROTECT"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory", "0002_stock_part.yaml"), fixed, 0644))

	steps, err := LoadSteps(dir, "inventory")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, migration.StepID{App: "inventory", Name: "0002_stock_part"}, steps[0].ID())
}

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	writeStatus(&buf, []migration.StepStatus{
		{Step: migration.StepID{App: "build", Name: "0009_build_completed_by"}, Status: migration.StatusUnknown, RunID: "r1", AppliedAt: time.Date(2019, 5, 1, 0, 0, 0, 0, time.UTC)},
		{Step: migration.StepID{App: "build", Name: "0010_auto_20190505_2233"}, Status: migration.StatusPending, Checksum: "0123456789abcdef"},
	})

	out := buf.String()
	require.Contains(t, out, "build.0009_build_completed_by")
	require.Contains(t, out, "2019-05-01T00:00:00Z")
	require.Contains(t, out, "pending")
	require.Contains(t, out, "0123456789ab")
	require.NotContains(t, out, "0123456789abcdef")
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	writeResults(&buf, nil)
	require.Equal(t, "nothing to apply\n", buf.String())

	buf.Reset()
	writeResults(&buf, []migration.StepResult{
		{Step: migration.StepID{App: "build", Name: "0010_auto_20190505_2233"}, Status: migration.StatusFailed, Err: errors.New("boom")},
	})
	require.Contains(t, buf.String(), "failed")
	require.Contains(t, buf.String(), "boom")
}

func TestWritePlan(t *testing.T) {
	step := migration.NewStep(migration.StepID{App: "build", Name: "0010"}, nil, nil, "")

	var buf bytes.Buffer
	writePlan(&buf, []migration.PlannedStep{{Step: step, Statements: []string{"ALTER TABLE build"}}})
	require.Contains(t, buf.String(), "-- build.0010")
	require.Contains(t, buf.String(), "ALTER TABLE build;")
}

func TestFindStep(t *testing.T) {
	steps, err := LoadSteps("", "")
	require.NoError(t, err)

	step, ok := FindStep(steps, migration.StepID{App: "build", Name: "0010_auto_20190505_2233"})
	require.True(t, ok)
	require.Equal(t, "migrations/build/0010_auto_20190505_2233.yaml", step.Source())

	_, ok = FindStep(steps, migration.StepID{App: "build", Name: "0009_build_completed_by"})
	require.False(t, ok)
}

func TestNewRunnerRejectsBadLedgerTable(t *testing.T) {
	db, err := sqlitedb.OpenMemory()
	require.NoError(t, err)
	defer db.Close()
	database := &Database{DB: db, Dialect: sqlitedialect.New(t.Name())}

	_, _, err = NewRunner(logger.NewDiscard(), database, Config{LedgerTable: "schema-migrations"})
	require.ErrorContains(t, err, "ledger table")

	runner, metrics, err := NewRunner(logger.NewDiscard(), database, Config{LedgerTable: "schema_migrations", MetricsTextfile: filepath.Join(t.TempDir(), "m.prom")})
	require.NoError(t, err)
	require.NotNil(t, metrics)

	statuses, err := runner.Status(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, statuses)
}
