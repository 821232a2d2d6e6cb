package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/schema"
	"github.com/jrazmi/stepwise/sdk/logger"
	"github.com/olekukonko/tablewriter"
)

// stepFlags are the flags every step-reading command accepts.
type stepFlags struct {
	dir string
	app string
}

func (s *stepFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.dir, "dir", "", "Directory of step descriptors (default: embedded steps)")
	fs.StringVar(&s.app, "app", "", "Only consider steps of this app")
}

// LoadSteps reads descriptors from dir, or the embedded set when dir is
// empty, keeping only steps of app when it is set.
func LoadSteps(dir, app string) ([]migration.Step, error) {
	var (
		steps []migration.Step
		err   error
	)
	if dir == "" {
		steps, err = migration.Load(schema.MigrationsFS, schema.MigrationsDir)
	} else {
		steps, err = migration.Load(os.DirFS(dir), ".")
	}
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	if app == "" {
		return steps, nil
	}

	var filtered []migration.Step
	for _, s := range steps {
		if s.ID().App == app {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// FindStep returns the loaded step with the given id.
func FindStep(steps []migration.Step, id migration.StepID) (migration.Step, bool) {
	for _, s := range steps {
		if s.ID() == id {
			return s, true
		}
	}
	return migration.Step{}, false
}

// Migrate applies every pending step, or only the one named by -step.
func Migrate(ctx context.Context, log *logger.Logger, args []string, runner *migration.Runner, metrics *migration.Metrics, cfg Config) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var sf stepFlags
	sf.register(fs)
	only := fs.String("step", "", "Apply only this step (app.name); its dependencies must already be applied")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	steps, err := LoadSteps(sf.dir, sf.app)
	if err != nil {
		return err
	}

	var results []migration.StepResult
	if *only != "" {
		id, perr := migration.ParseStepID(*only)
		if perr != nil {
			return perr
		}
		step, ok := FindStep(steps, id)
		if !ok {
			return fmt.Errorf("no descriptor for step %s", id)
		}
		log.InfoContext(ctx, "migration started", "step", id.String())

		var res migration.StepResult
		res, err = runner.ApplyStep(ctx, step)
		results = []migration.StepResult{res}
	} else {
		log.InfoContext(ctx, "migration started", "steps", len(steps))
		results, err = runner.Apply(ctx, steps)
	}
	writeResults(os.Stdout, results)

	if metrics != nil {
		if werr := metrics.WriteTextfile(cfg.MetricsTextfile); werr != nil {
			log.ErrorContext(ctx, "write metrics textfile", "path", cfg.MetricsTextfile, "error", werr)
		}
	}
	if err != nil {
		var partial *migration.PartiallyAppliedError
		if errors.As(err, &partial) {
			color.New(color.FgRed).Fprintln(os.Stderr, "\nERROR: the step was partially applied; these statements already ran:")
			for _, stmt := range partial.Executed {
				fmt.Fprintln(os.Stderr, "  "+stmt)
			}
		}
		return fmt.Errorf("migrate database: %w", err)
	}

	log.InfoContext(ctx, "migrations completed successfully")
	return nil
}

// Plan prints the statements pending steps would run.
func Plan(ctx context.Context, log *logger.Logger, args []string, runner *migration.Runner) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	var sf stepFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	steps, err := LoadSteps(sf.dir, sf.app)
	if err != nil {
		return err
	}

	planned, err := runner.Plan(ctx, steps)
	writePlan(os.Stdout, planned)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	log.InfoContext(ctx, "plan complete", "pending", len(planned))
	return nil
}

// Status prints every step with its ledger state.
func Status(ctx context.Context, args []string, runner *migration.Runner) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var sf stepFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	steps, err := LoadSteps(sf.dir, sf.app)
	if err != nil {
		return err
	}

	statuses, err := runner.Status(ctx, steps)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	writeStatus(os.Stdout, statuses)
	return nil
}

// MarkApplied records app.name in the ledger without running it. A step
// with no descriptor is recorded with an empty checksum, which baselines
// history that predates the descriptors.
func MarkApplied(ctx context.Context, log *logger.Logger, args []string, runner *migration.Runner) error {
	fs := flag.NewFlagSet("mark-applied", flag.ContinueOnError)
	var sf stepFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() != 1 {
		return errors.New("usage: mark-applied [-dir path] app.name")
	}

	id, err := migration.ParseStepID(fs.Arg(0))
	if err != nil {
		return err
	}
	steps, err := LoadSteps(sf.dir, "")
	if err != nil {
		return err
	}

	step, ok := FindStep(steps, id)
	if !ok {
		step = migration.NewStep(id, nil, nil, "")
		log.InfoContext(ctx, "no descriptor for step, recording baseline", "step", id.String())
	}

	res, err := runner.MarkApplied(ctx, step)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	fmt.Printf("%s %s\n", id, statusColor(res.Status).Sprint(res.Status))
	return nil
}

func statusColor(s migration.Status) *color.Color {
	switch s {
	case migration.StatusApplied, migration.StatusFaked:
		return color.New(color.FgGreen)
	case migration.StatusPending, migration.StatusSkipped:
		return color.New(color.FgYellow)
	case migration.StatusFailed, migration.StatusDrifted:
		return color.New(color.FgRed)
	}
	return color.New(color.FgWhite)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func writeResults(w io.Writer, results []migration.StepResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "nothing to apply")
		return
	}
	table := newTable(w, []string{"step", "status", "duration", "error"})
	for _, res := range results {
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		table.Append([]string{res.Step.String(), statusColor(res.Status).Sprint(res.Status), res.Duration.Round(time.Millisecond).String(), msg})
	}
	table.Render()
}

func writePlan(w io.Writer, planned []migration.PlannedStep) {
	if len(planned) == 0 {
		fmt.Fprintln(w, "no pending steps")
		return
	}
	for _, p := range planned {
		color.New(color.FgCyan).Fprintf(w, "-- %s\n", p.Step.ID())
		if len(p.Statements) == 0 {
			fmt.Fprintln(w, "-- schema already matches; only the ledger row will be written")
		}
		for _, stmt := range p.Statements {
			fmt.Fprintf(w, "%s;\n", stmt)
		}
		fmt.Fprintln(w)
	}
}

func writeStatus(w io.Writer, statuses []migration.StepStatus) {
	table := newTable(w, []string{"step", "status", "applied at", "run id", "checksum"})
	for _, st := range statuses {
		appliedAt := ""
		if !st.AppliedAt.IsZero() {
			appliedAt = st.AppliedAt.Format(time.RFC3339)
		}
		checksum := st.Checksum
		if len(checksum) > 12 {
			checksum = checksum[:12]
		}
		table.Append([]string{st.Step.String(), statusColor(st.Status).Sprint(st.Status), appliedAt, st.RunID, checksum})
	}
	table.Render()
}
