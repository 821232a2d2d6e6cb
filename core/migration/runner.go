package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/schema/reflector"
	"github.com/jrazmi/stepwise/sdk/logger"
	"github.com/jrazmi/stepwise/sdk/telemetry"
)

// ErrLockTimeout is returned when another run holds the lock for longer than
// the configured lock timeout.
var ErrLockTimeout = errors.New("migration lock not acquired")

var errLockBusy = errors.New("migration lock busy")

// errRecordedConcurrently means another process recorded the step between
// the ledger read and the transaction.
var errRecordedConcurrently = errors.New("step recorded by another run")

// DefaultLockKey names the lock shared by every runner on a database.
const DefaultLockKey = "stepwise:schema_migrations"

// Status is the outcome of one step in a run.
type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFaked   Status = "faked"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
	// StatusUnknown marks ledger rows with no loaded step.
	StatusUnknown Status = "unknown"
	// StatusDrifted marks applied steps whose descriptor has changed since.
	StatusDrifted Status = "drifted"
)

// StepResult reports what happened to one step.
type StepResult struct {
	Step     StepID
	Status   Status
	Duration time.Duration
	Err      error
}

// PlannedStep is a pending step and the statements it would run.
type PlannedStep struct {
	Step       Step
	Statements []string
}

// StepStatus is one line of Status output.
type StepStatus struct {
	Step      StepID
	Status    Status
	Checksum  string
	RunID     string
	AppliedAt time.Time
}

// Runner applies steps to one database. It holds an exclusive lock for the
// whole run and applies one step at a time on a single pinned connection.
type Runner struct {
	log         *logger.Logger
	db          *sql.DB
	dialect     Dialect
	ledger      *appliedstepsrepo.Repository
	metrics     *Metrics
	lockKey     int64
	lockTimeout time.Duration
	timeout     time.Duration
	now         func() time.Time
}

type Option func(*Runner)

// WithLockTimeout bounds the wait for the run lock. Zero means a single try.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Runner) { r.lockTimeout = d }
}

// WithTimeout bounds a whole run. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithLockKey(key string) Option {
	return func(r *Runner) { r.lockKey = LockID(key) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(log *logger.Logger, db *sql.DB, dialect Dialect, ledger *appliedstepsrepo.Repository, opts ...Option) *Runner {
	r := &Runner{
		log:         log,
		db:          db,
		dialect:     dialect,
		ledger:      ledger,
		lockKey:     LockID(DefaultLockKey),
		lockTimeout: 30 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply applies every pending step in dependency order and stops at the
// first failure, which is returned as a *StepError. Steps already in the
// ledger with the same checksum are skipped.
func (r *Runner) Apply(ctx context.Context, steps []Step) ([]StepResult, error) {
	ordered, err := Sort(steps)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.runContext(ctx)
	defer cancel()

	r.log.InfoContext(ctx, "migration run started", "run_id", telemetry.RunID(ctx), "steps", len(ordered), "dialect", r.dialect.Name())

	var results []StepResult
	err = r.withLock(ctx, func(conn *sql.Conn) error {
		applied, err := r.appliedSet(ctx, conn)
		if err != nil {
			return err
		}

		for _, step := range ordered {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("run interrupted before %s: %w", step.ID(), err)
			}

			res := r.applyOne(ctx, conn, step, applied)
			results = append(results, res)
			r.metrics.observe(res)
			if res.Err != nil {
				return &StepError{Step: step.ID(), Err: res.Err}
			}
			if res.Status == StatusApplied {
				applied[step.ID()] = appliedstepsrepo.AppliedStep{App: step.ID().App, Name: step.ID().Name, Checksum: step.Checksum()}
			}
		}
		return nil
	})
	r.metrics.finishRun()

	if err != nil {
		r.log.ErrorContext(ctx, "migration run failed", "run_id", telemetry.RunID(ctx), "error", err)
		return results, err
	}
	r.log.InfoContext(ctx, "migration run finished", "run_id", telemetry.RunID(ctx), "results", summarize(results))
	return results, nil
}

// ApplyStep applies a single step. Its dependencies must already be applied.
func (r *Runner) ApplyStep(ctx context.Context, step Step) (StepResult, error) {
	results, err := r.Apply(ctx, []Step{step})
	if len(results) == 0 {
		return StepResult{Step: step.ID(), Status: StatusFailed, Err: err}, err
	}
	return results[0], err
}

// MarkApplied records step in the ledger without running its DDL. It is used
// to baseline a database whose schema already matches.
func (r *Runner) MarkApplied(ctx context.Context, step Step) (StepResult, error) {
	ctx, cancel := r.runContext(ctx)
	defer cancel()

	res := StepResult{Step: step.ID()}
	err := r.withLock(ctx, func(conn *sql.Conn) error {
		start := time.Now()
		applied, err := r.appliedSet(ctx, conn)
		if err != nil {
			return err
		}

		res.Status, err = r.checkLedger(step, applied)
		if err != nil || res.Status == StatusSkipped {
			return err
		}
		if err := checkDependencies(step, applied); err != nil {
			return err
		}

		if err := r.ledger.Record(ctx, conn, r.record(ctx, step)); err != nil {
			return err
		}
		res.Status = StatusFaked
		res.Duration = time.Since(start)
		return nil
	})
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		err = &StepError{Step: step.ID(), Err: err}
	}
	r.metrics.observe(res)

	r.log.InfoContext(ctx, "mark applied", "step", step.ID().String(), "status", res.Status, "run_id", telemetry.RunID(ctx))
	return res, err
}

// Plan returns the pending steps in order with the statements each would run
// against the current schema. It creates the ledger table if needed and
// changes nothing else.
func (r *Runner) Plan(ctx context.Context, steps []Step) ([]PlannedStep, error) {
	ordered, err := Sort(steps)
	if err != nil {
		return nil, err
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection: %w", err)
	}
	defer conn.Close()

	if err := r.ledger.EnsureTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := r.appliedSet(ctx, conn)
	if err != nil {
		return nil, err
	}

	var planned []PlannedStep
	for _, step := range ordered {
		status, err := r.checkLedger(step, applied)
		if err != nil {
			return planned, &StepError{Step: step.ID(), Err: err}
		}
		if status == StatusSkipped {
			continue
		}
		if err := checkDependencies(step, applied); err != nil {
			return planned, &StepError{Step: step.ID(), Err: err}
		}

		alts, err := r.alterations(ctx, conn, step)
		if err != nil {
			return planned, &StepError{Step: step.ID(), Err: err}
		}
		p := PlannedStep{Step: step}
		for _, alt := range alts {
			p.Statements = append(p.Statements, alt.stmts...)
		}
		planned = append(planned, p)
		applied[step.ID()] = appliedstepsrepo.AppliedStep{App: step.ID().App, Name: step.ID().Name, Checksum: step.Checksum()}
	}
	return planned, nil
}

// Status lists every loaded step with its ledger state, followed by ledger
// rows that match no loaded step.
func (r *Runner) Status(ctx context.Context, steps []Step) ([]StepStatus, error) {
	ordered, err := Sort(steps)
	if err != nil {
		return nil, err
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection: %w", err)
	}
	defer conn.Close()

	if err := r.ledger.EnsureTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := r.appliedSet(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make([]StepStatus, 0, len(applied)+len(ordered))
	known := make(map[StepID]bool, len(ordered))
	for _, step := range ordered {
		known[step.ID()] = true
		st := StepStatus{Step: step.ID(), Status: StatusPending, Checksum: step.Checksum()}
		if rec, ok := applied[step.ID()]; ok {
			st.Status = StatusApplied
			if rec.Checksum != step.Checksum() {
				st.Status = StatusDrifted
			}
			st.RunID = rec.RunID
			st.AppliedAt = rec.AppliedAt
		}
		out = append(out, st)
	}

	var unknown []StepStatus
	for id, rec := range applied {
		if known[id] {
			continue
		}
		unknown = append(unknown, StepStatus{Step: id, Status: StatusUnknown, Checksum: rec.Checksum, RunID: rec.RunID, AppliedAt: rec.AppliedAt})
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i].Step.less(unknown[j].Step) })
	return append(out, unknown...), nil
}

func (r *Runner) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = telemetry.WithRunID(ctx, telemetry.NewRunID())
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

// withLock pins one connection, takes the run lock on it and makes sure the
// ledger table exists before calling fn.
func (r *Runner) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("pin connection: %w", err)
	}
	defer conn.Close()

	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.lockTimeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		eb.MaxInterval = 2 * time.Second
		eb.MaxElapsedTime = r.lockTimeout
		b = eb
	}

	attempt := func() error {
		ok, err := r.dialect.TryLock(ctx, conn, r.lockKey)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			r.log.DebugContext(ctx, "migration lock busy, waiting", "run_id", telemetry.RunID(ctx))
			return errLockBusy
		}
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errLockBusy) {
			return fmt.Errorf("%w within %s", ErrLockTimeout, r.lockTimeout)
		}
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if err := r.dialect.Unlock(context.WithoutCancel(ctx), conn, r.lockKey); err != nil {
			r.log.ErrorContext(ctx, "release migration lock", "error", err)
		}
	}()

	if err := r.ledger.EnsureTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (r *Runner) appliedSet(ctx context.Context, q sqldb.Querier) (map[StepID]appliedstepsrepo.AppliedStep, error) {
	records, err := r.ledger.List(ctx, q)
	if err != nil {
		return nil, err
	}
	applied := make(map[StepID]appliedstepsrepo.AppliedStep, len(records))
	for _, rec := range records {
		applied[StepID{App: rec.App, Name: rec.Name}] = rec
	}
	return applied, nil
}

func (r *Runner) record(ctx context.Context, step Step) appliedstepsrepo.AppliedStep {
	return appliedstepsrepo.AppliedStep{
		App:       step.ID().App,
		Name:      step.ID().Name,
		Checksum:  step.Checksum(),
		RunID:     telemetry.RunID(ctx),
		AppliedAt: r.now().UTC(),
	}
}

func (r *Runner) applyOne(ctx context.Context, conn *sql.Conn, step Step, applied map[StepID]appliedstepsrepo.AppliedStep) StepResult {
	log := r.log.With("step", step.ID().String(), "run_id", telemetry.RunID(ctx))

	start := time.Now()
	status, err := r.applyStep(ctx, conn, step, applied)
	res := StepResult{Step: step.ID(), Status: status, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		log.ErrorContext(ctx, "step failed", "error", err, "duration", res.Duration)
		return res
	}

	log.InfoContext(ctx, "step "+string(status), "duration", res.Duration)
	return res
}

func (r *Runner) checkLedger(step Step, applied map[StepID]appliedstepsrepo.AppliedStep) (Status, error) {
	rec, ok := applied[step.ID()]
	if !ok {
		return StatusPending, nil
	}
	if rec.Checksum != step.Checksum() {
		return "", fmt.Errorf("%w: %s was applied with checksum %.8s, descriptor now has %.8s", ErrChecksumMismatch, step.ID(), rec.Checksum, step.Checksum())
	}
	return StatusSkipped, nil
}

func checkDependencies(step Step, applied map[StepID]appliedstepsrepo.AppliedStep) error {
	var missing []StepID
	for _, dep := range step.Dependencies() {
		if _, ok := applied[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &OrderingError{Step: step.ID(), Missing: missing}
	}
	return nil
}

func (r *Runner) applyStep(ctx context.Context, conn *sql.Conn, step Step, applied map[StepID]appliedstepsrepo.AppliedStep) (Status, error) {
	status, err := r.checkLedger(step, applied)
	if err != nil || status == StatusSkipped {
		return status, err
	}
	if err := checkDependencies(step, applied); err != nil {
		return "", err
	}

	alts, err := r.alterations(ctx, conn, step)
	if err != nil {
		return "", err
	}
	for _, alt := range alts {
		if len(alt.stmts) == 0 {
			continue
		}
		if err := r.precheck(ctx, conn, alt.change); err != nil {
			return "", err
		}
	}

	rec := r.record(ctx, step)
	if r.dialect.TransactionalDDL() {
		err = r.execTx(ctx, conn, step, alts, rec)
	} else {
		err = r.execSequential(ctx, conn, step, alts, rec)
	}
	if errors.Is(err, errRecordedConcurrently) {
		return StatusSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return StatusApplied, nil
}

type alteration struct {
	change FieldChange
	stmts  []string
}

// alterations resolves each operation against the live schema and renders
// its DDL. Operations the schema already satisfies render no statements.
func (r *Runner) alterations(ctx context.Context, q sqldb.Querier, step Step) ([]alteration, error) {
	refl := reflector.NewReflector(r.dialect.Introspect(q))
	schemaName := r.dialect.SchemaName()

	var alts []alteration
	for _, op := range step.Operations() {
		change, err := resolve(ctx, refl, schemaName, step.ID(), op)
		if err != nil {
			return nil, err
		}

		alt := alteration{change: change}
		if !change.Satisfied() {
			alt.stmts, err = r.dialect.AlterForeignKeySQL(change)
			if err != nil {
				return nil, fmt.Errorf("render %s: %w", op.Describe(), err)
			}
		}
		alts = append(alts, alt)
	}
	return alts, nil
}

func resolve(ctx context.Context, refl *reflector.Reflector, schemaName string, id StepID, op AlterField) (FieldChange, error) {
	fk := op.ForeignKey

	table, err := refl.Table(ctx, schemaName, op.Model)
	if errors.Is(err, reflector.ErrTableNotFound) {
		return FieldChange{}, &SchemaConflictError{Table: op.Model, Reason: "table does not exist", Err: err}
	}
	if err != nil {
		return FieldChange{}, fmt.Errorf("introspect %s: %w", op.Model, err)
	}

	col, ok := table.Column(op.Column())
	if !ok {
		return FieldChange{}, &SchemaConflictError{Table: op.Model, Column: op.Column(), Reason: "column does not exist"}
	}

	ref, err := refl.Table(ctx, schemaName, fk.To)
	if errors.Is(err, reflector.ErrTableNotFound) {
		return FieldChange{}, &SchemaConflictError{Table: fk.To, Reason: "referenced table does not exist", Err: err}
	}
	if err != nil {
		return FieldChange{}, fmt.Errorf("introspect %s: %w", fk.To, err)
	}

	refColumn := fk.ToField
	if refColumn == "" {
		if ref.PrimaryKey == nil {
			return FieldChange{}, &SchemaConflictError{Table: fk.To, Reason: "referenced table has no primary key"}
		}
		refColumn = ref.PrimaryKey.Column
	} else if _, ok := ref.Column(refColumn); !ok {
		return FieldChange{}, &SchemaConflictError{Table: fk.To, Column: refColumn, Reason: "referenced column does not exist"}
	}

	existing := table.ForeignKeysOn(col.Name)
	for _, cur := range existing {
		if cur.RefTable != fk.To {
			return FieldChange{}, &SchemaConflictError{
				Table:  op.Model,
				Column: col.Name,
				Reason: fmt.Sprintf("column already references %s, not %s", cur.RefTable, fk.To),
			}
		}
	}

	return FieldChange{
		Step:      id,
		Table:     table,
		Column:    col,
		RefTable:  fk.To,
		RefColumn: refColumn,
		OnDelete:  fk.OnDelete,
		Null:      fk.Null,
		Existing:  existing,
	}, nil
}

// precheck refuses to alter a column whose current data would break the new
// definition. Offending rows are reported, never changed.
func (r *Runner) precheck(ctx context.Context, q sqldb.Querier, change FieldChange) error {
	f := r.dialect.Flavor()
	table := change.Table.TableName
	col := change.Column.Name

	if !change.Null {
		n, err := sqldb.Count(ctx, q, f.Builder().
			Select("COUNT(*)").
			From(f.QuoteIdent(table)).
			Where(f.QuoteIdent(col)+" IS NULL"))
		if err != nil {
			return fmt.Errorf("count NULL %s.%s: %w", table, col, err)
		}
		if n > 0 {
			return &ConstraintViolationError{Table: table, Column: col, Constraint: "NOT NULL", Rows: n, Reason: "existing rows hold NULL"}
		}
	}

	n, err := sqldb.Count(ctx, q, f.Builder().
		Select("COUNT(*)").
		From(f.QuoteIdent(table)+" t").
		LeftJoin(fmt.Sprintf("%s r ON t.%s = r.%s", f.QuoteIdent(change.RefTable), f.QuoteIdent(col), f.QuoteIdent(change.RefColumn))).
		Where(fmt.Sprintf("t.%s IS NOT NULL AND r.%s IS NULL", f.QuoteIdent(col), f.QuoteIdent(change.RefColumn))))
	if err != nil {
		return fmt.Errorf("count orphans in %s.%s: %w", table, col, err)
	}
	if n > 0 {
		return &ConstraintViolationError{
			Table:      table,
			Column:     col,
			Constraint: change.ConstraintName(),
			Rows:       n,
			Reason:     fmt.Sprintf("rows reference missing %s.%s", change.RefTable, change.RefColumn),
		}
	}
	return nil
}

func (r *Runner) classify(change FieldChange, err error) error {
	table, col := change.Table.TableName, change.Column.Name
	switch r.dialect.Classify(err) {
	case ClassConstraint:
		return &ConstraintViolationError{Table: table, Column: col, Constraint: change.ConstraintName(), Reason: "rejected by database", Err: err}
	case ClassSchema:
		return &SchemaConflictError{Table: table, Column: col, Reason: "rejected by database", Err: err}
	}
	return fmt.Errorf("alter %s.%s: %w", table, col, err)
}

// execTx runs the DDL and the ledger write in one transaction.
func (r *Runner) execTx(ctx context.Context, conn *sql.Conn, step Step, alts []alteration, rec appliedstepsrepo.AppliedStep) error {
	if p, ok := r.dialect.(ConnPreparer); ok && hasStatements(alts) {
		restore, err := p.PrepareConn(ctx, conn)
		if err != nil {
			return fmt.Errorf("prepare connection: %w", err)
		}
		defer func() {
			if err := restore(context.WithoutCancel(ctx)); err != nil {
				r.log.ErrorContext(ctx, "restore connection state", "step", step.ID().String(), "error", err)
			}
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-read under the transaction; a process-local run lock does not
	// keep other processes out.
	prev, err := r.ledger.Get(ctx, tx, rec.App, rec.Name)
	switch {
	case err == nil:
		if _, err := r.checkLedger(step, map[StepID]appliedstepsrepo.AppliedStep{step.ID(): prev}); err != nil {
			return err
		}
		return errRecordedConcurrently
	case !errors.Is(err, appliedstepsrepo.ErrNotFound):
		return fmt.Errorf("read ledger: %w", err)
	}

	verifier, verify := r.dialect.(Verifier)
	for _, alt := range alts {
		for _, stmt := range alt.stmts {
			r.log.DebugContext(ctx, "exec", "step", step.ID().String(), "sql", stmt)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return r.classify(alt.change, err)
			}
		}
		if verify && len(alt.stmts) > 0 {
			if err := verifier.Verify(ctx, tx, alt.change); err != nil {
				return err
			}
		}
	}

	if err := r.ledger.Record(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// execSequential runs statements one at a time for databases that commit DDL
// implicitly. A failure after anything has run leaves the step half done.
func (r *Runner) execSequential(ctx context.Context, conn *sql.Conn, step Step, alts []alteration, rec appliedstepsrepo.AppliedStep) error {
	var executed []string
	for _, alt := range alts {
		for _, stmt := range alt.stmts {
			r.log.DebugContext(ctx, "exec", "step", step.ID().String(), "sql", stmt)
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				err = r.classify(alt.change, err)
				if len(executed) > 0 {
					return &PartiallyAppliedError{Step: step.ID(), Executed: executed, Err: err}
				}
				return err
			}
			executed = append(executed, stmt)
		}
	}

	if err := r.ledger.Record(ctx, conn, rec); err != nil {
		if len(executed) > 0 {
			return &PartiallyAppliedError{Step: step.ID(), Executed: executed, Err: err}
		}
		return err
	}
	return nil
}

func hasStatements(alts []alteration) bool {
	for _, alt := range alts {
		if len(alt.stmts) > 0 {
			return true
		}
	}
	return false
}

func summarize(results []StepResult) map[Status]int {
	counts := make(map[Status]int)
	for _, res := range results {
		counts[res.Status]++
	}
	return counts
}

// LockID maps a lock name to the id passed to Dialect.TryLock.
func LockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
