package migration

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Each typed error below matches its sentinel.
var (
	ErrOrdering            = errors.New("migration ordering")
	ErrSchemaConflict      = errors.New("schema conflict")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrPartiallyApplied    = errors.New("partially applied")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)

// OrderingError reports a dependency that has not been applied, or a cycle.
type OrderingError struct {
	Step    StepID
	Missing []StepID
	Cycle   []StepID
}

func (e *OrderingError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("dependency cycle: %s", joinIDs(e.Cycle, " -> "))
	}
	return fmt.Sprintf("step %s depends on %s, which has not been applied", e.Step, joinIDs(e.Missing, ", "))
}

func (e *OrderingError) Is(target error) bool { return target == ErrOrdering }

// SchemaConflictError reports a target that is missing or was already altered
// in a way the step cannot reconcile.
type SchemaConflictError struct {
	Table  string
	Column string
	Reason string
	Err    error
}

func (e *SchemaConflictError) Error() string {
	target := e.Table
	if e.Column != "" {
		target += "." + e.Column
	}
	if target == "" {
		return "schema conflict: " + e.Reason
	}
	return fmt.Sprintf("schema conflict on %s: %s", target, e.Reason)
}

func (e *SchemaConflictError) Is(target error) bool { return target == ErrSchemaConflict }

func (e *SchemaConflictError) Unwrap() error { return e.Err }

// ConstraintViolationError reports existing or proposed data that breaks a
// constraint. The data is never corrected automatically.
type ConstraintViolationError struct {
	Table      string
	Column     string
	Constraint string
	Rows       int64
	Reason     string
	Err        error
}

func (e *ConstraintViolationError) Error() string {
	msg := fmt.Sprintf("constraint violation on %s.%s", e.Table, e.Column)
	if e.Constraint != "" {
		msg += " (" + e.Constraint + ")"
	}
	msg += ": " + e.Reason
	if e.Rows > 0 {
		msg += fmt.Sprintf(" [%d rows]", e.Rows)
	}
	return msg
}

func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

func (e *ConstraintViolationError) Unwrap() error { return e.Err }

// PartiallyAppliedError is returned when a database without transactional DDL
// failed after some statements had already taken effect. Executed lists those
// statements so an operator can inspect the schema.
type PartiallyAppliedError struct {
	Step     StepID
	Executed []string
	Err      error
}

func (e *PartiallyAppliedError) Error() string {
	return fmt.Sprintf("step %s partially applied after %d statement(s), manual inspection required: %v", e.Step, len(e.Executed), e.Err)
}

func (e *PartiallyAppliedError) Is(target error) bool { return target == ErrPartiallyApplied }

func (e *PartiallyAppliedError) Unwrap() error { return e.Err }

// StepError names the step at which a run halted.
type StepError struct {
	Step StepID
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func joinIDs(ids []StepID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, sep)
}
