// Package telemetry carries per-run identity on the context.
package telemetry

import (
	"context"

	"github.com/google/uuid"
)

type telKey int

const (
	runIDKey telKey = iota + 1
)

const noRun = "--------NORUN--------"

// NewRunID returns a fresh identifier for one runner invocation.
func NewRunID() uuid.UUID {
	return uuid.New()
}

// WithRunID stores id on the context.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunID returns the run identifier stored on ctx, or a placeholder when none
// was set.
func RunID(ctx context.Context) string {
	v, ok := ctx.Value(runIDKey).(uuid.UUID)
	if !ok {
		return noRun
	}
	return v.String()
}
