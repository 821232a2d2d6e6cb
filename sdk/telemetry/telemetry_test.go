package telemetry_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jrazmi/stepwise/sdk/telemetry"
)

func TestRunIDRoundTrip(t *testing.T) {
	id := telemetry.NewRunID()
	ctx := telemetry.WithRunID(context.Background(), id)

	if got := telemetry.RunID(ctx); got != id.String() {
		t.Fatalf("RunID() = %q, want %q", got, id.String())
	}
}

func TestRunIDMissing(t *testing.T) {
	got := telemetry.RunID(context.Background())
	if _, err := uuid.Parse(got); err == nil {
		t.Fatalf("RunID() on empty context returned a uuid: %q", got)
	}
}
