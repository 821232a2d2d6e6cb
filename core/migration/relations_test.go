package migration_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jrazmi/stepwise/core/migration"
	"github.com/stretchr/testify/require"
)

func TestRelationsFromSteps(t *testing.T) {
	reg, err := migration.Relations([]migration.Step{buildStep(t)})
	require.NoError(t, err)

	rel, ok := reg.Lookup("build", "part")
	require.True(t, ok)
	require.Equal(t, "part", rel.To)
	require.Equal(t, migration.Cascade, rel.OnDelete)
	require.False(t, rel.Null)
	require.Equal(t, migration.RowFilter{"active": true, "buildable": true}, rel.LimitChoicesTo)

	rev, ok := reg.Reverse("part", "builds")
	require.True(t, ok)
	require.Equal(t, rel, rev)

	_, ok = reg.Reverse("part", "build_set")
	require.False(t, ok)
	require.Len(t, reg.All(), 1)
}

func TestRelationsLaterStepWins(t *testing.T) {
	first := migration.NewStep(completedBy, nil, []migration.AlterField{{
		Model:      "build",
		Field:      "part",
		ForeignKey: migration.ForeignKey{To: "part", OnDelete: migration.Restrict, Null: true},
	}}, "")

	reg, err := migration.Relations([]migration.Step{buildStep(t), first})
	require.NoError(t, err)

	rel, ok := reg.Lookup("build", "part")
	require.True(t, ok)
	require.Equal(t, "0010_auto_20190505_2233", rel.Step.Name)

	_, ok = reg.Reverse("part", "build_set")
	require.False(t, ok)
	_, ok = reg.Reverse("part", "builds")
	require.True(t, ok)
}

func TestChoiceValidatorEnforcesRowFilter(t *testing.T) {
	h := newHarness(t, seedSchema)
	ctx := context.Background()

	reg, err := migration.Relations([]migration.Step{buildStep(t)})
	require.NoError(t, err)
	v := migration.NewChoiceValidator(h.db, h.dialect, reg)

	ok := h.createPart(t, "Widget", true, true)
	retired := h.createPart(t, "Retired", false, true)
	purchased := h.createPart(t, "Purchased", true, false)

	require.NoError(t, v.Validate(ctx, "build", "part", ok.ID))

	for _, p := range []int64{retired.ID, purchased.ID} {
		err := v.Validate(ctx, "build", "part", p)
		require.True(t, errors.Is(err, migration.ErrConstraintViolation))

		var cv *migration.ConstraintViolationError
		require.True(t, errors.As(err, &cv))
		require.Equal(t, "limit_choices_to", cv.Constraint)
		require.Contains(t, cv.Reason, "active=true AND buildable=true")
	}

	err = v.Validate(ctx, "build", "part", int64(12345))
	var cv *migration.ConstraintViolationError
	require.True(t, errors.As(err, &cv))
	require.Equal(t, "foreign key", cv.Constraint)

	require.ErrorContains(t, v.Validate(ctx, "build", "owner", ok.ID), "no relation declared")
}
