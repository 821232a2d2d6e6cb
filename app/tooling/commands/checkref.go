package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/sdk/logger"
)

// CheckRef reports whether the row with the given id may be referenced by
// model.field under the relation's row filter.
func CheckRef(ctx context.Context, log *logger.Logger, args []string, database *Database) error {
	fs := flag.NewFlagSet("check-ref", flag.ContinueOnError)
	var sf stepFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() != 3 {
		return errors.New("usage: check-ref [-dir path] model field id")
	}
	model, field := fs.Arg(0), fs.Arg(1)

	var id any = fs.Arg(2)
	if n, err := strconv.ParseInt(fs.Arg(2), 10, 64); err == nil {
		id = n
	}

	steps, err := LoadSteps(sf.dir, sf.app)
	if err != nil {
		return err
	}
	registry, err := migration.Relations(steps)
	if err != nil {
		return fmt.Errorf("build relations: %w", err)
	}

	validator := migration.NewChoiceValidator(database.DB, database.Dialect, registry)
	err = validator.Validate(ctx, model, field, id)
	if errors.Is(err, migration.ErrConstraintViolation) {
		color.New(color.FgRed).Printf("%s.%s = %v rejected: %v\n", model, field, id, err)
		return err
	}
	if err != nil {
		return fmt.Errorf("check ref: %w", err)
	}

	rel, _ := registry.Lookup(model, field)
	log.InfoContext(ctx, "reference accepted", "model", model, "field", field, "id", id, "to", rel.To)
	color.New(color.FgGreen).Printf("%s.%s = %v accepted (%s)\n", model, field, id, rel.LimitChoicesTo)
	return nil
}
