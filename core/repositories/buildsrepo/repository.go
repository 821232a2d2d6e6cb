// Package buildsrepo stores builds. A build must point at a part that is both
// active and buildable; the repository checks that before every insert
// because the database only enforces that the part exists.
package buildsrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrazmi/stepwise/sdk/logger"
)

const (
	Model     = "build"
	PartField = "part"
)

var (
	ErrNotFound = errors.New("build not found")
)

type Storer interface {
	Create(ctx context.Context, input CreateBuild) (Build, error)
	Get(ctx context.Context, id int64) (Build, error)
	ListByPart(ctx context.Context, partID int64) ([]Build, error)
}

// ChoiceValidator checks a proposed reference against the relation's row
// filter.
type ChoiceValidator interface {
	Validate(ctx context.Context, model, field string, id any) error
}

type Repository struct {
	log     *logger.Logger
	storer  Storer
	choices ChoiceValidator
}

func NewRepository(log *logger.Logger, storer Storer, choices ChoiceValidator) *Repository {
	return &Repository{
		log:     log,
		storer:  storer,
		choices: choices,
	}
}

func (r *Repository) Create(ctx context.Context, input CreateBuild) (Build, error) {
	if err := r.choices.Validate(ctx, Model, PartField, input.PartID); err != nil {
		r.log.WarnContext(ctx, "rejected build", "part_id", input.PartID, "error", err)
		return Build{}, fmt.Errorf("build repository create: %w", err)
	}

	record, err := r.storer.Create(ctx, input)
	if err != nil {
		return Build{}, fmt.Errorf("build repository create: %w", err)
	}
	return record, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (Build, error) {
	record, err := r.storer.Get(ctx, id)
	if err != nil {
		return Build{}, fmt.Errorf("build repository get %d: %w", id, err)
	}
	return record, nil
}

// ListByPart follows the builds reverse relation of a part.
func (r *Repository) ListByPart(ctx context.Context, partID int64) ([]Build, error) {
	records, err := r.storer.ListByPart(ctx, partID)
	if err != nil {
		return nil, fmt.Errorf("build repository list by part %d: %w", partID, err)
	}
	return records, nil
}
