package partsrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrazmi/stepwise/sdk/logger"
)

var (
	ErrNotFound = errors.New("part not found")
)

type Storer interface {
	Create(ctx context.Context, input CreatePart) (Part, error)
	Get(ctx context.Context, id int64) (Part, error)
	Delete(ctx context.Context, id int64) error
}

type Repository struct {
	log    *logger.Logger
	storer Storer
}

func NewRepository(log *logger.Logger, storer Storer) *Repository {
	return &Repository{
		log:    log,
		storer: storer,
	}
}

func (r *Repository) Create(ctx context.Context, input CreatePart) (Part, error) {
	if input.Name == "" {
		return Part{}, errors.New("part repository create: name is required")
	}
	record, err := r.storer.Create(ctx, input)
	if err != nil {
		return Part{}, fmt.Errorf("part repository create: %w", err)
	}
	return record, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (Part, error) {
	record, err := r.storer.Get(ctx, id)
	if err != nil {
		return Part{}, fmt.Errorf("part repository get %d: %w", id, err)
	}
	return record, nil
}

// Delete removes the part. Builds that reference it are removed by the
// database through the cascading foreign key.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	if err := r.storer.Delete(ctx, id); err != nil {
		return fmt.Errorf("part repository delete %d: %w", id, err)
	}
	r.log.InfoContext(ctx, "deleted part", "part_id", id)
	return nil
}
