// Package appliedstepsrepo keeps the ledger of applied migration steps.
//
// Every method takes the executor to run on so the migration runner can keep
// the ledger write inside the same transaction as the DDL it records.
package appliedstepsrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/sdk/logger"
)

var (
	ErrNotFound = errors.New("applied step not found")
)

type Storer interface {
	EnsureTable(ctx context.Context, q sqldb.Executor) error
	List(ctx context.Context, q sqldb.Querier) ([]AppliedStep, error)
	Get(ctx context.Context, q sqldb.Querier, app, name string) (AppliedStep, error)
	Insert(ctx context.Context, q sqldb.Executor, rec AppliedStep) error
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

// EnsureTable creates the ledger table if it does not exist.
func (r *Repository) EnsureTable(ctx context.Context, q sqldb.Executor) error {
	if err := r.storer.EnsureTable(ctx, q); err != nil {
		return fmt.Errorf("applied steps repository ensure table: %w", err)
	}
	return nil
}

// List returns every ledger row ordered by application time.
func (r *Repository) List(ctx context.Context, q sqldb.Querier) ([]AppliedStep, error) {
	records, err := r.storer.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("applied steps repository list: %w", err)
	}
	return records, nil
}

// Get returns ErrNotFound when the step has no ledger row.
func (r *Repository) Get(ctx context.Context, q sqldb.Querier, app, name string) (AppliedStep, error) {
	record, err := r.storer.Get(ctx, q, app, name)
	if err != nil {
		return AppliedStep{}, fmt.Errorf("applied steps repository get %s.%s: %w", app, name, err)
	}
	return record, nil
}

func (r *Repository) Record(ctx context.Context, q sqldb.Executor, rec AppliedStep) error {
	if rec.App == "" || rec.Name == "" {
		return errors.New("applied steps repository record: app and name are required")
	}
	if err := r.storer.Insert(ctx, q, rec); err != nil {
		return fmt.Errorf("applied steps repository record %s: %w", rec.Key(), err)
	}
	r.log.DebugContext(ctx, "recorded applied step", "step", rec.Key(), "checksum", rec.Checksum)
	return nil
}
