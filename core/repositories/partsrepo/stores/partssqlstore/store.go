package partssqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jrazmi/stepwise/core/repositories/partsrepo"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/sdk/logger"
)

const table = "part"

type Store struct {
	log    *logger.Logger
	db     sqldb.Executor
	flavor sqldb.Flavor
}

func NewStore(log *logger.Logger, db sqldb.Executor, flavor sqldb.Flavor) *Store {
	return &Store{
		log:    log,
		db:     db,
		flavor: flavor,
	}
}

func (s *Store) Create(ctx context.Context, input partsrepo.CreatePart) (partsrepo.Part, error) {
	id, err := s.flavor.Insert(ctx, s.db, s.flavor.Builder().
		Insert(s.flavor.QuoteIdent(table)).
		Columns("name", "active", "buildable").
		Values(input.Name, input.Active, input.Buildable), "id")
	if err != nil {
		return partsrepo.Part{}, err
	}
	return partsrepo.Part{
		ID:        id,
		Name:      input.Name,
		Active:    input.Active,
		Buildable: input.Buildable,
	}, nil
}

func (s *Store) Get(ctx context.Context, id int64) (partsrepo.Part, error) {
	row, err := sqldb.QueryRow(ctx, s.db, s.flavor.Builder().
		Select("id", "name", "active", "buildable").
		From(s.flavor.QuoteIdent(table)).
		Where("id = ?", id))
	if err != nil {
		return partsrepo.Part{}, err
	}

	var p partsrepo.Part
	err = row.Scan(&p.ID, &p.Name, &p.Active, &p.Buildable)
	if errors.Is(err, sql.ErrNoRows) {
		return partsrepo.Part{}, partsrepo.ErrNotFound
	}
	return p, err
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := sqldb.Exec(ctx, s.db, s.flavor.Builder().
		Delete(s.flavor.QuoteIdent(table)).
		Where("id = ?", id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return partsrepo.ErrNotFound
	}
	return nil
}
