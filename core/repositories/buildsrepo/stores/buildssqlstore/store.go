package buildssqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jrazmi/stepwise/core/repositories/buildsrepo"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/sdk/logger"
)

const table = "build"

var columns = []string{"id", "part", "title", "quantity"}

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

func (s *Store) Create(ctx context.Context, input buildsrepo.CreateBuild) (buildsrepo.Build, error) {
	id, err := s.flavor.Insert(ctx, s.db, s.flavor.Builder().
		Insert(s.flavor.QuoteIdent(table)).
		Columns(s.flavor.QuoteIdent("part"), "title", "quantity").
		Values(input.PartID, input.Title, input.Quantity), "id")
	if err != nil {
		return buildsrepo.Build{}, err
	}
	return buildsrepo.Build{
		ID:       id,
		PartID:   input.PartID,
		Title:    input.Title,
		Quantity: input.Quantity,
	}, nil
}

func (s *Store) Get(ctx context.Context, id int64) (buildsrepo.Build, error) {
	row, err := sqldb.QueryRow(ctx, s.db, s.flavor.Builder().
		Select(s.columns()...).
		From(s.flavor.QuoteIdent(table)).
		Where("id = ?", id))
	if err != nil {
		return buildsrepo.Build{}, err
	}

	var b buildsrepo.Build
	err = row.Scan(&b.ID, &b.PartID, &b.Title, &b.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return buildsrepo.Build{}, buildsrepo.ErrNotFound
	}
	return b, err
}

func (s *Store) ListByPart(ctx context.Context, partID int64) ([]buildsrepo.Build, error) {
	query, args, err := s.flavor.Builder().
		Select(s.columns()...).
		From(s.flavor.QuoteIdent(table)).
		Where(s.flavor.QuoteIdent("part")+" = ?", partID).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []buildsrepo.Build
	for rows.Next() {
		var b buildsrepo.Build
		if err := rows.Scan(&b.ID, &b.PartID, &b.Title, &b.Quantity); err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// columns quotes part, which is a reserved word in some databases.
func (s *Store) columns() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = s.flavor.QuoteIdent(c)
	}
	return out
}
