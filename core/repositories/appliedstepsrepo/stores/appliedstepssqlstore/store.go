package appliedstepssqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jrazmi/stepwise/core/repositories/appliedstepsrepo"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/sdk/logger"
)

// DefaultTable is the ledger table name.
const DefaultTable = "schema_migrations"

var columns = []string{"app", "name", "checksum", "run_id", "applied_at"}

type Store struct {
	log    *logger.Logger
	flavor sqldb.Flavor
	table  string
	quoted string
}

// NewStore returns a ledger store for table, which may be schema qualified.
// An empty table selects DefaultTable.
func NewStore(log *logger.Logger, flavor sqldb.Flavor, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	quoted, err := sqldb.QuoteIdentifier(table, flavor.Quote)
	if err != nil {
		return nil, fmt.Errorf("ledger table: %w", err)
	}
	return &Store{
		log:    log,
		flavor: flavor,
		table:  table,
		quoted: quoted,
	}, nil
}

func (s *Store) EnsureTable(ctx context.Context, q sqldb.Executor) error {
	timestamp := "TIMESTAMP"
	switch s.flavor.Name {
	case "postgres":
		timestamp = "TIMESTAMPTZ"
	case "mysql":
		timestamp = "DATETIME(6)"
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		app VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		checksum VARCHAR(64) NOT NULL,
		run_id VARCHAR(36) NOT NULL,
		applied_at %s NOT NULL,
		PRIMARY KEY (app, name)
	)`, s.quoted, timestamp)

	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, q sqldb.Querier) ([]appliedstepsrepo.AppliedStep, error) {
	query, args, err := s.flavor.Builder().
		Select(columns...).
		From(s.quoted).
		OrderBy("applied_at", "app", "name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []appliedstepsrepo.AppliedStep
	for rows.Next() {
		var rec appliedstepsrepo.AppliedStep
		if err := rows.Scan(&rec.App, &rec.Name, &rec.Checksum, &rec.RunID, &rec.AppliedAt); err != nil {
			return nil, err
		}
		rec.AppliedAt = rec.AppliedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Get(ctx context.Context, q sqldb.Querier, app, name string) (appliedstepsrepo.AppliedStep, error) {
	row, err := sqldb.QueryRow(ctx, q, s.flavor.Builder().
		Select(columns...).
		From(s.quoted).
		Where("app = ? AND name = ?", app, name))
	if err != nil {
		return appliedstepsrepo.AppliedStep{}, err
	}

	var rec appliedstepsrepo.AppliedStep
	err = row.Scan(&rec.App, &rec.Name, &rec.Checksum, &rec.RunID, &rec.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return appliedstepsrepo.AppliedStep{}, appliedstepsrepo.ErrNotFound
	}
	if err != nil {
		return appliedstepsrepo.AppliedStep{}, err
	}
	rec.AppliedAt = rec.AppliedAt.UTC()
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, q sqldb.Executor, rec appliedstepsrepo.AppliedStep) error {
	_, err := sqldb.Exec(ctx, q, s.flavor.Builder().
		Insert(s.quoted).
		Columns(columns...).
		Values(rec.App, rec.Name, rec.Checksum, rec.RunID, rec.AppliedAt.UTC()))
	return err
}
