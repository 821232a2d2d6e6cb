// Package sqldb holds the database/sql plumbing shared by every supported
// database: the query interfaces, identifier quoting and the per-database
// statement flavor.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Querier is the read side of *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor is implemented by *sql.DB, *sql.Conn and *sql.Tx.
type Executor interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Flavor captures the statement differences between databases that the
// repositories care about.
type Flavor struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	// Returning is true when INSERT ... RETURNING is available and
	// LastInsertId is not.
	Returning bool
	// Quote is the identifier quote character.
	Quote byte
}

// Builder returns a squirrel statement builder using the flavor's placeholders.
func (f Flavor) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(f.Placeholder)
}

// QuoteIdent quotes a validated identifier. It panics on names that are not
// plain identifiers; callers validate user input before it gets here.
func (f Flavor) QuoteIdent(name string) string {
	quoted, err := QuoteIdentifier(name, f.Quote)
	if err != nil {
		panic(err)
	}
	return quoted
}

// Insert runs b and returns the generated value of idColumn.
func (f Flavor) Insert(ctx context.Context, q Executor, b sq.InsertBuilder, idColumn string) (int64, error) {
	if f.Returning {
		query, args, err := b.Suffix("RETURNING " + f.QuoteIdent(idColumn)).ToSql()
		if err != nil {
			return 0, fmt.Errorf("build insert: %w", err)
		}
		var id int64
		if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Exec builds and executes a statement.
func Exec(ctx context.Context, q Executor, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build statement: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

// QueryRow builds a statement and returns its single row.
func QueryRow(ctx context.Context, q Querier, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

// Count runs a SELECT COUNT(*) style builder and scans the result.
func Count(ctx context.Context, q Querier, b sq.SelectBuilder) (int64, error) {
	row, err := QueryRow(ctx, q, b)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
