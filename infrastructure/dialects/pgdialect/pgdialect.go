// Package pgdialect applies migration steps to PostgreSQL.
package pgdialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/schema/reflector"
)

// DefaultSchema is used when no schema is given.
const DefaultSchema = "public"

var flavor = sqldb.Flavor{
	Name:        "postgres",
	Placeholder: sq.Dollar,
	Returning:   true,
	Quote:       '"',
}

type Dialect struct {
	schema string
	dbName string
}

func New(schemaName, dbName string) *Dialect {
	if schemaName == "" {
		schemaName = DefaultSchema
	}
	return &Dialect{schema: schemaName, dbName: dbName}
}

func (d *Dialect) Name() string { return "postgres" }

func (d *Dialect) Flavor() sqldb.Flavor { return flavor }

func (d *Dialect) TransactionalDDL() bool { return true }

func (d *Dialect) SchemaName() string { return d.schema }

func (d *Dialect) Introspect(q sqldb.Querier) reflector.Store {
	return reflector.NewPostgresStore(q, d.dbName)
}

// TryLock uses a session level advisory lock, so it must be released on the
// same connection.
func (d *Dialect) TryLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error) {
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("pg_try_advisory_lock(%d): %w", key, err)
	}
	return ok, nil
}

func (d *Dialect) Unlock(ctx context.Context, conn *sql.Conn, key int64) error {
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&ok); err != nil {
		return fmt.Errorf("pg_advisory_unlock(%d): %w", key, err)
	}
	if !ok {
		return fmt.Errorf("pg_advisory_unlock(%d): lock was not held", key)
	}
	return nil
}

// AlterForeignKeySQL drops the foreign keys currently on the column, fixes
// its nullability and adds the new constraint.
func (d *Dialect) AlterForeignKeySQL(change migration.FieldChange) ([]string, error) {
	q := &sqldb.Quoter{Quote: flavor.Quote}
	table := q.Ident(d.schema + "." + change.Table.TableName)
	col := q.Ident(change.Column.Name)

	var stmts []string
	for _, fk := range change.Existing {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, q.Ident(fk.Name)))
	}

	if change.Column.IsNullable != change.Null {
		action := "SET NOT NULL"
		if change.Null {
			action = "DROP NOT NULL"
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", table, col, action))
	}

	stmts = append(stmts, fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s DEFERRABLE INITIALLY DEFERRED",
		table,
		q.Ident(change.ConstraintName()),
		col,
		q.Ident(d.schema+"."+change.RefTable),
		q.Ident(change.RefColumn),
		change.OnDelete.SQL(),
	))

	if q.Err != nil {
		return nil, q.Err
	}
	return stmts, nil
}

func (d *Dialect) Classify(err error) migration.ErrorClass {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return migration.ClassUnknown
	}
	if pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
		return migration.ClassConstraint
	}
	switch pgErr.Code {
	case pgerrcode.UndefinedTable,
		pgerrcode.UndefinedColumn,
		pgerrcode.UndefinedObject,
		pgerrcode.DuplicateObject,
		pgerrcode.DuplicateTable,
		pgerrcode.DuplicateColumn,
		pgerrcode.InvalidForeignKey,
		pgerrcode.DatatypeMismatch,
		pgerrcode.InvalidTableDefinition:
		return migration.ClassSchema
	}
	return migration.ClassUnknown
}
