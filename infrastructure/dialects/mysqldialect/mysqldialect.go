// Package mysqldialect applies migration steps to MySQL 8.
//
// MySQL commits every DDL statement implicitly, so the runner executes the
// rendered statements one at a time and reports a step that fails half way
// as partially applied.
package mysqldialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/schema/reflector"
)

var flavor = sqldb.Flavor{
	Name:        "mysql",
	Placeholder: sq.Question,
	Quote:       '`',
}

type Dialect struct {
	dbName string
}

// New returns the dialect for the database dbName, which is also the schema
// introspection runs against.
func New(dbName string) *Dialect {
	return &Dialect{dbName: dbName}
}

func (d *Dialect) Name() string { return "mysql" }

func (d *Dialect) Flavor() sqldb.Flavor { return flavor }

func (d *Dialect) TransactionalDDL() bool { return false }

func (d *Dialect) SchemaName() string { return d.dbName }

func (d *Dialect) Introspect(q sqldb.Querier) reflector.Store {
	return reflector.NewMySQLStore(q, d.dbName)
}

func lockName(key int64) string {
	return fmt.Sprintf("stepwise_%d", key)
}

// TryLock uses GET_LOCK with a zero timeout; the lock belongs to the session.
func (d *Dialect) TryLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, lockName(key)).Scan(&got); err != nil {
		return false, fmt.Errorf("get_lock(%s): %w", lockName(key), err)
	}
	return got.Valid && got.Int64 == 1, nil
}

func (d *Dialect) Unlock(ctx context.Context, conn *sql.Conn, key int64) error {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, lockName(key)).Scan(&released); err != nil {
		return fmt.Errorf("release_lock(%s): %w", lockName(key), err)
	}
	if !released.Valid || released.Int64 != 1 {
		return fmt.Errorf("release_lock(%s): lock was not held", lockName(key))
	}
	return nil
}

// AlterForeignKeySQL drops the column's foreign keys, redeclares the column
// when its nullability changes and adds the new constraint.
func (d *Dialect) AlterForeignKeySQL(change migration.FieldChange) ([]string, error) {
	q := &sqldb.Quoter{Quote: flavor.Quote}
	table := q.Ident(change.Table.TableName)
	col := q.Ident(change.Column.Name)

	var stmts []string
	for _, fk := range change.Existing {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", table, q.Ident(fk.Name)))
	}

	if change.Column.IsNullable != change.Null {
		if change.Column.DBType == "" {
			return nil, fmt.Errorf("column %s.%s has no type to redeclare", change.Table.TableName, change.Column.Name)
		}
		def := change.Column.DBType + " NOT NULL"
		if change.Null {
			def = change.Column.DBType + " NULL"
		}
		if change.Column.Comment != "" {
			def += " COMMENT " + sqldb.QuoteString(change.Column.Comment)
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY %s %s", table, col, def))
	}

	stmts = append(stmts, fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s",
		table,
		q.Ident(change.ConstraintName()),
		col,
		q.Ident(change.RefTable),
		q.Ident(change.RefColumn),
		change.OnDelete.SQL(),
	))

	if q.Err != nil {
		return nil, q.Err
	}
	return stmts, nil
}

func (d *Dialect) Classify(err error) migration.ErrorClass {
	var driverErr *mysql.MySQLError
	if !errors.As(err, &driverErr) {
		return migration.ClassUnknown
	}
	switch driverErr.Number {
	case mysqlerr.ER_BAD_NULL_ERROR,
		mysqlerr.ER_INVALID_USE_OF_NULL,
		mysqlerr.ER_NO_REFERENCED_ROW,
		mysqlerr.ER_NO_REFERENCED_ROW_2,
		mysqlerr.ER_ROW_IS_REFERENCED_2,
		mysqlerr.ER_DUP_ENTRY:
		return migration.ClassConstraint
	case mysqlerr.ER_NO_SUCH_TABLE,
		mysqlerr.ER_BAD_FIELD_ERROR,
		mysqlerr.ER_CANT_DROP_FIELD_OR_KEY,
		mysqlerr.ER_DUP_KEYNAME,
		mysqlerr.ER_TABLE_EXISTS_ERROR,
		mysqlerr.ER_CANNOT_ADD_FOREIGN:
		return migration.ClassSchema
	}
	return migration.ClassUnknown
}
