// Package sqlitedialect applies migration steps to SQLite.
//
// SQLite cannot alter a column's constraints in place, so a step rebuilds the
// table: create new__<table> with the new definition, copy the rows, drop the
// old table, rename and recreate its indexes. Foreign key enforcement is
// switched off on the pinned connection while this happens and the result is
// checked with PRAGMA foreign_key_check before commit.
package sqlitedialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jrazmi/stepwise/core/migration"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/schema/reflector"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schemaName = "main"

var flavor = sqldb.Flavor{
	Name:        "sqlite",
	Placeholder: sq.Question,
	Quote:       '"',
}

// SQLite has no advisory locks. Runners in one process serialize on these
// mutexes. Across processes the step transaction begins IMMEDIATE and the
// runner re-reads the ledger inside it, so the later run skips the step.
var locks sync.Map

type Dialect struct {
	dbName string
}

func New(dbName string) *Dialect {
	return &Dialect{dbName: dbName}
}

func (d *Dialect) Name() string { return "sqlite" }

func (d *Dialect) Flavor() sqldb.Flavor { return flavor }

func (d *Dialect) TransactionalDDL() bool { return true }

func (d *Dialect) SchemaName() string { return schemaName }

func (d *Dialect) Introspect(q sqldb.Querier) reflector.Store {
	return reflector.NewSQLiteStore(q, d.dbName)
}

func (d *Dialect) TryLock(ctx context.Context, _ *sql.Conn, key int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	mu, _ := locks.LoadOrStore(d.lockName(key), &sync.Mutex{})
	return mu.(*sync.Mutex).TryLock(), nil
}

func (d *Dialect) Unlock(_ context.Context, _ *sql.Conn, key int64) error {
	mu, ok := locks.Load(d.lockName(key))
	if !ok {
		return fmt.Errorf("unlock %d: lock was not held", key)
	}
	mu.(*sync.Mutex).Unlock()
	return nil
}

func (d *Dialect) lockName(key int64) string {
	return fmt.Sprintf("%s#%d", d.dbName, key)
}

// PrepareConn turns foreign key enforcement off for the rebuild. The pragma
// has no effect inside a transaction, so it runs on the bare connection.
func (d *Dialect) PrepareConn(ctx context.Context, conn *sql.Conn) (func(context.Context) error, error) {
	var enabled int
	if err := conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&enabled); err != nil {
		return nil, fmt.Errorf("read foreign_keys: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return nil, fmt.Errorf("disable foreign_keys: %w", err)
	}
	return func(ctx context.Context) error {
		if enabled == 0 {
			return nil
		}
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			return fmt.Errorf("enable foreign_keys: %w", err)
		}
		return nil
	}, nil
}

// Verify reports rows of the rebuilt table whose references do not resolve.
func (d *Dialect) Verify(ctx context.Context, q sqldb.Querier, change migration.FieldChange) error {
	table, err := sqldb.QuoteIdentifier(change.Table.TableName, flavor.Quote)
	if err != nil {
		return err
	}
	rows, err := q.QueryContext(ctx, "PRAGMA foreign_key_check("+table+")")
	if err != nil {
		return fmt.Errorf("foreign_key_check %s: %w", change.Table.TableName, err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("foreign_key_check %s: %w", change.Table.TableName, err)
	}
	if n > 0 {
		return &migration.ConstraintViolationError{
			Table:      change.Table.TableName,
			Column:     change.Column.Name,
			Constraint: change.ConstraintName(),
			Rows:       n,
			Reason:     "foreign_key_check failed after rebuild",
		}
	}
	return nil
}

// AlterForeignKeySQL renders the table rebuild.
func (d *Dialect) AlterForeignKeySQL(change migration.FieldChange) ([]string, error) {
	t := change.Table
	q := &sqldb.Quoter{Quote: flavor.Quote}
	tmp := "new__" + t.TableName

	var pkCols []string
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			pkCols = append(pkCols, c.Name)
		}
	}

	var (
		defs  []string
		names []string
		auto  bool
	)
	for _, c := range t.Columns {
		names = append(names, q.Ident(c.Name))

		def := q.Ident(c.Name)
		if c.DBType != "" {
			def += " " + c.DBType
		}
		altered := c.Name == change.Column.Name
		switch {
		case altered && !change.Null:
			def += " NOT NULL"
		case !altered && !c.IsNullable && !c.IsPrimaryKey:
			def += " NOT NULL"
		}
		if c.IsPrimaryKey && len(pkCols) == 1 {
			def += " PRIMARY KEY"
			if c.AutoIncrement {
				def += " AUTOINCREMENT"
				auto = true
			}
		}
		if c.HasDefault {
			def += " DEFAULT " + c.DefaultValue
		}
		if altered {
			def += fmt.Sprintf(" REFERENCES %s (%s) ON DELETE %s",
				q.Ident(change.RefTable), q.Ident(change.RefColumn), change.OnDelete.SQL())
		}
		defs = append(defs, def)
	}

	if len(pkCols) > 1 {
		cols := make([]string, len(pkCols))
		for i, c := range pkCols {
			cols[i] = q.Ident(c)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}

	for _, fk := range t.ForeignKeys {
		if fk.ColumnName == change.Column.Name {
			continue
		}
		def := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", q.Ident(fk.ColumnName), q.Ident(fk.RefTable), q.Ident(fk.RefColumn))
		if rule := ruleSQL(fk.OnDelete); rule != "" {
			def += " ON DELETE " + rule
		}
		if rule := ruleSQL(fk.OnUpdate); rule != "" {
			def += " ON UPDATE " + rule
		}
		defs = append(defs, def)
	}

	cols := strings.Join(names, ", ")
	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", q.Ident(tmp), strings.Join(defs, ", ")),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", q.Ident(tmp), cols, cols, q.Ident(t.TableName)),
	}
	// Dropping the old table drops its sqlite_sequence row, so the high-water
	// mark moves to the new table before then. RENAME carries it over.
	if auto {
		stmts = append(stmts,
			fmt.Sprintf("DELETE FROM sqlite_sequence WHERE name = %s", sqldb.QuoteString(tmp)),
			fmt.Sprintf("INSERT INTO sqlite_sequence (name, seq) SELECT %s, seq FROM sqlite_sequence WHERE name = %s", sqldb.QuoteString(tmp), sqldb.QuoteString(t.TableName)),
		)
	}
	stmts = append(stmts,
		fmt.Sprintf("DROP TABLE %s", q.Ident(t.TableName)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q.Ident(tmp), q.Ident(t.TableName)),
	)

	for _, idx := range t.Indexes {
		if idx.Definition != "" {
			stmts = append(stmts, idx.Definition)
			continue
		}
		// Indexes without SQL back UNIQUE column constraints.
		idxCols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			idxCols[i] = q.Ident(c)
		}
		name := t.TableName + "_" + strings.Join(idx.Columns, "_") + "_uniq"
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)", q.Ident(name), q.Ident(t.TableName), strings.Join(idxCols, ", ")))
	}

	if q.Err != nil {
		return nil, q.Err
	}
	return stmts, nil
}

func ruleSQL(rule string) string {
	switch rule {
	case "", "NO_ACTION":
		return ""
	}
	return strings.ReplaceAll(rule, "_", " ")
}

func (d *Dialect) Classify(err error) migration.ErrorClass {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return migration.ClassUnknown
	}
	if sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return migration.ClassConstraint
	}
	msg := sqliteErr.Error()
	for _, s := range []string{"no such table", "no such column", "already exists", "foreign key mismatch"} {
		if strings.Contains(msg, s) {
			return migration.ClassSchema
		}
	}
	return migration.ClassUnknown
}
