package migration

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/schema/reflector"
)

// ErrorClass is a dialect's reading of a driver error.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassConstraint covers not-null, foreign-key, unique and check violations.
	ClassConstraint
	// ClassSchema covers undefined or duplicate tables, columns and constraints.
	ClassSchema
)

// Dialect is everything the runner needs to know about one kind of database.
type Dialect interface {
	Name() string
	Flavor() sqldb.Flavor
	// TransactionalDDL reports whether DDL and the ledger write can share a
	// transaction.
	TransactionalDDL() bool
	// SchemaName is the schema introspection runs against.
	SchemaName() string
	Introspect(q sqldb.Querier) reflector.Store
	// TryLock takes the run lock on conn without waiting.
	TryLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error)
	Unlock(ctx context.Context, conn *sql.Conn, key int64) error
	// AlterForeignKeySQL renders the statements that turn the column into
	// the requested foreign key.
	AlterForeignKeySQL(change FieldChange) ([]string, error)
	Classify(err error) ErrorClass
}

// ConnPreparer is implemented by dialects that must change session state
// outside the step transaction. The returned func restores it.
type ConnPreparer interface {
	PrepareConn(ctx context.Context, conn *sql.Conn) (func(context.Context) error, error)
}

// Verifier is implemented by dialects that can check integrity after the DDL
// ran and before it is committed.
type Verifier interface {
	Verify(ctx context.Context, q sqldb.Querier, change FieldChange) error
}

// FieldChange is one AlterField resolved against the live schema.
type FieldChange struct {
	Step StepID
	// Table is the current definition of the altered table.
	Table     *reflector.TableInfo
	Column    reflector.ColumnInfo
	RefTable  string
	RefColumn string
	OnDelete  OnDelete
	Null      bool
	// Existing are the foreign keys currently on the column.
	Existing []reflector.ForeignKeyInfo
}

// maxIdentifier is the shortest identifier limit among supported databases.
const maxIdentifier = 63

// ConstraintName is the name given to the new foreign key. Long names are
// cut and suffixed with a hash so they stay unique.
func (c FieldChange) ConstraintName() string {
	name := fmt.Sprintf("%s_%s_fk_%s_%s", c.Table.TableName, c.Column.Name, c.RefTable, c.RefColumn)
	if len(name) <= maxIdentifier {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	return name[:maxIdentifier-len(suffix)] + suffix
}

// Satisfied reports whether the column already has exactly the requested
// definition, in which case no DDL is needed.
func (c FieldChange) Satisfied() bool {
	if c.Column.IsNullable != c.Null || len(c.Existing) != 1 {
		return false
	}
	fk := c.Existing[0]
	return fk.RefTable == c.RefTable &&
		fk.RefColumn == c.RefColumn &&
		reflector.NormalizeRule(fk.OnDelete) == string(c.OnDelete)
}
