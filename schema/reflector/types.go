package reflector

import (
	"context"
	"errors"
	"time"
)

// ErrTableNotFound is returned by Table when the table does not exist.
var ErrTableNotFound = errors.New("table not found")

// ReflectedSchema represents the complete schema reflection for a single database schema
type ReflectedSchema struct {
	Version     string                `json:"version"`      // Schema format version (e.g., "1.0")
	Source      string                `json:"source"`       // Database type (e.g., "postgres")
	Database    string                `json:"database"`     // Database name
	SchemaName  string                `json:"schema_name"`  // Schema name (e.g., "public")
	ReflectedAt time.Time             `json:"reflected_at"` // Timestamp of reflection
	Tables      map[string]*TableInfo `json:"tables"`       // Map of table_name -> TableInfo
}

// TableInfo represents a single table's metadata
type TableInfo struct {
	TableName   string           `json:"table_name"`
	Schema      string           `json:"schema"`
	PrimaryKey  *PrimaryKeyInfo  `json:"primary_key"`
	Columns     []ColumnInfo     `json:"columns"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
	Indexes     []IndexInfo      `json:"indexes"`
	Constraints []ConstraintInfo `json:"constraints"`
	Comment     string           `json:"comment,omitempty"`
}

// Column returns the named column.
func (t *TableInfo) Column(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// ForeignKeysOn returns every foreign key whose local column is name.
func (t *TableInfo) ForeignKeysOn(name string) []ForeignKeyInfo {
	var fks []ForeignKeyInfo
	for _, fk := range t.ForeignKeys {
		if fk.ColumnName == name {
			fks = append(fks, fk)
		}
	}
	return fks
}

// ColumnInfo represents a single column's metadata
type ColumnInfo struct {
	Name          string `json:"name"`
	DBType        string `json:"db_type"` // e.g. "bigint", "varchar(255)", "int unsigned"
	IsNullable    bool   `json:"is_nullable"`
	IsPrimaryKey  bool   `json:"is_primary_key"`
	IsForeignKey  bool   `json:"is_foreign_key"`
	AutoIncrement bool   `json:"auto_increment,omitempty"` // SQLite INTEGER PRIMARY KEY AUTOINCREMENT
	DefaultValue  string `json:"default_value,omitempty"`
	HasDefault    bool   `json:"has_default"`
	MaxLength     int    `json:"max_length,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

// PrimaryKeyInfo represents primary key metadata
type PrimaryKeyInfo struct {
	Column      string `json:"column"`
	DBType      string `json:"db_type"`
	HasDefault  bool   `json:"has_default"`
	DefaultExpr string `json:"default_expr,omitempty"`
}

// ForeignKeyInfo represents a foreign key relationship. Rules are upper case
// with underscores: CASCADE, SET_NULL, RESTRICT, NO_ACTION, SET_DEFAULT.
type ForeignKeyInfo struct {
	Name       string `json:"name,omitempty"`
	ColumnName string `json:"column_name"`
	RefTable   string `json:"ref_table"`
	RefSchema  string `json:"ref_schema"`
	RefColumn  string `json:"ref_column"`
	OnDelete   string `json:"on_delete"`
	OnUpdate   string `json:"on_update"`
}

// IndexInfo represents an index
type IndexInfo struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	Unique     bool     `json:"unique"`
	Method     string   `json:"method,omitempty"`     // btree, hash, gin, gist, etc.
	Definition string   `json:"definition,omitempty"` // CREATE INDEX statement when the database keeps one
}

// ConstraintInfo represents a table constraint (CHECK, UNIQUE, EXCLUDE)
type ConstraintInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Definition string `json:"definition"`
}

// Store is the interface that database stores must implement for reflection.
// The store knows how to query one kind of database.
type Store interface {
	// GetTables returns all table names in the schema
	GetTables(ctx context.Context, schemaName string) ([]string, error)

	// GetColumns returns column metadata for a table. An unknown table yields
	// no columns and no error.
	GetColumns(ctx context.Context, schemaName, tableName string) ([]ColumnInfo, error)

	// GetPrimaryKey returns primary key information
	GetPrimaryKey(ctx context.Context, schemaName, tableName string, columns []ColumnInfo) (*PrimaryKeyInfo, error)

	GetForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKeyInfo, error)

	GetIndexes(ctx context.Context, schemaName, tableName string) ([]IndexInfo, error)

	GetConstraints(ctx context.Context, schemaName, tableName string) ([]ConstraintInfo, error)

	GetTableComment(ctx context.Context, schemaName, tableName string) (string, error)

	// GetDatabaseName returns the database name
	GetDatabaseName() string

	// GetSourceType returns the database type (e.g., "postgres", "sqlite")
	GetSourceType() string
}

// Config holds configuration for schema reflection output
type Config struct {
	SchemaName string // Schema to reflect
	OutputDir  string // Where to write output files
}
