package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Reflector is the repository layer that orchestrates schema reflection.
// It uses a Store (dependency injected) to query the database.
type Reflector struct {
	store Store
}

// NewReflector creates a new Reflector with the given store
func NewReflector(store Store) *Reflector {
	return &Reflector{
		store: store,
	}
}

// Reflect queries the database via the store and returns a complete schema reflection
func (r *Reflector) Reflect(ctx context.Context, schemaName string) (*ReflectedSchema, error) {
	schema := &ReflectedSchema{
		Version:     "1.0",
		Source:      r.store.GetSourceType(),
		Database:    r.store.GetDatabaseName(),
		SchemaName:  schemaName,
		ReflectedAt: time.Now().UTC(),
		Tables:      make(map[string]*TableInfo),
	}

	tables, err := r.store.GetTables(ctx, schemaName)
	if err != nil {
		return nil, fmt.Errorf("get tables: %w", err)
	}

	for _, tableName := range tables {
		info, err := r.Table(ctx, schemaName, tableName)
		if err != nil {
			return nil, err
		}
		schema.Tables[tableName] = info
	}

	return schema, nil
}

// Table reflects a single table. It returns ErrTableNotFound when the table
// has no columns.
func (r *Reflector) Table(ctx context.Context, schemaName, tableName string) (*TableInfo, error) {
	info := &TableInfo{
		TableName:   tableName,
		Schema:      schemaName,
		Columns:     []ColumnInfo{},
		ForeignKeys: []ForeignKeyInfo{},
		Indexes:     []IndexInfo{},
		Constraints: []ConstraintInfo{},
	}

	columns, err := r.store.GetColumns(ctx, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("get columns for %s: %w", tableName, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%s.%s: %w", schemaName, tableName, ErrTableNotFound)
	}
	info.Columns = columns

	// A table without a primary key is legal; leave it nil.
	pk, err := r.store.GetPrimaryKey(ctx, schemaName, tableName, columns)
	if err != nil {
		return nil, fmt.Errorf("get primary key for %s: %w", tableName, err)
	}
	info.PrimaryKey = pk
	if pk != nil {
		for i := range info.Columns {
			if info.Columns[i].Name == pk.Column {
				info.Columns[i].IsPrimaryKey = true
			}
		}
	}

	fks, err := r.store.GetForeignKeys(ctx, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("get foreign keys for %s: %w", tableName, err)
	}
	if fks != nil {
		info.ForeignKeys = fks
	}
	for i := range info.Columns {
		for _, fk := range fks {
			if info.Columns[i].Name == fk.ColumnName {
				info.Columns[i].IsForeignKey = true
			}
		}
	}

	indexes, err := r.store.GetIndexes(ctx, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("get indexes for %s: %w", tableName, err)
	}
	if indexes != nil {
		info.Indexes = indexes
	}

	constraints, err := r.store.GetConstraints(ctx, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("get constraints for %s: %w", tableName, err)
	}
	if constraints != nil {
		info.Constraints = constraints
	}

	comment, err := r.store.GetTableComment(ctx, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("get comment for %s: %w", tableName, err)
	}
	info.Comment = comment

	return info, nil
}

// WriteJSON writes the schema to a JSON file
func WriteJSON(schema *ReflectedSchema, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(schema)
}

// WriteSQL writes the schema to an SQL file (documentation format)
func WriteSQL(schema *ReflectedSchema, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()
	return RenderSQL(file, schema)
}

// RenderSQL writes the documentation-format DDL for schema to w.
func RenderSQL(w io.Writer, schema *ReflectedSchema) error {
	fmt.Fprintf(w, "-- =============================================================================\n")
	fmt.Fprintf(w, "-- Schema Reflection: %s.%s (%s)\n", schema.Database, schema.SchemaName, schema.Source)
	fmt.Fprintf(w, "-- Reflected at: %s\n", schema.ReflectedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "-- Tables: %d\n", len(schema.Tables))
	fmt.Fprintf(w, "-- =============================================================================\n\n")

	names := make([]string, 0, len(schema.Tables))
	for name := range schema.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		writeTableSQL(w, schema.Tables[name])
		fmt.Fprintln(w)
	}
	return nil
}

func writeTableSQL(w io.Writer, table *TableInfo) {
	fmt.Fprintf(w, "-- -----------------------------------------------------------------------------\n")
	fmt.Fprintf(w, "-- Table: %s\n", table.TableName)
	if table.Comment != "" {
		fmt.Fprintf(w, "-- %s\n", table.Comment)
	}
	fmt.Fprintf(w, "-- -----------------------------------------------------------------------------\n")

	fmt.Fprintf(w, "CREATE TABLE %s.%s (\n", table.Schema, table.TableName)

	lines := make([]string, 0, len(table.Columns)+len(table.ForeignKeys)+1)
	for _, col := range table.Columns {
		line := fmt.Sprintf("    %s %s", col.Name, col.DBType)
		if !col.IsNullable {
			line += " NOT NULL"
		}
		if col.HasDefault && col.DefaultValue != "" {
			line += fmt.Sprintf(" DEFAULT %s", col.DefaultValue)
		}
		lines = append(lines, line)
	}

	if table.PrimaryKey != nil {
		lines = append(lines, fmt.Sprintf("    PRIMARY KEY (%s)", table.PrimaryKey.Column))
	}

	for _, fk := range table.ForeignKeys {
		line := "    "
		if fk.Name != "" {
			line += fmt.Sprintf("CONSTRAINT %s ", fk.Name)
		}
		line += fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)", fk.ColumnName, fk.RefTable, fk.RefColumn)
		if fk.OnDelete != "" && fk.OnDelete != "NO_ACTION" {
			line += " ON DELETE " + strings.ReplaceAll(fk.OnDelete, "_", " ")
		}
		if fk.OnUpdate != "" && fk.OnUpdate != "NO_ACTION" {
			line += " ON UPDATE " + strings.ReplaceAll(fk.OnUpdate, "_", " ")
		}
		lines = append(lines, line)
	}

	for _, c := range table.Constraints {
		if c.Type == "CHECK" {
			lines = append(lines, fmt.Sprintf("    CONSTRAINT %s %s", c.Name, c.Definition))
		}
	}

	fmt.Fprint(w, strings.Join(lines, ",\n"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, ");")

	for _, idx := range table.Indexes {
		if idx.Definition != "" {
			fmt.Fprintf(w, "%s;\n", strings.TrimSuffix(idx.Definition, ";"))
			continue
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		fmt.Fprintf(w, "CREATE %sINDEX %s ON %s (%s);\n", unique, idx.Name, table.TableName, strings.Join(idx.Columns, ", "))
	}

	if table.Comment != "" {
		fmt.Fprintf(w, "\nCOMMENT ON TABLE %s.%s IS '%s';\n", table.Schema, table.TableName, escapeSQLString(table.Comment))
	}
	for _, col := range table.Columns {
		if col.Comment != "" {
			fmt.Fprintf(w, "COMMENT ON COLUMN %s.%s.%s IS '%s';\n", table.Schema, table.TableName, col.Name, escapeSQLString(col.Comment))
		}
	}
}

// NormalizeRule turns "SET NULL" and "set null" into "SET_NULL".
func NormalizeRule(rule string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(rule), " ", "_"))
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
