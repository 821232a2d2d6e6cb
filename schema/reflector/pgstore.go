package reflector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jrazmi/stepwise/infrastructure/sqldb"
)

// PostgresStore implements the Store interface for PostgreSQL.
type PostgresStore struct {
	q      sqldb.Querier
	dbName string
}

// NewPostgresStore creates a store that reads the catalog through q, which may
// be a pool, a pinned connection or an open transaction.
func NewPostgresStore(q sqldb.Querier, dbName string) *PostgresStore {
	return &PostgresStore{
		q:      q,
		dbName: dbName,
	}
}

func (s *PostgresStore) GetDatabaseName() string { return s.dbName }

func (s *PostgresStore) GetSourceType() string { return "postgres" }

// GetTables implements the Store interface
func (s *PostgresStore) GetTables(ctx context.Context, schemaName string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`
	return queryStrings(ctx, s.q, query, schemaName)
}

// GetColumns implements the Store interface
func (s *PostgresStore) GetColumns(ctx context.Context, schemaName, tableName string) ([]ColumnInfo, error) {
	query := `
		SELECT
			c.column_name,
			c.udt_name,
			c.is_nullable,
			c.column_default,
			c.character_maximum_length,
			c.numeric_precision,
			c.numeric_scale,
			pgd.description
		FROM information_schema.columns c
		LEFT JOIN pg_catalog.pg_statio_all_tables pst
			ON c.table_schema = pst.schemaname
			AND c.table_name = pst.relname
		LEFT JOIN pg_catalog.pg_description pgd
			ON pgd.objoid = pst.relid
			AND pgd.objsubid = c.ordinal_position
		WHERE c.table_schema = $1
		  AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := s.q.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var (
			col          ColumnInfo
			udtName      string
			isNullable   string
			defaultValue sql.NullString
			maxLength    sql.NullInt64
			precision    sql.NullInt64
			scale        sql.NullInt64
			comment      sql.NullString
		)
		if err := rows.Scan(&col.Name, &udtName, &isNullable, &defaultValue, &maxLength, &precision, &scale, &comment); err != nil {
			return nil, err
		}

		col.DBType = normalizePostgresType(udtName, maxLength, precision, scale)
		col.IsNullable = isNullable == "YES"
		if defaultValue.Valid {
			col.HasDefault = true
			col.DefaultValue = cleanDefaultValue(defaultValue.String)
		}
		if maxLength.Valid {
			col.MaxLength = int(maxLength.Int64)
		}
		col.Comment = comment.String

		columns = append(columns, col)
	}

	return columns, rows.Err()
}

// GetPrimaryKey implements the Store interface
func (s *PostgresStore) GetPrimaryKey(ctx context.Context, schemaName, tableName string, columns []ColumnInfo) (*PrimaryKeyInfo, error) {
	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name = $2
		ORDER BY kcu.ordinal_position
		LIMIT 1
	`

	var columnName string
	err := s.q.QueryRowContext(ctx, query, schemaName, tableName).Scan(&columnName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return primaryKeyFromColumns(columnName, columns)
}

// GetForeignKeys implements the Store interface
func (s *PostgresStore) GetForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKeyInfo, error) {
	query := `
		SELECT
			tc.constraint_name,
			kcu.column_name,
			ccu.table_schema AS foreign_table_schema,
			ccu.table_name AS foreign_table_name,
			ccu.column_name AS foreign_column_name,
			rc.update_rule,
			rc.delete_rule
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints AS rc
			ON rc.constraint_name = tc.constraint_name
			AND rc.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name = $2
		ORDER BY tc.constraint_name, kcu.ordinal_position
	`

	rows, err := s.q.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []ForeignKeyInfo
	for rows.Next() {
		var fk ForeignKeyInfo
		if err := rows.Scan(&fk.Name, &fk.ColumnName, &fk.RefSchema, &fk.RefTable, &fk.RefColumn, &fk.OnUpdate, &fk.OnDelete); err != nil {
			return nil, err
		}
		fk.OnUpdate = NormalizeRule(fk.OnUpdate)
		fk.OnDelete = NormalizeRule(fk.OnDelete)
		fks = append(fks, fk)
	}

	return fks, rows.Err()
}

// GetIndexes implements the Store interface
func (s *PostgresStore) GetIndexes(ctx context.Context, schemaName, tableName string) ([]IndexInfo, error) {
	query := `
		SELECT
			i.relname AS index_name,
			am.amname AS index_method,
			ix.indisunique AS is_unique,
			pg_get_indexdef(ix.indexrelid) AS definition,
			string_agg(a.attname, ',' ORDER BY array_position(ix.indkey, a.attnum)) AS column_names
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_am am ON i.relam = am.oid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1
		  AND t.relname = $2
		  AND NOT ix.indisprimary
		GROUP BY i.relname, am.amname, ix.indisunique, ix.indexrelid
		ORDER BY i.relname
	`

	rows, err := s.q.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []IndexInfo
	for rows.Next() {
		var idx IndexInfo
		var columns string
		if err := rows.Scan(&idx.Name, &idx.Method, &idx.Unique, &idx.Definition, &columns); err != nil {
			return nil, err
		}
		idx.Columns = strings.Split(columns, ",")
		indexes = append(indexes, idx)
	}

	return indexes, rows.Err()
}

// GetConstraints implements the Store interface
func (s *PostgresStore) GetConstraints(ctx context.Context, schemaName, tableName string) ([]ConstraintInfo, error) {
	query := `
		SELECT
			con.conname AS constraint_name,
			CASE con.contype
				WHEN 'c' THEN 'CHECK'
				WHEN 'u' THEN 'UNIQUE'
				WHEN 'x' THEN 'EXCLUDE'
			END AS constraint_type,
			pg_get_constraintdef(con.oid) AS constraint_definition
		FROM pg_constraint con
		JOIN pg_namespace nsp ON nsp.oid = con.connamespace
		JOIN pg_class cls ON cls.oid = con.conrelid
		WHERE nsp.nspname = $1
		  AND cls.relname = $2
		  AND con.contype IN ('c', 'u', 'x')
		ORDER BY con.conname
	`

	rows, err := s.q.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var constraints []ConstraintInfo
	for rows.Next() {
		var c ConstraintInfo
		if err := rows.Scan(&c.Name, &c.Type, &c.Definition); err != nil {
			return nil, err
		}
		constraints = append(constraints, c)
	}

	return constraints, rows.Err()
}

// GetTableComment implements the Store interface
func (s *PostgresStore) GetTableComment(ctx context.Context, schemaName, tableName string) (string, error) {
	query := `
		SELECT pg_catalog.obj_description(c.oid, 'pg_class')
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
	`

	var comment sql.NullString
	err := s.q.QueryRowContext(ctx, query, schemaName, tableName).Scan(&comment)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return comment.String, nil
}

func normalizePostgresType(udtName string, maxLength, precision, scale sql.NullInt64) string {
	switch udtName {
	case "varchar":
		if maxLength.Valid && maxLength.Int64 > 0 {
			return fmt.Sprintf("varchar(%d)", maxLength.Int64)
		}
		return "varchar"
	case "bpchar":
		if maxLength.Valid && maxLength.Int64 > 0 {
			return fmt.Sprintf("char(%d)", maxLength.Int64)
		}
		return "char"
	case "numeric":
		if precision.Valid && scale.Valid && precision.Int64 > 0 && scale.Int64 > 0 {
			return fmt.Sprintf("numeric(%d,%d)", precision.Int64, scale.Int64)
		} else if precision.Valid && precision.Int64 > 0 {
			return fmt.Sprintf("numeric(%d)", precision.Int64)
		}
		return "numeric"
	case "int2":
		return "smallint"
	case "int4":
		return "integer"
	case "int8":
		return "bigint"
	case "bool":
		return "boolean"
	case "_text":
		return "text[]"
	case "_varchar":
		return "varchar[]"
	case "_int4":
		return "integer[]"
	default:
		return udtName
	}
}

var castSuffix = regexp.MustCompile(`::[\w\s]+(\[\])?`)

func cleanDefaultValue(defaultVal string) string {
	defaultVal = castSuffix.ReplaceAllString(defaultVal, "")
	defaultVal = strings.TrimSpace(defaultVal)
	return strings.Trim(defaultVal, "'")
}

func primaryKeyFromColumns(columnName string, columns []ColumnInfo) (*PrimaryKeyInfo, error) {
	for _, c := range columns {
		if c.Name == columnName {
			return &PrimaryKeyInfo{
				Column:      columnName,
				DBType:      c.DBType,
				HasDefault:  c.HasDefault,
				DefaultExpr: c.DefaultValue,
			}, nil
		}
	}
	return nil, fmt.Errorf("primary key column %s not found in columns list", columnName)
}

func queryStrings(ctx context.Context, q sqldb.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
