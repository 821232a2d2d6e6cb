package reflector

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jrazmi/stepwise/infrastructure/sqldb"
)

// MySQLStore implements the Store interface for MySQL 8 using
// information_schema. The schema name is the database name.
type MySQLStore struct {
	q      sqldb.Querier
	dbName string
}

func NewMySQLStore(q sqldb.Querier, dbName string) *MySQLStore {
	return &MySQLStore{q: q, dbName: dbName}
}

func (s *MySQLStore) GetDatabaseName() string { return s.dbName }

func (s *MySQLStore) GetSourceType() string { return "mysql" }

func (s *MySQLStore) GetTables(ctx context.Context, schemaName string) ([]string, error) {
	query := `
		SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
	return queryStrings(ctx, s.q, query, schemaName)
}

func (s *MySQLStore) GetColumns(ctx context.Context, schemaName, tableName string) ([]ColumnInfo, error) {
	query := `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, CHARACTER_MAXIMUM_LENGTH, COLUMN_COMMENT
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := s.q.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []ColumnInfo
	for rows.Next() {
		var (
			col        ColumnInfo
			isNullable string
			dflt       sql.NullString
			maxLength  sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &col.DBType, &isNullable, &dflt, &maxLength, &col.Comment); err != nil {
			return nil, err
		}
		col.IsNullable = isNullable == "YES"
		if dflt.Valid {
			col.HasDefault = true
			col.DefaultValue = dflt.String
		}
		if maxLength.Valid {
			col.MaxLength = int(maxLength.Int64)
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (s *MySQLStore) GetPrimaryKey(ctx context.Context, schemaName, tableName string, columns []ColumnInfo) (*PrimaryKeyInfo, error) {
	query := `
		SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
		LIMIT 1
	`
	var name string
	err := s.q.QueryRowContext(ctx, query, schemaName, tableName).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return primaryKeyFromColumns(name, columns)
}

func (s *MySQLStore) GetForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKeyInfo, error) {
	query := `
		SELECT kcu.CONSTRAINT_NAME, kcu.COLUMN_NAME, kcu.REFERENCED_TABLE_SCHEMA,
			kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME, rc.UPDATE_RULE, rc.DELETE_RULE
		FROM information_schema.KEY_COLUMN_USAGE kcu
		JOIN information_schema.REFERENTIAL_CONSTRAINTS rc
			ON rc.CONSTRAINT_SCHEMA = kcu.CONSTRAINT_SCHEMA
			AND rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		WHERE kcu.TABLE_SCHEMA = ? AND kcu.TABLE_NAME = ?
		  AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION
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

func (s *MySQLStore) GetIndexes(ctx context.Context, schemaName, tableName string) ([]IndexInfo, error) {
	query := `
		SELECT INDEX_NAME, MIN(NON_UNIQUE), MIN(INDEX_TYPE),
			GROUP_CONCAT(COLUMN_NAME ORDER BY SEQ_IN_INDEX SEPARATOR ',')
		FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND INDEX_NAME <> 'PRIMARY'
		GROUP BY INDEX_NAME
		ORDER BY INDEX_NAME
	`
	rows, err := s.q.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []IndexInfo
	for rows.Next() {
		var (
			idx       IndexInfo
			nonUnique int
			columns   string
		)
		if err := rows.Scan(&idx.Name, &nonUnique, &idx.Method, &columns); err != nil {
			return nil, err
		}
		idx.Unique = nonUnique == 0
		idx.Method = strings.ToLower(idx.Method)
		idx.Columns = strings.Split(columns, ",")
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

func (s *MySQLStore) GetConstraints(ctx context.Context, schemaName, tableName string) ([]ConstraintInfo, error) {
	query := `
		SELECT tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE, COALESCE(cc.CHECK_CLAUSE, '')
		FROM information_schema.TABLE_CONSTRAINTS tc
		LEFT JOIN information_schema.CHECK_CONSTRAINTS cc
			ON cc.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
			AND cc.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		WHERE tc.TABLE_SCHEMA = ? AND tc.TABLE_NAME = ?
		  AND tc.CONSTRAINT_TYPE IN ('CHECK', 'UNIQUE')
		ORDER BY tc.CONSTRAINT_NAME
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
		if c.Type == "CHECK" {
			c.Definition = "CHECK (" + c.Definition + ")"
		}
		constraints = append(constraints, c)
	}
	return constraints, rows.Err()
}

func (s *MySQLStore) GetTableComment(ctx context.Context, schemaName, tableName string) (string, error) {
	var comment sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT TABLE_COMMENT FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		schemaName, tableName).Scan(&comment)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return comment.String, nil
}
