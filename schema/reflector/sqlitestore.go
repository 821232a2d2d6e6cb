package reflector

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jrazmi/stepwise/infrastructure/sqldb"
)

// SQLiteStore implements the Store interface for SQLite using the pragma
// table-valued functions. The schema name is always "main".
type SQLiteStore struct {
	q      sqldb.Querier
	dbName string
}

func NewSQLiteStore(q sqldb.Querier, dbName string) *SQLiteStore {
	return &SQLiteStore{q: q, dbName: dbName}
}

func (s *SQLiteStore) GetDatabaseName() string { return s.dbName }

func (s *SQLiteStore) GetSourceType() string { return "sqlite" }

func (s *SQLiteStore) GetTables(ctx context.Context, _ string) ([]string, error) {
	query := `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`
	return queryStrings(ctx, s.q, query)
}

// GetColumns marks every column that takes part in the primary key, so a
// composite key survives a table rebuild. AUTOINCREMENT is only legal on a
// lone INTEGER PRIMARY KEY and is only visible in the stored CREATE TABLE.
func (s *SQLiteStore) GetColumns(ctx context.Context, _ string, tableName string) ([]ColumnInfo, error) {
	query := `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`

	rows, err := s.q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, err
	}

	var (
		columns []ColumnInfo
		pkIdx   []int
	)
	for rows.Next() {
		var (
			col     ColumnInfo
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&col.Name, &col.DBType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, err
		}
		col.DBType = strings.ToLower(col.DBType)
		col.IsNullable = notNull == 0 && pk == 0
		col.IsPrimaryKey = pk > 0
		if dflt.Valid {
			col.HasDefault = true
			col.DefaultValue = dflt.String
		}
		if col.IsPrimaryKey {
			pkIdx = append(pkIdx, len(columns))
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(pkIdx) == 1 && columns[pkIdx[0]].DBType == "integer" {
		auto, err := s.autoIncrement(ctx, tableName)
		if err != nil {
			return nil, err
		}
		columns[pkIdx[0]].AutoIncrement = auto
	}
	return columns, nil
}

func (s *SQLiteStore) autoIncrement(ctx context.Context, tableName string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name = ? AND sql LIKE '%AUTOINCREMENT%'
	`
	var n int
	if err := s.q.QueryRowContext(ctx, query, tableName).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetPrimaryKey(ctx context.Context, _ string, tableName string, columns []ColumnInfo) (*PrimaryKeyInfo, error) {
	var name string
	err := s.q.QueryRowContext(ctx, `SELECT name FROM pragma_table_info(?) WHERE pk = 1`, tableName).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return primaryKeyFromColumns(name, columns)
}

// GetForeignKeys reports SQLite's unnamed foreign keys. A reference written
// without a column list points at the referenced table's primary key.
func (s *SQLiteStore) GetForeignKeys(ctx context.Context, schemaName, tableName string) ([]ForeignKeyInfo, error) {
	query := `SELECT "table", "from", "to", on_update, on_delete FROM pragma_foreign_key_list(?) ORDER BY id, seq`

	rows, err := s.q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, err
	}

	var fks []ForeignKeyInfo
	for rows.Next() {
		var (
			fk ForeignKeyInfo
			to sql.NullString
		)
		if err := rows.Scan(&fk.RefTable, &fk.ColumnName, &to, &fk.OnUpdate, &fk.OnDelete); err != nil {
			rows.Close()
			return nil, err
		}
		fk.RefSchema = "main"
		fk.RefColumn = to.String
		fk.OnUpdate = NormalizeRule(fk.OnUpdate)
		fk.OnDelete = NormalizeRule(fk.OnDelete)
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range fks {
		if fks[i].RefColumn != "" {
			continue
		}
		cols, err := s.GetColumns(ctx, schemaName, fks[i].RefTable)
		if err != nil {
			return nil, err
		}
		pk, err := s.GetPrimaryKey(ctx, schemaName, fks[i].RefTable, cols)
		if err != nil {
			return nil, err
		}
		if pk != nil {
			fks[i].RefColumn = pk.Column
		}
	}
	return fks, nil
}

// GetIndexes skips the implicit primary key index. Indexes created by UNIQUE
// column constraints have no stored definition.
func (s *SQLiteStore) GetIndexes(ctx context.Context, _ string, tableName string) ([]IndexInfo, error) {
	query := `
		SELECT il.name, il."unique", COALESCE(m.sql, '')
		FROM pragma_index_list(?) il
		LEFT JOIN sqlite_master m ON m.type = 'index' AND m.name = il.name
		WHERE il.origin <> 'pk'
		ORDER BY il.name
	`
	rows, err := s.q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, err
	}

	var indexes []IndexInfo
	for rows.Next() {
		var idx IndexInfo
		var unique int
		if err := rows.Scan(&idx.Name, &unique, &idx.Definition); err != nil {
			rows.Close()
			return nil, err
		}
		idx.Unique = unique == 1
		idx.Method = "btree"
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range indexes {
		cols, err := queryStrings(ctx, s.q, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, indexes[i].Name)
		if err != nil {
			return nil, err
		}
		indexes[i].Columns = cols
	}
	return indexes, nil
}

// GetConstraints returns nothing: SQLite keeps CHECK constraints only inside
// the CREATE TABLE text.
func (s *SQLiteStore) GetConstraints(context.Context, string, string) ([]ConstraintInfo, error) {
	return nil, nil
}

func (s *SQLiteStore) GetTableComment(context.Context, string, string) (string, error) {
	return "", nil
}
