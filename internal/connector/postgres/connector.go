// Package postgres discovers schema and executes read queries against a
// user-owned PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/schemadoc"
)

type Connector struct {
	databaseID   string
	databaseName string
	db           *sql.DB
}

func New(ctx context.Context, databaseID, databaseName, dsn string) (*Connector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres connector dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connector: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres connector: %w", err)
	}
	return &Connector{databaseID: databaseID, databaseName: databaseName, db: db}, nil
}

// NewWithDB wires an existing handle, used by tests.
func NewWithDB(databaseID, databaseName string, db *sql.DB) *Connector {
	return &Connector{databaseID: databaseID, databaseName: databaseName, db: db}
}

func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) ListSchema(ctx context.Context) (schemadoc.RawSchema, error) {
	raw := schemadoc.RawSchema{
		DatabaseName: c.databaseName,
		EngineKind:   string(connector.EngineRelational),
	}

	tableNames, rowEstimates, err := c.listTables(ctx)
	if err != nil {
		return schemadoc.RawSchema{}, err
	}

	for _, name := range tableNames {
		table := schemadoc.RawTable{Name: name, RowEstimate: rowEstimates[name]}

		columns, err := c.listColumns(ctx, name)
		if err != nil {
			return schemadoc.RawSchema{}, err
		}
		table.Columns = columns

		primaryKey, err := c.listPrimaryKey(ctx, name)
		if err != nil {
			return schemadoc.RawSchema{}, err
		}
		table.PrimaryKey = primaryKey

		foreignKeys, err := c.listForeignKeys(ctx, name)
		if err != nil {
			return schemadoc.RawSchema{}, err
		}
		table.ForeignKeys = foreignKeys

		raw.Tables = append(raw.Tables, table)
	}
	return raw, nil
}

func (c *Connector) listTables(ctx context.Context) ([]string, map[string]int64, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT t.table_name, COALESCE(cl.reltuples::bigint, 0)
FROM information_schema.tables t
LEFT JOIN pg_class cl ON cl.relname = t.table_name AND cl.relkind = 'r'
WHERE t.table_schema = 'public' AND t.table_type = 'BASE TABLE'
ORDER BY t.table_name ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	estimates := make(map[string]int64)
	for rows.Next() {
		var name string
		var estimate int64
		if err := rows.Scan(&name, &estimate); err != nil {
			return nil, nil, fmt.Errorf("scan table row: %w", err)
		}
		names = append(names, name)
		if estimate > 0 {
			estimates[name] = estimate
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate table rows: %w", err)
	}
	return names, estimates, nil
}

func (c *Connector) listColumns(ctx context.Context, tableName string) ([]schemadoc.RawColumn, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable, COALESCE(column_default, '')
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position ASC`, tableName)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s: %w", tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []schemadoc.RawColumn
	for rows.Next() {
		var column schemadoc.RawColumn
		var nullable string
		if err := rows.Scan(&column.Name, &column.DataType, &nullable, &column.Default); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		column.Nullable = nullable == "YES"
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return columns, nil
}

func (c *Connector) listPrimaryKey(ctx context.Context, tableName string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position ASC`, tableName)
	if err != nil {
		return nil, fmt.Errorf("list primary key for %s: %w", tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []string
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, fmt.Errorf("scan primary key row: %w", err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate primary key rows: %w", err)
	}
	return columns, nil
}

func (c *Connector) listForeignKeys(ctx context.Context, tableName string) ([]schemadoc.RawForeignKey, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY kcu.ordinal_position ASC`, tableName)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys for %s: %w", tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []schemadoc.RawForeignKey
	for rows.Next() {
		var key schemadoc.RawForeignKey
		if err := rows.Scan(&key.Column, &key.RefTable, &key.RefColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign key rows: %w", err)
	}
	return keys, nil
}

func (c *Connector) Execute(ctx context.Context, queryText string, limit int) (connector.Result, error) {
	bounded := connector.WrapWithLimit(queryText, limit)

	rows, err := c.db.QueryContext(ctx, bounded)
	if err != nil {
		return connector.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return connector.Result{}, fmt.Errorf("read result columns: %w", err)
	}

	result := connector.Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return connector.Result{}, fmt.Errorf("scan result row: %w", err)
		}
		for i := range values {
			values[i] = connector.NormalizeValue(values[i])
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return connector.Result{}, fmt.Errorf("iterate result rows: %w", err)
	}
	return result, nil
}
