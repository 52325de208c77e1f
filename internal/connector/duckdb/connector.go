// Package duckdb serves local analytical database files through the same
// connector capability as networked engines.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/schemadoc"
)

type Connector struct {
	databaseID   string
	databaseName string
	db           *sql.DB
}

// New opens a DuckDB database file. An empty path opens an in-memory
// database, which is useful for tests and scratch analysis.
func New(ctx context.Context, databaseID, databaseName, path string) (*Connector, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb connector: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb connector: %w", err)
	}
	return &Connector{databaseID: databaseID, databaseName: databaseName, db: db}, nil
}

func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) ListSchema(ctx context.Context) (schemadoc.RawSchema, error) {
	raw := schemadoc.RawSchema{
		DatabaseName: c.databaseName,
		EngineKind:   string(connector.EngineRelational),
	}

	rows, err := c.db.QueryContext(ctx, `
SELECT table_name, estimated_size
FROM duckdb_tables()
WHERE NOT internal
ORDER BY table_name ASC`)
	if err != nil {
		return schemadoc.RawSchema{}, fmt.Errorf("list duckdb tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		var estimate int64
		if err := rows.Scan(&name, &estimate); err != nil {
			return schemadoc.RawSchema{}, fmt.Errorf("scan duckdb table row: %w", err)
		}
		raw.Tables = append(raw.Tables, schemadoc.RawTable{Name: name, RowEstimate: estimate})
	}
	if err := rows.Err(); err != nil {
		return schemadoc.RawSchema{}, fmt.Errorf("iterate duckdb table rows: %w", err)
	}

	for i := range raw.Tables {
		columns, err := c.listColumns(ctx, raw.Tables[i].Name)
		if err != nil {
			return schemadoc.RawSchema{}, err
		}
		raw.Tables[i].Columns = columns
	}
	return raw, nil
}

func (c *Connector) listColumns(ctx context.Context, tableName string) ([]schemadoc.RawColumn, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_name = ?
ORDER BY ordinal_position ASC`, tableName)
	if err != nil {
		return nil, fmt.Errorf("list duckdb columns for %s: %w", tableName, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []schemadoc.RawColumn
	for rows.Next() {
		var column schemadoc.RawColumn
		var nullable string
		if err := rows.Scan(&column.Name, &column.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan duckdb column row: %w", err)
		}
		column.Nullable = nullable == "YES"
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duckdb column rows: %w", err)
	}
	return columns, nil
}

func (c *Connector) Execute(ctx context.Context, queryText string, limit int) (connector.Result, error) {
	bounded := connector.WrapWithLimit(queryText, limit)

	rows, err := c.db.QueryContext(ctx, bounded)
	if err != nil {
		return connector.Result{}, fmt.Errorf("execute duckdb query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return connector.Result{}, fmt.Errorf("read duckdb result columns: %w", err)
	}

	result := connector.Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return connector.Result{}, fmt.Errorf("scan duckdb result row: %w", err)
		}
		for i := range values {
			values[i] = connector.NormalizeValue(values[i])
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return connector.Result{}, fmt.Errorf("iterate duckdb result rows: %w", err)
	}
	return result, nil
}
