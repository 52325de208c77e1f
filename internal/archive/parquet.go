// Package archive persists executed query results as parquet objects so an
// analyst can pull past answers without re-running queries. All archive
// operations are best-effort from the caller's point of view.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// archivedRow flattens one result row. Values are carried as a JSON object
// keyed by column name, so heterogeneous result shapes share one parquet
// schema.
type archivedRow struct {
	RowIndex int64  `parquet:"row_index"`
	RowJSON  string `parquet:"row_json"`
}

// EncodeResultToParquet serializes a bounded result set.
func EncodeResultToParquet(columns []string, rows [][]any) ([]byte, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("columns are required")
	}

	encoded := make([]archivedRow, 0, len(rows))
	for i, row := range rows {
		object := make(map[string]any, len(columns))
		for n, column := range columns {
			if n < len(row) {
				object[column] = row[n]
			}
		}
		payload, err := json.Marshal(object)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		encoded = append(encoded, archivedRow{RowIndex: int64(i), RowJSON: string(payload)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[archivedRow](buf)
	if len(encoded) > 0 {
		if _, err := writer.Write(encoded); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
