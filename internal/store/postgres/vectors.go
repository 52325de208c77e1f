package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/askdb/askdb/internal/index"
)

// VectorRepository persists embedding records so the in-memory index survives
// restarts without re-embedding.
type VectorRepository struct {
	db *sql.DB
}

func NewVectorRepository(db *sql.DB) *VectorRepository {
	return &VectorRepository{db: db}
}

func (r *VectorRepository) ReplaceVectors(ctx context.Context, databaseID string, records []index.EmbeddingRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace vectors: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_vector WHERE database_id = $1`, databaseID); err != nil {
		return fmt.Errorf("delete prior vectors: %w", err)
	}

	insert := `
INSERT INTO schema_vector (document_id, database_id, content_hash, vector, position)
VALUES ($1, $2, $3, $4, $5)`
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, insert, rec.DocumentID, rec.DatabaseID, rec.ContentHash, encodeVector(rec.Vector), rec.Position); err != nil {
			return fmt.Errorf("insert vector for %s: %w", rec.DocumentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace vectors: %w", err)
	}
	return nil
}

func (r *VectorRepository) ListVectors(ctx context.Context, databaseID string) ([]index.EmbeddingRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT document_id, database_id, content_hash, vector, position
FROM schema_vector
WHERE database_id = $1
ORDER BY position ASC`, databaseID)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]index.EmbeddingRecord, 0)
	for rows.Next() {
		var rec index.EmbeddingRecord
		var raw []byte
		if err := rows.Scan(&rec.DocumentID, &rec.DatabaseID, &rec.ContentHash, &raw, &rec.Position); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		vector, err := decodeVector(raw)
		if err != nil {
			return nil, fmt.Errorf("decode vector for %s: %w", rec.DocumentID, err)
		}
		rec.Vector = vector
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return records, nil
}

func (r *VectorRepository) DeleteVectors(ctx context.Context, databaseID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM schema_vector WHERE database_id = $1`, databaseID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

// Vectors are stored as little-endian float32 sequences in a bytea column.
func encodeVector(vector []float32) []byte {
	raw := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return raw
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(raw))
	}
	vector := make([]float32, len(raw)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vector, nil
}
