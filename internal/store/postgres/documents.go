package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/askdb/askdb/internal/schemadoc"
)

// DocumentRepository stores schema document sets. Replacement happens inside
// one transaction so readers see either the old set or the new set.
type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

func (r *DocumentRepository) ReplaceDocuments(ctx context.Context, databaseID string, docs []schemadoc.SchemaDocument) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace documents: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_document WHERE database_id = $1`, databaseID); err != nil {
		return fmt.Errorf("delete prior documents: %w", err)
	}

	insert := `
INSERT INTO schema_document (document_id, database_id, kind, parent_ref, display_name, content, metadata, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for i, doc := range docs {
		metadata, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode document metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, doc.ID, doc.DatabaseID, string(doc.Kind), doc.ParentRef, doc.DisplayName, doc.Content, metadata, i); err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace documents: %w", err)
	}
	return nil
}

func (r *DocumentRepository) ListDocuments(ctx context.Context, databaseID string) ([]schemadoc.SchemaDocument, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT document_id, database_id, kind, parent_ref, display_name, content, metadata, created_at
FROM schema_document
WHERE database_id = $1
ORDER BY position ASC`, databaseID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]schemadoc.SchemaDocument, 0)
	for rows.Next() {
		var doc schemadoc.SchemaDocument
		var kind string
		var metadata []byte
		if err := rows.Scan(&doc.ID, &doc.DatabaseID, &kind, &doc.ParentRef, &doc.DisplayName, &doc.Content, &metadata, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		doc.Kind = schemadoc.Kind(kind)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("decode document metadata: %w", err)
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

func (r *DocumentRepository) ListDatabases(ctx context.Context) ([]schemadoc.DatabaseOverview, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT database_id, kind, display_name, COALESCE(metadata->>'engine_kind', '')
FROM schema_document
ORDER BY database_id ASC, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byDatabase := make(map[string]*schemadoc.DatabaseOverview)
	order := make([]string, 0)
	for rows.Next() {
		var databaseID, kind, name, engineKind string
		if err := rows.Scan(&databaseID, &kind, &name, &engineKind); err != nil {
			return nil, fmt.Errorf("scan database row: %w", err)
		}
		overview, ok := byDatabase[databaseID]
		if !ok {
			overview = &schemadoc.DatabaseOverview{DatabaseID: databaseID, EngineKind: "relational"}
			byDatabase[databaseID] = overview
			order = append(order, databaseID)
		}
		// The engine kind is recorded on the documents at ingest time, so the
		// overview reflects what was sampled rather than a structural guess.
		if engineKind != "" {
			overview.EngineKind = engineKind
		}
		switch schemadoc.Kind(kind) {
		case schemadoc.KindTable:
			overview.Tables = append(overview.Tables, name)
		case schemadoc.KindCollection:
			overview.Collections = append(overview.Collections, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate database rows: %w", err)
	}

	counts, err := r.countByDatabase(ctx)
	if err != nil {
		return nil, err
	}

	overviews := make([]schemadoc.DatabaseOverview, 0, len(order))
	for _, databaseID := range order {
		overview := byDatabase[databaseID]
		overview.DocumentCount = counts[databaseID]
		overviews = append(overviews, *overview)
	}
	return overviews, nil
}

func (r *DocumentRepository) countByDatabase(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT database_id, COUNT(*)
FROM schema_document
GROUP BY database_id`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var databaseID string
		var count int
		if err := rows.Scan(&databaseID, &count); err != nil {
			return nil, fmt.Errorf("scan document count: %w", err)
		}
		counts[databaseID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document counts: %w", err)
	}
	return counts, nil
}

func (r *DocumentRepository) CountByKind(ctx context.Context) (map[schemadoc.Kind]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT kind, COUNT(*)
FROM schema_document
GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count documents by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[schemadoc.Kind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan kind count: %w", err)
		}
		counts[schemadoc.Kind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind counts: %w", err)
	}
	return counts, nil
}
