// Package memory is an in-process document repository, used in tests and in
// deployments that run without a backing Postgres store.
package memory

import (
	"context"
	"sync"

	"github.com/askdb/askdb/internal/schemadoc"
)

type Repository struct {
	mu          sync.RWMutex
	byDatabase  map[string][]schemadoc.SchemaDocument
	engineKinds map[string]string
	order       []string
}

func NewRepository() *Repository {
	return &Repository{
		byDatabase:  make(map[string][]schemadoc.SchemaDocument),
		engineKinds: make(map[string]string),
	}
}

func (r *Repository) ReplaceDocuments(_ context.Context, databaseID string, docs []schemadoc.SchemaDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byDatabase[databaseID]; !exists {
		r.order = append(r.order, databaseID)
	}
	r.byDatabase[databaseID] = append([]schemadoc.SchemaDocument(nil), docs...)

	kind := "relational"
	for _, doc := range docs {
		if v := doc.Metadata["engine_kind"]; v != "" {
			kind = v
			break
		}
	}
	r.engineKinds[databaseID] = kind
	return nil
}

func (r *Repository) ListDocuments(_ context.Context, databaseID string) ([]schemadoc.SchemaDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	docs, ok := r.byDatabase[databaseID]
	if !ok {
		return nil, schemadoc.ErrNotFound
	}
	return append([]schemadoc.SchemaDocument(nil), docs...), nil
}

func (r *Repository) ListDatabases(_ context.Context) ([]schemadoc.DatabaseOverview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	overviews := make([]schemadoc.DatabaseOverview, 0, len(r.order))
	for _, databaseID := range r.order {
		overview := schemadoc.DatabaseOverview{
			DatabaseID:    databaseID,
			EngineKind:    r.engineKinds[databaseID],
			DocumentCount: len(r.byDatabase[databaseID]),
		}
		for _, doc := range r.byDatabase[databaseID] {
			switch doc.Kind {
			case schemadoc.KindTable:
				overview.Tables = append(overview.Tables, doc.DisplayName)
			case schemadoc.KindCollection:
				overview.Collections = append(overview.Collections, doc.DisplayName)
			}
		}
		overviews = append(overviews, overview)
	}
	return overviews, nil
}

func (r *Repository) CountByKind(_ context.Context) (map[schemadoc.Kind]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[schemadoc.Kind]int)
	for _, docs := range r.byDatabase {
		for _, doc := range docs {
			counts[doc.Kind]++
		}
	}
	return counts, nil
}
