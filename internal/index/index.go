// Package index provides semantic retrieval over schema documents. Vectors
// are held in per-database snapshots that are swapped wholesale on rewrite,
// so concurrent searches observe either the old or the new index state.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/askdb/askdb/internal/schemadoc"
)

// EmbeddingRecord pairs a document with its vector. ContentHash must match
// the current document content; a mismatch marks the record stale.
type EmbeddingRecord struct {
	DocumentID  string
	DatabaseID  string
	Vector      []float32
	ContentHash string
	Position    int
}

// Match is one search hit.
type Match struct {
	Document schemadoc.SchemaDocument
	Score    float64
}

// Embedder computes vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists embedding records so the index can be rebuilt without
// re-embedding after a restart.
type VectorStore interface {
	ReplaceVectors(ctx context.Context, databaseID string, records []EmbeddingRecord) error
	ListVectors(ctx context.Context, databaseID string) ([]EmbeddingRecord, error)
	DeleteVectors(ctx context.Context, databaseID string) error
}

// ServiceError reports an unreachable or failing embedding backend. The
// caller decides whether to retry or serve stale vectors.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("index: embedding service failed: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

type snapshot struct {
	documents []schemadoc.SchemaDocument
	records   []EmbeddingRecord
}

// Index is the in-memory search structure. One writer per database at a time;
// any number of concurrent readers.
type Index struct {
	embedder Embedder
	store    VectorStore

	mu        sync.RWMutex
	snapshots map[string]*snapshot

	writeMu sync.Mutex
}

// New builds an index backed by the given embedder. store may be nil, in
// which case vectors live only in memory.
func New(embedder Embedder, store VectorStore) *Index {
	return &Index{
		embedder:  embedder,
		store:     store,
		snapshots: make(map[string]*snapshot),
	}
}

// Upsert installs the document set for its database, computing vectors only
// for documents whose content hash changed. It returns the number of newly
// embedded documents. All documents must share one database id.
func (i *Index) Upsert(ctx context.Context, docs []schemadoc.SchemaDocument) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	databaseID := docs[0].DatabaseID
	for _, doc := range docs {
		if doc.DatabaseID != databaseID {
			return 0, fmt.Errorf("index: upsert mixes databases %q and %q", databaseID, doc.DatabaseID)
		}
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	prior := make(map[string]EmbeddingRecord)
	if current := i.current(databaseID); current != nil {
		for _, rec := range current.records {
			prior[rec.DocumentID] = rec
		}
	}

	next := &snapshot{
		documents: append([]schemadoc.SchemaDocument(nil), docs...),
		records:   make([]EmbeddingRecord, len(docs)),
	}

	var pendingTexts []string
	var pendingSlots []int
	for pos, doc := range docs {
		hash := doc.ContentHash()
		if rec, ok := prior[doc.ID]; ok && rec.ContentHash == hash {
			rec.Position = pos
			next.records[pos] = rec
			continue
		}
		next.records[pos] = EmbeddingRecord{
			DocumentID:  doc.ID,
			DatabaseID:  databaseID,
			ContentHash: hash,
			Position:    pos,
		}
		pendingTexts = append(pendingTexts, doc.Content)
		pendingSlots = append(pendingSlots, pos)
	}

	if len(pendingTexts) > 0 {
		vectors, err := i.embedder.Embed(ctx, pendingTexts)
		if err != nil {
			return 0, &ServiceError{Err: err}
		}
		if len(vectors) != len(pendingTexts) {
			return 0, &ServiceError{Err: fmt.Errorf("expected %d vectors, got %d", len(pendingTexts), len(vectors))}
		}
		for n, pos := range pendingSlots {
			next.records[pos].Vector = vectors[n]
		}
	}

	if i.store != nil {
		if err := i.store.ReplaceVectors(ctx, databaseID, next.records); err != nil {
			return 0, fmt.Errorf("persist vectors for %s: %w", databaseID, err)
		}
	}

	i.mu.Lock()
	i.snapshots[databaseID] = next
	i.mu.Unlock()

	return len(pendingTexts), nil
}

// Search returns up to k documents ranked by descending cosine similarity to
// the query text. An empty index for the database yields an empty result, not
// an error. Ties keep document insertion order.
func (i *Index) Search(ctx context.Context, databaseID, queryText string, k int) ([]Match, error) {
	if k < 1 {
		return nil, fmt.Errorf("index: k must be >= 1, got %d", k)
	}

	current := i.current(databaseID)
	if current == nil || len(current.records) == 0 {
		return []Match{}, nil
	}

	vectors, err := i.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	if len(vectors) != 1 {
		return nil, &ServiceError{Err: fmt.Errorf("expected 1 query vector, got %d", len(vectors))}
	}
	queryVector := vectors[0]

	matches := make([]Match, 0, len(current.records))
	positions := make(map[string]int, len(current.records))
	for pos, rec := range current.records {
		positions[rec.DocumentID] = pos
		matches = append(matches, Match{
			Document: current.documents[pos],
			Score:    CosineSimilarity(queryVector, rec.Vector),
		})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return positions[matches[a].Document.ID] < positions[matches[b].Document.ID]
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Reset drops all records for a database. Used when its schema is about to be
// rediscovered.
func (i *Index) Reset(ctx context.Context, databaseID string) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	if i.store != nil {
		if err := i.store.DeleteVectors(ctx, databaseID); err != nil {
			return fmt.Errorf("delete vectors for %s: %w", databaseID, err)
		}
	}

	i.mu.Lock()
	delete(i.snapshots, databaseID)
	i.mu.Unlock()
	return nil
}

// Hydrate installs previously persisted vectors alongside their documents,
// avoiding re-embedding after a restart. Records without a matching document
// are dropped.
func (i *Index) Hydrate(databaseID string, docs []schemadoc.SchemaDocument, records []EmbeddingRecord) {
	byDoc := make(map[string]EmbeddingRecord, len(records))
	for _, rec := range records {
		byDoc[rec.DocumentID] = rec
	}

	next := &snapshot{}
	for _, doc := range docs {
		rec, ok := byDoc[doc.ID]
		if !ok || rec.ContentHash != doc.ContentHash() {
			continue
		}
		rec.Position = len(next.documents)
		next.documents = append(next.documents, doc)
		next.records = append(next.records, rec)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	i.mu.Lock()
	i.snapshots[databaseID] = next
	i.mu.Unlock()
}

// DocumentCount reports the number of indexed documents for a database.
func (i *Index) DocumentCount(databaseID string) int {
	current := i.current(databaseID)
	if current == nil {
		return 0
	}
	return len(current.records)
}

func (i *Index) current(databaseID string) *snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshots[databaseID]
}

// CosineSimilarity is a pure function of the two vectors. Zero-magnitude or
// mismatched vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for n := range a {
		dot += float64(a[n]) * float64(b[n])
		magA += float64(a[n]) * float64(a[n])
		magB += float64(b[n]) * float64(b[n])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
