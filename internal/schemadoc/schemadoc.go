package schemadoc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the structural element a document describes.
type Kind string

const (
	KindTable        Kind = "table"
	KindColumn       Kind = "column"
	KindCollection   Kind = "collection"
	KindField        Kind = "field"
	KindRelationship Kind = "relationship"
	KindIndex        Kind = "index"
)

// SchemaDocument is one retrievable description of a structural element.
// Documents are immutable; rediscovery replaces the whole set for a database.
type SchemaDocument struct {
	ID          string
	DatabaseID  string
	Kind        Kind
	ParentRef   string
	DisplayName string
	Content     string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// ContentHash returns the sha256 hex digest of the document content. Equal
// content always yields an equal hash, which lets the embedding index skip
// unchanged documents on re-ingestion.
func (d SchemaDocument) ContentHash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}

// RawSchema is the snapshot a connector produces for one database.
type RawSchema struct {
	DatabaseName string
	EngineKind   string // relational | document
	Tables       []RawTable
	Collections  []RawCollection
}

type RawTable struct {
	Name        string
	RowEstimate int64
	Columns     []RawColumn
	PrimaryKey  []string
	ForeignKeys []RawForeignKey
	Indexes     []RawIndex
}

type RawColumn struct {
	Name     string
	DataType string
	Nullable bool
	Default  string
}

type RawForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

type RawIndex struct {
	Name    string
	Columns []string
	Unique  bool
}

type RawCollection struct {
	Name          string
	DocumentCount int64
	Fields        []RawField
	Indexes       []RawIndex
}

// RawField summarizes one field observed while sampling a collection.
// Occurrence is the fraction of sampled documents that carried the field.
type RawField struct {
	Name       string
	Types      []string
	Occurrence float64
}

// DatabaseOverview aggregates per-database document counts for reporting.
type DatabaseOverview struct {
	DatabaseID    string
	EngineKind    string
	Tables        []string
	Collections   []string
	DocumentCount int
}

// Repository persists document sets. ReplaceDocuments swaps the full set for
// one database atomically so readers never observe a half-replaced schema.
type Repository interface {
	ReplaceDocuments(ctx context.Context, databaseID string, docs []SchemaDocument) error
	ListDocuments(ctx context.Context, databaseID string) ([]SchemaDocument, error)
	ListDatabases(ctx context.Context) ([]DatabaseOverview, error)
	CountByKind(ctx context.Context) (map[Kind]int, error)
}

// ErrNotFound is returned when a database has no stored documents.
var ErrNotFound = errors.New("schemadoc: not found")

// SchemaIncompleteError reports a snapshot from which no documents could be
// built. Partial snapshots are not an error; they ingest best-effort with
// warnings.
type SchemaIncompleteError struct {
	DatabaseID string
	Reason     string
}

func (e *SchemaIncompleteError) Error() string {
	return fmt.Sprintf("schemadoc: incomplete schema for %q: %s", e.DatabaseID, e.Reason)
}
