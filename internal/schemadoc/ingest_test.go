package schemadoc

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func sampleSchema() RawSchema {
	return RawSchema{
		DatabaseName: "shop",
		Tables: []RawTable{
			{
				Name: "orders",
				Columns: []RawColumn{
					{Name: "id", DataType: "bigint"},
					{Name: "user_id", DataType: "bigint"},
					{Name: "amount", DataType: "numeric", Nullable: true},
				},
				PrimaryKey:  []string{"id"},
				RowEstimate: 120000,
				ForeignKeys: []RawForeignKey{
					{Column: "user_id", RefTable: "users", RefColumn: "id"},
				},
				Indexes: []RawIndex{
					{Name: "idx_orders_user", Columns: []string{"user_id"}},
				},
			},
			{
				Name: "users",
				Columns: []RawColumn{
					{Name: "id", DataType: "bigint"},
					{Name: "email", DataType: "text"},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func TestIngestIsDeterministic(t *testing.T) {
	first, _, err := Ingest("shopdb", sampleSchema())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	second, _, err := Ingest("shopdb", sampleSchema())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("document counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("document order differs at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
		if first[i].Content != second[i].Content {
			t.Fatalf("document %s content differs between runs", first[i].ID)
		}
		if first[i].ContentHash() != second[i].ContentHash() {
			t.Fatalf("document %s hash differs between runs", first[i].ID)
		}
	}
}

func TestIngestBuildsExpectedDocumentSet(t *testing.T) {
	docs, warnings, err := Ingest("shopdb", sampleSchema())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	// 2 tables, 5 columns, 1 relationship, 1 index.
	if len(docs) != 9 {
		t.Fatalf("len(docs) = %d, want 9", len(docs))
	}

	byID := make(map[string]SchemaDocument, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	table, ok := byID["shopdb:table:orders"]
	if !ok {
		t.Fatal("missing orders table document")
	}
	for _, want := range []string{
		"Table: orders in shop database",
		"Columns: id (bigint, not null), user_id (bigint, not null), amount (numeric, nullable)",
		"Primary key: id",
		"Rows: approximately 120000",
		"Purpose: stores orders and transactions",
	} {
		if !strings.Contains(table.Content, want) {
			t.Fatalf("table content missing %q:\n%s", want, table.Content)
		}
	}
	if table.Metadata["row_estimate"] != "120000" {
		t.Fatalf("row_estimate = %q", table.Metadata["row_estimate"])
	}

	rel, ok := byID["shopdb:relationship:orders.user_id->users.id"]
	if !ok {
		t.Fatal("missing relationship document")
	}
	if rel.ParentRef != "shopdb:table:orders" {
		t.Fatalf("relationship parent = %q", rel.ParentRef)
	}
	if !strings.Contains(rel.Content, "orders.user_id references users.id") {
		t.Fatalf("relationship content:\n%s", rel.Content)
	}

	column, ok := byID["shopdb:column:orders.amount"]
	if !ok {
		t.Fatal("missing column document")
	}
	if column.Metadata["is_nullable"] != "true" {
		t.Fatalf("is_nullable = %q", column.Metadata["is_nullable"])
	}
}

func TestIngestSkipsBrokenElementsWithWarnings(t *testing.T) {
	raw := RawSchema{
		DatabaseName: "shop",
		Tables: []RawTable{
			{Name: ""},
			{
				Name:    "orders",
				Columns: []RawColumn{{Name: "", DataType: "text"}, {Name: "id", DataType: "bigint"}},
				ForeignKeys: []RawForeignKey{
					{Column: "user_id", RefTable: "users", RefColumn: "id"},
				},
				Indexes: []RawIndex{{Name: "", Columns: []string{"id"}}},
			},
		},
	}

	docs, warnings, err := Ingest("shopdb", raw)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len(docs) = %d, want 2", len(docs))
	}

	wantWarnings := []string{
		"skipped table with empty name",
		"skipped unnamed column in table orders",
		"skipped relationship orders.user_id -> users: referenced table not in snapshot",
		"skipped incomplete index on table orders",
	}
	if !reflect.DeepEqual(warnings, wantWarnings) {
		t.Fatalf("warnings = %v, want %v", warnings, wantWarnings)
	}
}

func TestIngestRejectsEmptySnapshot(t *testing.T) {
	_, _, err := Ingest("shopdb", RawSchema{DatabaseName: "shop"})
	var incomplete *SchemaIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("error = %v, want SchemaIncompleteError", err)
	}
	if incomplete.DatabaseID != "shopdb" {
		t.Fatalf("DatabaseID = %q", incomplete.DatabaseID)
	}
}

func TestIngestDescribesCollections(t *testing.T) {
	raw := RawSchema{
		DatabaseName: "tracking",
		Collections: []RawCollection{
			{
				Name:          "events",
				DocumentCount: 5000,
				Fields: []RawField{
					{Name: "_id", Types: []string{"objectId"}, Occurrence: 1},
					{Name: "payload", Types: []string{"object", "null"}, Occurrence: 0.72},
				},
			},
		},
	}

	docs, _, err := Ingest("trackdb", raw)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("len(docs) = %d, want 3", len(docs))
	}
	if docs[0].Kind != KindCollection || docs[0].Metadata["engine_kind"] != "document" {
		t.Fatalf("collection document = %+v", docs[0])
	}
	if !strings.Contains(docs[0].Content, "payload (object/null, 72% of documents)") {
		t.Fatalf("collection content:\n%s", docs[0].Content)
	}
	if !strings.Contains(docs[2].Content, "Present in 72% of sampled documents") {
		t.Fatalf("field content:\n%s", docs[2].Content)
	}
}
