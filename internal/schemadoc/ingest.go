package schemadoc

import (
	"fmt"
	"strings"
)

// purposeHints maps name fragments to a short description of what the element
// likely holds. Matching is substring-based and first-hit wins.
var purposeHints = []struct {
	fragment string
	purpose  string
}{
	{"user", "user accounts and profiles"},
	{"customer", "customer records"},
	{"order", "orders and transactions"},
	{"product", "product catalog information"},
	{"invoice", "billing and invoice records"},
	{"payment", "payment records"},
	{"event", "event or activity log entries"},
	{"session", "session tracking data"},
	{"log", "log entries"},
	{"inventory", "inventory and stock levels"},
	{"employee", "employee records"},
	{"address", "address and location data"},
}

func inferPurpose(name string) string {
	lower := strings.ToLower(name)
	for _, hint := range purposeHints {
		if strings.Contains(lower, hint.fragment) {
			return hint.purpose
		}
	}
	return ""
}

// Ingest converts a raw schema snapshot into the canonical document set for
// one database. The same snapshot always yields byte-identical content.
// Elements that cannot be described are skipped and reported in warnings; only
// a snapshot yielding zero documents is rejected.
func Ingest(databaseID string, raw RawSchema) ([]SchemaDocument, []string, error) {
	var docs []SchemaDocument
	var warnings []string

	tableNames := make(map[string]bool, len(raw.Tables))
	for _, table := range raw.Tables {
		if table.Name != "" {
			tableNames[table.Name] = true
		}
	}

	for _, table := range raw.Tables {
		if table.Name == "" {
			warnings = append(warnings, "skipped table with empty name")
			continue
		}
		docs = append(docs, buildTableDocument(databaseID, raw.DatabaseName, table))
		for _, column := range table.Columns {
			if column.Name == "" {
				warnings = append(warnings, fmt.Sprintf("skipped unnamed column in table %s", table.Name))
				continue
			}
			docs = append(docs, buildColumnDocument(databaseID, raw.DatabaseName, table.Name, column))
		}
		for _, fk := range table.ForeignKeys {
			if !tableNames[fk.RefTable] {
				warnings = append(warnings, fmt.Sprintf("skipped relationship %s.%s -> %s: referenced table not in snapshot", table.Name, fk.Column, fk.RefTable))
				continue
			}
			docs = append(docs, buildRelationshipDocument(databaseID, raw.DatabaseName, table.Name, fk))
		}
		for _, idx := range table.Indexes {
			if idx.Name == "" || len(idx.Columns) == 0 {
				warnings = append(warnings, fmt.Sprintf("skipped incomplete index on table %s", table.Name))
				continue
			}
			docs = append(docs, buildIndexDocument(databaseID, raw.DatabaseName, table.Name, idx))
		}
	}

	for _, collection := range raw.Collections {
		if collection.Name == "" {
			warnings = append(warnings, "skipped collection with empty name")
			continue
		}
		docs = append(docs, buildCollectionDocument(databaseID, raw.DatabaseName, collection))
		for _, field := range collection.Fields {
			if field.Name == "" {
				warnings = append(warnings, fmt.Sprintf("skipped unnamed field in collection %s", collection.Name))
				continue
			}
			docs = append(docs, buildFieldDocument(databaseID, raw.DatabaseName, collection.Name, field))
		}
	}

	if len(docs) == 0 {
		return nil, warnings, &SchemaIncompleteError{DatabaseID: databaseID, Reason: "snapshot produced no documents"}
	}
	return docs, warnings, nil
}

func buildTableDocument(databaseID, databaseName string, table RawTable) SchemaDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s in %s database\n", table.Name, databaseName)

	cols := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		nullability := "not null"
		if c.Nullable {
			nullability = "nullable"
		}
		cols = append(cols, fmt.Sprintf("%s (%s, %s)", c.Name, c.DataType, nullability))
	}
	if len(cols) > 0 {
		fmt.Fprintf(&b, "Columns: %s\n", strings.Join(cols, ", "))
	}
	if len(table.PrimaryKey) > 0 {
		fmt.Fprintf(&b, "Primary key: %s\n", strings.Join(table.PrimaryKey, ", "))
	}
	if table.RowEstimate > 0 {
		fmt.Fprintf(&b, "Rows: approximately %d\n", table.RowEstimate)
	}
	if purpose := inferPurpose(table.Name); purpose != "" {
		fmt.Fprintf(&b, "Purpose: stores %s\n", purpose)
	}
	fmt.Fprintf(&b, "Keywords: %s, table, %s", table.Name, databaseName)

	return SchemaDocument{
		ID:          fmt.Sprintf("%s:table:%s", databaseID, table.Name),
		DatabaseID:  databaseID,
		Kind:        KindTable,
		DisplayName: table.Name,
		Content:     b.String(),
		Metadata: map[string]string{
			"table_name":   table.Name,
			"row_estimate": fmt.Sprintf("%d", table.RowEstimate),
			"engine_kind":  "relational",
		},
	}
}

func buildColumnDocument(databaseID, databaseName, tableName string, column RawColumn) SchemaDocument {
	nullability := "not null"
	if column.Nullable {
		nullability = "nullable"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Column: %s in table %s (%s database)\n", column.Name, tableName, databaseName)
	fmt.Fprintf(&b, "Type: %s, %s\n", column.DataType, nullability)
	if column.Default != "" {
		fmt.Fprintf(&b, "Default: %s\n", column.Default)
	}
	fmt.Fprintf(&b, "Keywords: %s, column, %s", column.Name, tableName)

	return SchemaDocument{
		ID:          fmt.Sprintf("%s:column:%s.%s", databaseID, tableName, column.Name),
		DatabaseID:  databaseID,
		Kind:        KindColumn,
		ParentRef:   fmt.Sprintf("%s:table:%s", databaseID, tableName),
		DisplayName: fmt.Sprintf("%s.%s", tableName, column.Name),
		Content:     b.String(),
		Metadata: map[string]string{
			"table_name":  tableName,
			"column_name": column.Name,
			"data_type":   column.DataType,
			"is_nullable": fmt.Sprintf("%t", column.Nullable),
		},
	}
}

func buildRelationshipDocument(databaseID, databaseName, tableName string, fk RawForeignKey) SchemaDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "Relationship: %s.%s references %s.%s in %s database\n", tableName, fk.Column, fk.RefTable, fk.RefColumn, databaseName)
	fmt.Fprintf(&b, "This links %s to %s via %s, enabling joins between them.\n", tableName, fk.RefTable, fk.Column)
	fmt.Fprintf(&b, "Keywords: %s, %s, relationship, join, foreign key", tableName, fk.RefTable)

	return SchemaDocument{
		ID:          fmt.Sprintf("%s:relationship:%s.%s->%s.%s", databaseID, tableName, fk.Column, fk.RefTable, fk.RefColumn),
		DatabaseID:  databaseID,
		Kind:        KindRelationship,
		ParentRef:   fmt.Sprintf("%s:table:%s", databaseID, tableName),
		DisplayName: fmt.Sprintf("%s -> %s", tableName, fk.RefTable),
		Content:     b.String(),
		Metadata: map[string]string{
			"from_table": tableName,
			"to_table":   fk.RefTable,
			"via_column": fk.Column,
		},
	}
}

func buildIndexDocument(databaseID, databaseName, tableName string, idx RawIndex) SchemaDocument {
	kind := "Index"
	if idx.Unique {
		kind = "Unique index"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s on %s (%s) in %s database\n", kind, idx.Name, tableName, strings.Join(idx.Columns, ", "), databaseName)
	fmt.Fprintf(&b, "Keywords: %s, index, %s", idx.Name, tableName)

	return SchemaDocument{
		ID:          fmt.Sprintf("%s:index:%s.%s", databaseID, tableName, idx.Name),
		DatabaseID:  databaseID,
		Kind:        KindIndex,
		ParentRef:   fmt.Sprintf("%s:table:%s", databaseID, tableName),
		DisplayName: idx.Name,
		Content:     b.String(),
		Metadata: map[string]string{
			"table_name": tableName,
			"index_name": idx.Name,
			"unique":     fmt.Sprintf("%t", idx.Unique),
		},
	}
}

func buildCollectionDocument(databaseID, databaseName string, collection RawCollection) SchemaDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "Collection: %s in %s database\n", collection.Name, databaseName)

	fields := make([]string, 0, len(collection.Fields))
	for _, f := range collection.Fields {
		fields = append(fields, fmt.Sprintf("%s (%s, %.0f%% of documents)", f.Name, strings.Join(f.Types, "/"), f.Occurrence*100))
	}
	if len(fields) > 0 {
		fmt.Fprintf(&b, "Fields: %s\n", strings.Join(fields, ", "))
	}
	if collection.DocumentCount > 0 {
		fmt.Fprintf(&b, "Documents: approximately %d\n", collection.DocumentCount)
	}
	if purpose := inferPurpose(collection.Name); purpose != "" {
		fmt.Fprintf(&b, "Purpose: stores %s\n", purpose)
	}
	fmt.Fprintf(&b, "Keywords: %s, collection, %s", collection.Name, databaseName)

	return SchemaDocument{
		ID:          fmt.Sprintf("%s:collection:%s", databaseID, collection.Name),
		DatabaseID:  databaseID,
		Kind:        KindCollection,
		DisplayName: collection.Name,
		Content:     b.String(),
		Metadata: map[string]string{
			"collection_name": collection.Name,
			"document_count":  fmt.Sprintf("%d", collection.DocumentCount),
			"engine_kind":     "document",
		},
	}
}

func buildFieldDocument(databaseID, databaseName, collectionName string, field RawField) SchemaDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "Field: %s in collection %s (%s database)\n", field.Name, collectionName, databaseName)
	fmt.Fprintf(&b, "Types: %s\n", strings.Join(field.Types, ", "))
	fmt.Fprintf(&b, "Present in %.0f%% of sampled documents\n", field.Occurrence*100)
	fmt.Fprintf(&b, "Keywords: %s, field, %s", field.Name, collectionName)

	return SchemaDocument{
		ID:          fmt.Sprintf("%s:field:%s.%s", databaseID, collectionName, field.Name),
		DatabaseID:  databaseID,
		Kind:        KindField,
		ParentRef:   fmt.Sprintf("%s:collection:%s", databaseID, collectionName),
		DisplayName: fmt.Sprintf("%s.%s", collectionName, field.Name),
		Content:     b.String(),
		Metadata: map[string]string{
			"collection_name": collectionName,
			"field_name":      field.Name,
			"engine_kind":     "document",
		},
	}
}
