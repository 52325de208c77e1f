// Package mongo implements the connector capability for MongoDB databases.
// Schema discovery samples documents per collection because document stores
// carry no declared schema.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/schemadoc"
)

// sampleSize caps how many documents discovery reads per collection.
const sampleSize = 100

type Connector struct {
	databaseID   string
	databaseName string
	client       *mongo.Client
	database     *mongo.Database
}

func New(ctx context.Context, databaseID, databaseName, uri string) (*Connector, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo connector uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Connector{
		databaseID:   databaseID,
		databaseName: databaseName,
		client:       client,
		database:     client.Database(databaseName),
	}, nil
}

func (c *Connector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

func (c *Connector) ListSchema(ctx context.Context) (schemadoc.RawSchema, error) {
	raw := schemadoc.RawSchema{
		DatabaseName: c.databaseName,
		EngineKind:   string(connector.EngineDocument),
	}

	names, err := c.database.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return schemadoc.RawSchema{}, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		collection, err := c.describeCollection(ctx, name)
		if err != nil {
			return schemadoc.RawSchema{}, err
		}
		raw.Collections = append(raw.Collections, collection)
	}
	return raw, nil
}

func (c *Connector) describeCollection(ctx context.Context, name string) (schemadoc.RawCollection, error) {
	coll := c.database.Collection(name)

	count, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return schemadoc.RawCollection{}, fmt.Errorf("count collection %s: %w", name, err)
	}

	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(sampleSize))
	if err != nil {
		return schemadoc.RawCollection{}, fmt.Errorf("sample collection %s: %w", name, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	fieldTypes := make(map[string]map[string]bool)
	fieldCounts := make(map[string]int)
	sampled := 0
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return schemadoc.RawCollection{}, fmt.Errorf("decode sampled document in %s: %w", name, err)
		}
		sampled++
		for field, value := range doc {
			if fieldTypes[field] == nil {
				fieldTypes[field] = make(map[string]bool)
			}
			fieldTypes[field][bsonTypeName(value)] = true
			fieldCounts[field]++
		}
	}
	if err := cursor.Err(); err != nil {
		return schemadoc.RawCollection{}, fmt.Errorf("iterate samples in %s: %w", name, err)
	}

	fieldNames := make([]string, 0, len(fieldTypes))
	for field := range fieldTypes {
		fieldNames = append(fieldNames, field)
	}
	sort.Strings(fieldNames)

	collection := schemadoc.RawCollection{Name: name, DocumentCount: count}
	for _, field := range fieldNames {
		types := make([]string, 0, len(fieldTypes[field]))
		for t := range fieldTypes[field] {
			types = append(types, t)
		}
		sort.Strings(types)
		occurrence := 0.0
		if sampled > 0 {
			occurrence = float64(fieldCounts[field]) / float64(sampled)
		}
		collection.Fields = append(collection.Fields, schemadoc.RawField{
			Name:       field,
			Types:      types,
			Occurrence: occurrence,
		})
	}
	return collection, nil
}

func bsonTypeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int32, int64, int:
		return "int"
	case float64:
		return "double"
	case bson.M, bson.D:
		return "object"
	case bson.A:
		return "array"
	case time.Time:
		return "date"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// querySpec is the structured query shape the synthesizer emits for document
// databases, carried as JSON in GeneratedQuery.QueryText.
type querySpec struct {
	Collection string         `json:"collection"`
	Filter     map[string]any `json:"filter"`
	Projection map[string]any `json:"projection"`
	Sort       map[string]any `json:"sort"`
	Limit      int64          `json:"limit"`
}

func (c *Connector) Execute(ctx context.Context, queryText string, limit int) (connector.Result, error) {
	var spec querySpec
	if err := json.Unmarshal([]byte(queryText), &spec); err != nil {
		return connector.Result{}, fmt.Errorf("parse mongo query spec: %w", err)
	}
	if strings.TrimSpace(spec.Collection) == "" {
		return connector.Result{}, fmt.Errorf("mongo query spec requires a collection")
	}

	effectiveLimit := int64(limit)
	if spec.Limit > 0 && spec.Limit < effectiveLimit {
		effectiveLimit = spec.Limit
	}

	findOpts := options.Find()
	if effectiveLimit > 0 {
		findOpts.SetLimit(effectiveLimit)
	}
	if len(spec.Projection) > 0 {
		findOpts.SetProjection(toSortedDoc(spec.Projection))
	}
	if len(spec.Sort) > 0 {
		findOpts.SetSort(toSortedDoc(spec.Sort))
	}

	filter := bson.M{}
	for k, v := range spec.Filter {
		filter[k] = v
	}

	cursor, err := c.database.Collection(spec.Collection).Find(ctx, filter, findOpts)
	if err != nil {
		return connector.Result{}, fmt.Errorf("execute mongo query: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []bson.M
	columnSet := make(map[string]bool)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return connector.Result{}, fmt.Errorf("decode mongo result: %w", err)
		}
		docs = append(docs, doc)
		for field := range doc {
			columnSet[field] = true
		}
	}
	if err := cursor.Err(); err != nil {
		return connector.Result{}, fmt.Errorf("iterate mongo results: %w", err)
	}

	columns := make([]string, 0, len(columnSet))
	for field := range columnSet {
		columns = append(columns, field)
	}
	sort.Strings(columns)

	result := connector.Result{Columns: columns}
	for _, doc := range docs {
		row := make([]any, len(columns))
		for i, column := range columns {
			row[i] = doc[column]
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func toSortedDoc(fields map[string]any) bson.D {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		doc = append(doc, bson.E{Key: k, Value: fields[k]})
	}
	return doc
}
