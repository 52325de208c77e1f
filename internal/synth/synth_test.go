package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/askdb/askdb/internal/classify"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/retrieve"
	"github.com/askdb/askdb/internal/schemadoc"
)

// scriptedGenerator returns its responses in order, then repeats the last.
type scriptedGenerator struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (g *scriptedGenerator) Generate(_ context.Context, _, userPrompt string) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, userPrompt)
	if g.err != nil {
		return "", g.err
	}
	n := g.calls - 1
	if n >= len(g.responses) {
		n = len(g.responses) - 1
	}
	return g.responses[n], nil
}

func relationalDescriptor() connector.Descriptor {
	return connector.Descriptor{DatabaseID: "shopdb", EngineKind: connector.EngineRelational, Dialect: "postgres"}
}

func ordersContext() retrieve.Context {
	return retrieve.Context{Documents: []index.Match{
		{Document: schemadoc.SchemaDocument{
			ID:          "shopdb:table:orders",
			Kind:        schemadoc.KindTable,
			DisplayName: "orders",
			Metadata:    map[string]string{"table_name": "orders", "row_estimate": "250000"},
		}},
		{Document: schemadoc.SchemaDocument{
			ID:          "shopdb:column:orders.amount",
			Kind:        schemadoc.KindColumn,
			DisplayName: "orders.amount",
			Metadata:    map[string]string{"table_name": "orders", "column_name": "amount"},
		}},
	}}
}

func TestSynthesizeGeneratedQuery(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		`{"kind": "query", "query": "SELECT AVG(amount) FROM orders WHERE created_at > now() - interval '1 month' LIMIT 100", "explanation": "Average order amount for the last month."}`,
	}}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "average order amount last month", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindGeneratedQuery {
		t.Fatalf("Kind = %s, want generated_query", result.Kind)
	}
	if result.Query.TargetDatabaseID != "shopdb" {
		t.Fatalf("TargetDatabaseID = %q", result.Query.TargetDatabaseID)
	}
	if result.Query.SafetyFlags != (SafetyFlags{}) {
		t.Fatalf("unexpected safety flags: %+v", result.Query.SafetyFlags)
	}
}

func TestSynthesizeRetriesOnceOnMalformedResponse(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		"Sure! Here is the query you asked for.",
		`{"kind": "query", "query": "SELECT count(*) FROM orders WHERE status = 'open'", "explanation": "Open orders."}`,
	}}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "count open orders", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindGeneratedQuery {
		t.Fatalf("Kind = %s", result.Kind)
	}
	if generator.calls != 2 {
		t.Fatalf("generator calls = %d, want 2", generator.calls)
	}
	if !strings.Contains(generator.prompts[1], "not valid JSON") {
		t.Fatal("corrective prompt missing")
	}
}

func TestSynthesizeFailsAfterSecondMalformedResponse(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{"nonsense", "still nonsense"}}
	s := New(generator, Config{})

	_, err := s.Synthesize(context.Background(), "count open orders", classify.KindData, ordersContext(), relationalDescriptor())
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want ParseError", err)
	}
	if generator.calls != 2 {
		t.Fatalf("generator calls = %d, want exactly 2", generator.calls)
	}
}

func TestSynthesizeAcceptsFencedJSON(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		"```json\n{\"kind\": \"answer\", \"explanation\": \"The orders table has 3 columns.\"}\n```",
	}}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "describe orders", classify.KindSchema, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindSchemaAnswer || result.SchemaAnswer == "" {
		t.Fatalf("result = %+v", result)
	}
	if generator.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", generator.calls)
	}
}

func TestSynthesizeBlocksWriteQueries(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		`{"kind": "query", "query": "DELETE FROM orders WHERE status = 'stale'", "explanation": "Removes stale orders."}`,
	}}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "remove stale orders", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindClarificationNeeded {
		t.Fatalf("Kind = %s, want clarification_needed", result.Kind)
	}
	if result.Query == nil || !result.Query.SafetyFlags.WriteOperation {
		t.Fatalf("blocked query not attached with flag: %+v", result.Query)
	}
}

func TestSynthesizeAllowsWritesWhenConfigured(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		`{"kind": "query", "query": "DELETE FROM orders WHERE status = 'stale'", "explanation": "Removes stale orders."}`,
	}}
	s := New(generator, Config{AllowWrites: true})

	result, err := s.Synthesize(context.Background(), "remove stale orders", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindGeneratedQuery {
		t.Fatalf("Kind = %s, want generated_query", result.Kind)
	}
	if !result.Query.SafetyFlags.WriteOperation {
		t.Fatal("write flag should still be set for the audit trail")
	}
}

func TestSynthesizeFlagsFullScanOnLargeTable(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		`{"kind": "query", "query": "SELECT * FROM orders", "explanation": "All orders."}`,
	}}
	s := New(generator, Config{LargeTableRowThreshold: 100_000})

	result, err := s.Synthesize(context.Background(), "show all orders", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !result.Query.SafetyFlags.FullTableScanRisk {
		t.Fatalf("full scan flag not set: %+v", result.Query.SafetyFlags)
	}
	if !result.Query.SafetyFlags.MissingFilter {
		t.Fatalf("missing filter flag not set: %+v", result.Query.SafetyFlags)
	}
	if len(result.Query.Warnings) == 0 {
		t.Fatal("expected a scan warning")
	}
}

func TestSynthesizeRejectsNonSelectStatements(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		`{"kind": "query", "query": "EXPLAIN ANALYZE SELECT 1", "explanation": "Plan inspection."}`,
	}}
	s := New(generator, Config{})

	_, err := s.Synthesize(context.Background(), "count orders", classify.KindData, ordersContext(), relationalDescriptor())
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error = %v, want ParseError", err)
	}
}

func TestSynthesizeAmbiguityClarification(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{`{"kind": "query", "query": "SELECT 1", "explanation": "x"}`}}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "how many payments per customer?", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindClarificationNeeded {
		t.Fatalf("Kind = %s, want clarification_needed", result.Kind)
	}
	if generator.calls != 0 {
		t.Fatalf("generator calls = %d, want 0 (gate fires before the model)", generator.calls)
	}
}

func TestSynthesizeFollowUpSkipsAmbiguityGate(t *testing.T) {
	generator := &scriptedGenerator{responses: []string{
		`{"kind": "query", "query": "SELECT count(*) FROM orders WHERE created_at > now() - interval '1 month'", "explanation": "Last month."}`,
	}}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "and for last month?", classify.KindData, ordersContext(), relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindGeneratedQuery {
		t.Fatalf("Kind = %s, want generated_query (pure follow-up skips gate)", result.Kind)
	}
}

func TestSynthesizeEmptyContextAsksForDiscovery(t *testing.T) {
	generator := &scriptedGenerator{}
	s := New(generator, Config{})

	result, err := s.Synthesize(context.Background(), "how many orders?", classify.KindData, retrieve.Context{}, relationalDescriptor())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Kind != KindClarificationNeeded {
		t.Fatalf("Kind = %s, want clarification_needed", result.Kind)
	}
	if !strings.Contains(result.Clarification, "schema") {
		t.Fatalf("clarification = %q", result.Clarification)
	}
}

func TestValidateForExecution(t *testing.T) {
	cases := []struct {
		name        string
		queryText   string
		engineKind  connector.EngineKind
		allowWrites bool
		wantFlag    string
	}{
		{"select passes", "SELECT 1", connector.EngineRelational, false, ""},
		{"cte passes", "WITH x AS (SELECT 1) SELECT * FROM x", connector.EngineRelational, false, ""},
		{"empty blocked", "   ", connector.EngineRelational, false, "empty_query"},
		{"delete blocked", "DELETE FROM orders", connector.EngineRelational, false, "write_operation"},
		{"delete allowed", "DELETE FROM orders", connector.EngineRelational, true, ""},
		{"explain blocked", "EXPLAIN SELECT 1", connector.EngineRelational, false, "not_read_only"},
		{"document read passes", `{"collection": "events", "filter": {}}`, connector.EngineDocument, false, ""},
		{"document write blocked", `{"collection": "events", "deleteMany": {}}`, connector.EngineDocument, false, "write_operation"},
	}

	for _, tc := range cases {
		err := ValidateForExecution(tc.queryText, tc.engineKind, tc.allowWrites)
		if tc.wantFlag == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		var unsafe *UnsafeQueryError
		if !errors.As(err, &unsafe) {
			t.Fatalf("%s: error = %v, want UnsafeQueryError", tc.name, err)
		}
		if unsafe.Flag != tc.wantFlag {
			t.Fatalf("%s: flag = %q, want %q", tc.name, unsafe.Flag, tc.wantFlag)
		}
	}
}

func TestContainsWriteOperation(t *testing.T) {
	if ContainsWriteOperation("SELECT * FROM created_items", connector.EngineRelational) {
		t.Fatal("keyword inside identifier should not match")
	}
	if !ContainsWriteOperation("INSERT INTO orders VALUES (1)", connector.EngineRelational) {
		t.Fatal("insert should match")
	}
	if !ContainsWriteOperation(`{"collection": "events", "insertOne": {}}`, connector.EngineDocument) {
		t.Fatal("insertOne should match for document engines")
	}
}
