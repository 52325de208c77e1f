package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/classify"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/exec"
	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/retrieve"
	"github.com/askdb/askdb/internal/schemadoc"
	"github.com/askdb/askdb/internal/schemadoc/memory"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/synth"
)

type fakeConnector struct {
	schema  schemadoc.RawSchema
	result  connector.Result
	err     error
	execErr error
}

func (f *fakeConnector) ListSchema(_ context.Context) (schemadoc.RawSchema, error) {
	return f.schema, f.err
}

func (f *fakeConnector) Execute(_ context.Context, _ string, _ int) (connector.Result, error) {
	if f.execErr != nil {
		return connector.Result{}, f.execErr
	}
	return f.result, f.err
}

func (f *fakeConnector) Close() error { return nil }

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for n, text := range texts {
		vec := []float32{0, 0, 1}
		if strings.Contains(strings.ToLower(text), "order") {
			vec = []float32{1, 0, 0}
		}
		out[n] = vec
	}
	return out, nil
}

type scriptedGenerator struct {
	response string
	err      error

	mu      sync.Mutex
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, _, userPrompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, userPrompt)
	g.mu.Unlock()
	return g.response, g.err
}

func (g *scriptedGenerator) receivedPrompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func shopSchema() schemadoc.RawSchema {
	return schemadoc.RawSchema{
		DatabaseName: "shop",
		Tables: []schemadoc.RawTable{
			{
				Name:        "orders",
				Columns:     []schemadoc.RawColumn{{Name: "id", DataType: "bigint"}, {Name: "amount", DataType: "numeric"}},
				PrimaryKey:  []string{"id"},
				RowEstimate: 1000,
			},
			{
				Name:    "users",
				Columns: []schemadoc.RawColumn{{Name: "id", DataType: "bigint"}},
			},
		},
	}
}

type testHarness struct {
	engine    *Engine
	registry  *connector.Registry
	documents schemadoc.Repository
	sessions  *session.Manager
	generator *scriptedGenerator
}

func newHarness(t *testing.T, conn connector.Connector, generatorResponse string, cfg Config) *testHarness {
	t.Helper()

	registry := connector.NewRegistry()
	descriptor := connector.Descriptor{DatabaseID: "shopdb", EngineKind: connector.EngineRelational, Dialect: "postgres"}
	if err := registry.Register(descriptor, conn); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	documents := memory.NewRepository()
	schemaIndex := index.New(&fakeEmbedder{}, nil)
	generator := &scriptedGenerator{response: generatorResponse}
	sessions := session.NewManager(30*time.Minute, nil)

	e := New(
		documents,
		schemaIndex,
		classify.New(generator, registry.Names),
		retrieve.New(schemaIndex, 600),
		synth.New(generator, synth.Config{}),
		sessions,
		exec.NewCoordinator(registry, nil, nil, 10, nil),
		registry,
		nil,
		cfg,
	)
	return &testHarness{engine: e, registry: registry, documents: documents, sessions: sessions, generator: generator}
}

func TestDiscoverSchemaBuildsDocumentsAndEmbeddings(t *testing.T) {
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{TopK: 4})

	report, err := h.engine.DiscoverSchema(context.Background(), "shopdb")
	if err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}
	// 2 tables + 3 columns.
	if report.DocumentCount != 5 {
		t.Fatalf("DocumentCount = %d, want 5", report.DocumentCount)
	}
	if report.EmbeddedCount != 5 {
		t.Fatalf("EmbeddedCount = %d, want 5 on first discovery", report.EmbeddedCount)
	}

	// Rediscovery with identical content embeds nothing.
	report, err = h.engine.DiscoverSchema(context.Background(), "shopdb")
	if err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}
	if report.EmbeddedCount != 0 {
		t.Fatalf("EmbeddedCount = %d on rediscovery, want 0", report.EmbeddedCount)
	}
}

func TestDiscoverSchemaUnknownDatabase(t *testing.T) {
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{})
	_, err := h.engine.DiscoverSchema(context.Background(), "missing")
	if !errors.Is(err, connector.ErrUnknownDatabase) {
		t.Fatalf("error = %v", err)
	}
}

func TestAskWithoutTargetDatabaseAsksForSelection(t *testing.T) {
	// Two databases so an unqualified question cannot resolve.
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{})
	second := connector.Descriptor{DatabaseID: "eventsdb", EngineKind: connector.EngineDocument, Dialect: "mongodb"}
	if err := h.registry.Register(second, &fakeConnector{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	answer, err := h.engine.Ask(context.Background(), "s1", "how many orders are there?", "")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Kind != synth.KindClarificationNeeded {
		t.Fatalf("Kind = %s, want clarification_needed", answer.Kind)
	}
	if !strings.Contains(answer.Clarification, "database") {
		t.Fatalf("clarification = %q", answer.Clarification)
	}

	sess, _ := h.sessions.Get("s1")
	if sess.TurnCount() != 2 {
		t.Fatalf("TurnCount = %d, want user + assistant", sess.TurnCount())
	}
}

func TestAskAnswersTableCountDirectly(t *testing.T) {
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{TopK: 4})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	answer, err := h.engine.Ask(context.Background(), "s1", "how many tables are in shopdb?", "")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Kind != synth.KindSchemaAnswer {
		t.Fatalf("Kind = %s, want schema_answer", answer.Kind)
	}
	if !strings.Contains(answer.SchemaAnswer, "2 tables") {
		t.Fatalf("SchemaAnswer = %q", answer.SchemaAnswer)
	}
	if !strings.Contains(answer.SchemaAnswer, "orders") || !strings.Contains(answer.SchemaAnswer, "users") {
		t.Fatalf("SchemaAnswer does not enumerate tables: %q", answer.SchemaAnswer)
	}
}

func TestAskGeneratesAndAutoExecutesQuery(t *testing.T) {
	conn := &fakeConnector{
		schema: shopSchema(),
		result: connector.Result{Columns: []string{"count"}, Rows: [][]any{{int64(42)}}},
	}
	response := `{"kind": "query", "query": "SELECT count(*) FROM orders WHERE amount > 0", "explanation": "Counts orders with a positive amount."}`
	h := newHarness(t, conn, response, Config{TopK: 4, AutoExecute: true})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	answer, err := h.engine.Ask(context.Background(), "s1", "show the total amount of orders", "shopdb")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Kind != synth.KindGeneratedQuery {
		t.Fatalf("Kind = %s, want generated_query", answer.Kind)
	}
	if answer.Execution == nil || answer.Execution.RowCount != 1 {
		t.Fatalf("Execution = %+v", answer.Execution)
	}
	if answer.DatabaseID != "shopdb" {
		t.Fatalf("DatabaseID = %q", answer.DatabaseID)
	}
}

func TestAskRecordsTurnPayload(t *testing.T) {
	response := `{"kind": "query", "query": "SELECT count(*) FROM orders WHERE amount > 0", "explanation": "Counts orders."}`
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, response, Config{TopK: 4})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	if _, err := h.engine.Ask(context.Background(), "s1", "show the total amount of orders", "shopdb"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	sess, _ := h.sessions.Get("s1")
	turns := sess.Recent(0)
	if len(turns) != 2 {
		t.Fatalf("TurnCount = %d", len(turns))
	}
	if turns[0].Role != session.RoleUser || turns[1].Role != session.RoleAssistant {
		t.Fatalf("roles = %s, %s", turns[0].Role, turns[1].Role)
	}
	if !strings.Contains(string(turns[1].Payload), `"generated_query"`) {
		t.Fatalf("assistant payload = %s", turns[1].Payload)
	}
}

func TestAskUsesSessionSelection(t *testing.T) {
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{TopK: 4})
	second := connector.Descriptor{DatabaseID: "eventsdb", EngineKind: connector.EngineDocument, Dialect: "mongodb"}
	if err := h.registry.Register(second, &fakeConnector{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	if err := h.engine.SelectDatabase("s1", "shopdb"); err != nil {
		t.Fatalf("SelectDatabase() error = %v", err)
	}

	answer, err := h.engine.Ask(context.Background(), "s1", "what tables are there?", "")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.DatabaseID != "shopdb" {
		t.Fatalf("DatabaseID = %q, want the session selection", answer.DatabaseID)
	}
}

func TestSelectDatabaseRejectsUnknown(t *testing.T) {
	h := newHarness(t, &fakeConnector{}, "", Config{})
	if err := h.engine.SelectDatabase("s1", "missing"); !errors.Is(err, connector.ErrUnknownDatabase) {
		t.Fatalf("error = %v", err)
	}
}

func TestExecuteQueryBlocksWrites(t *testing.T) {
	h := newHarness(t, &fakeConnector{}, "", Config{})

	_, err := h.engine.ExecuteQuery(context.Background(), "shopdb", "DROP TABLE orders", false)
	var unsafe *synth.UnsafeQueryError
	if !errors.As(err, &unsafe) {
		t.Fatalf("error = %v, want UnsafeQueryError", err)
	}
	if unsafe.Flag != "write_operation" {
		t.Fatalf("Flag = %q", unsafe.Flag)
	}
}

func TestExecuteQueryRunsValidatedQuery(t *testing.T) {
	conn := &fakeConnector{result: connector.Result{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}}}
	h := newHarness(t, conn, "", Config{})

	result, err := h.engine.ExecuteQuery(context.Background(), "shopdb", "SELECT id FROM orders", false)
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("RowCount = %d", result.RowCount)
	}
}

func TestOverviewAggregatesDatabases(t *testing.T) {
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{TopK: 4})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	overview, err := h.engine.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	summary, ok := overview.Databases["shopdb"]
	if !ok {
		t.Fatal("missing shopdb summary")
	}
	if summary.DocumentCount != 5 || len(summary.Tables) != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if overview.TotalDocuments != 5 {
		t.Fatalf("TotalDocuments = %d", overview.TotalDocuments)
	}
	if overview.DocumentKinds["table"] != 2 || overview.DocumentKinds["column"] != 3 {
		t.Fatalf("DocumentKinds = %+v", overview.DocumentKinds)
	}
}

func TestResetSessionClearsHistory(t *testing.T) {
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, "", Config{TopK: 4})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}
	if _, err := h.engine.Ask(context.Background(), "s1", "list tables in shopdb", ""); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	if err := h.engine.ResetSession("s1"); err != nil {
		t.Fatalf("ResetSession() error = %v", err)
	}
	sess, _ := h.sessions.Get("s1")
	if sess.TurnCount() != 0 {
		t.Fatalf("TurnCount = %d after reset", sess.TurnCount())
	}
}

func TestAskConcurrentQuestionsKeepExchangePairsAdjacent(t *testing.T) {
	response := `{"kind": "query", "query": "SELECT count(*) FROM orders WHERE amount > 0", "explanation": "Counts orders."}`
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, response, Config{TopK: 4})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Ask(context.Background(), "s1", "show the total amount of orders", "shopdb"); err != nil {
				t.Errorf("Ask() error = %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := h.sessions.Get("s1")
	turns := sess.Recent(0)
	if len(turns) != 4 {
		t.Fatalf("TurnCount = %d, want 4", len(turns))
	}
	for i := 0; i < len(turns); i += 2 {
		if turns[i].Role != session.RoleUser || turns[i+1].Role != session.RoleAssistant {
			t.Fatalf("turns %d,%d roles = %s, %s; want each question directly followed by its answer",
				i, i+1, turns[i].Role, turns[i+1].Role)
		}
	}
}

func TestAskFollowUpPromptIncludesEarlierTurns(t *testing.T) {
	response := `{"kind": "query", "query": "SELECT avg(amount) FROM orders", "explanation": "Averages order amounts."}`
	h := newHarness(t, &fakeConnector{schema: shopSchema()}, response, Config{TopK: 4})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	if _, err := h.engine.Ask(context.Background(), "s1", "what is the average order amount?", "shopdb"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if _, err := h.engine.Ask(context.Background(), "s1", "and for last month?", "shopdb"); err != nil {
		t.Fatalf("Ask() follow-up error = %v", err)
	}

	prompts := h.generator.receivedPrompts()
	if len(prompts) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "what is the average order amount?") {
		t.Fatalf("follow-up prompt is missing the earlier question:\n%s", prompts[1])
	}
	if !strings.Contains(prompts[1], "Averages order amounts.") {
		t.Fatalf("follow-up prompt is missing the earlier answer:\n%s", prompts[1])
	}
}

func TestAskRecordsFailedExecutionInHistory(t *testing.T) {
	response := `{"kind": "query", "query": "SELECT count(*) FROM orders WHERE amount > 0", "explanation": "Counts orders."}`
	conn := &fakeConnector{schema: shopSchema(), execErr: errors.New("relation vanished")}
	h := newHarness(t, conn, response, Config{TopK: 4, AutoExecute: true})
	if _, err := h.engine.DiscoverSchema(context.Background(), "shopdb"); err != nil {
		t.Fatalf("DiscoverSchema() error = %v", err)
	}

	if _, err := h.engine.Ask(context.Background(), "s1", "show the total amount of orders", "shopdb"); err == nil {
		t.Fatal("Ask() error = nil, want execution failure")
	}

	sess, _ := h.sessions.Get("s1")
	turns := sess.Recent(0)
	if len(turns) != 2 {
		t.Fatalf("TurnCount = %d, want the failed exchange recorded", len(turns))
	}
	payload := string(turns[1].Payload)
	if !strings.Contains(payload, "SELECT count(*) FROM orders") {
		t.Fatalf("assistant payload lost the generated query: %s", payload)
	}
	if !strings.Contains(payload, "relation vanished") {
		t.Fatalf("assistant payload lost the execution error: %s", payload)
	}
}
