// Package engine orchestrates the question pipeline: classify, retrieve,
// synthesize, optionally execute, then record the exchange on the session.
// Requests run in parallel; only the session append step serializes requests
// that share a session.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/classify"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/exec"
	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/retrieve"
	"github.com/askdb/askdb/internal/schemadoc"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/synth"
)

// Config carries the pipeline tunables the engine needs at call time.
type Config struct {
	TopK             int
	AutoExecute      bool
	Summarize        bool
	ExecutionTimeout time.Duration
}

type Engine struct {
	documents   schemadoc.Repository
	index       *index.Index
	classifier  *classify.Classifier
	retriever   *retrieve.Retriever
	synthesizer *synth.Synthesizer
	sessions    *session.Manager
	coordinator *exec.Coordinator
	registry    *connector.Registry
	logger      *slog.Logger
	cfg         Config
}

func New(
	documents schemadoc.Repository,
	idx *index.Index,
	classifier *classify.Classifier,
	retriever *retrieve.Retriever,
	synthesizer *synth.Synthesizer,
	sessions *session.Manager,
	coordinator *exec.Coordinator,
	registry *connector.Registry,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if cfg.TopK < 1 {
		cfg.TopK = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		documents:   documents,
		index:       idx,
		classifier:  classifier,
		retriever:   retriever,
		synthesizer: synthesizer,
		sessions:    sessions,
		coordinator: coordinator,
		registry:    registry,
		logger:      logger,
		cfg:         cfg,
	}
}

// DiscoveryReport summarizes one schema discovery run.
type DiscoveryReport struct {
	DatabaseID    string   `json:"database_id"`
	DocumentCount int      `json:"document_count"`
	EmbeddedCount int      `json:"embedded_count"`
	Warnings      []string `json:"warnings,omitempty"`
}

// DiscoverSchema pulls a fresh snapshot from the connector, rebuilds the
// document set, and re-embeds only the documents whose content changed.
func (e *Engine) DiscoverSchema(ctx context.Context, databaseID string) (DiscoveryReport, error) {
	_, conn, err := e.registry.Lookup(databaseID)
	if err != nil {
		return DiscoveryReport{}, err
	}

	raw, err := conn.ListSchema(ctx)
	if err != nil {
		return DiscoveryReport{}, fmt.Errorf("list schema for %s: %w", databaseID, err)
	}

	docs, warnings, err := schemadoc.Ingest(databaseID, raw)
	if err != nil {
		return DiscoveryReport{}, err
	}

	if err := e.documents.ReplaceDocuments(ctx, databaseID, docs); err != nil {
		return DiscoveryReport{}, fmt.Errorf("store documents for %s: %w", databaseID, err)
	}

	embedded, err := e.index.Upsert(ctx, docs)
	if err != nil {
		return DiscoveryReport{}, err
	}

	observability.ObserveSchemaDiscovery(databaseID, len(docs), embedded)
	e.logger.Info("schema discovered",
		"database", databaseID,
		"documents", len(docs),
		"embedded", embedded,
		"warnings", len(warnings),
	)
	return DiscoveryReport{
		DatabaseID:    databaseID,
		DocumentCount: len(docs),
		EmbeddedCount: embedded,
		Warnings:      warnings,
	}, nil
}

// Hydrate reloads persisted documents and vectors into the in-memory index,
// so a restart does not force re-embedding.
func (e *Engine) Hydrate(ctx context.Context, vectors index.VectorStore) error {
	if vectors == nil {
		return nil
	}
	overviews, err := e.documents.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list databases for hydration: %w", err)
	}
	for _, overview := range overviews {
		docs, err := e.documents.ListDocuments(ctx, overview.DatabaseID)
		if err != nil {
			return fmt.Errorf("load documents for %s: %w", overview.DatabaseID, err)
		}
		records, err := vectors.ListVectors(ctx, overview.DatabaseID)
		if err != nil {
			return fmt.Errorf("load vectors for %s: %w", overview.DatabaseID, err)
		}
		e.index.Hydrate(overview.DatabaseID, docs, records)
		e.logger.Info("index hydrated", "database", overview.DatabaseID, "documents", len(docs))
	}
	return nil
}

// TurnPayload is the structured artifact recorded with an assistant turn.
type TurnPayload struct {
	Classification string                `json:"classification,omitempty"`
	Kind           synth.ResultKind      `json:"kind,omitempty"`
	Query          *synth.GeneratedQuery `json:"query,omitempty"`
	RowCount       int                   `json:"row_count,omitempty"`
	Truncated      bool                  `json:"truncated,omitempty"`
	Summary        string                `json:"summary,omitempty"`
	ExecutionError string                `json:"execution_error,omitempty"`
}

// Answer is the engine's response to one question.
type Answer struct {
	Kind          synth.ResultKind      `json:"kind"`
	DatabaseID    string                `json:"database_id,omitempty"`
	SchemaAnswer  string                `json:"schema_answer,omitempty"`
	Query         *synth.GeneratedQuery `json:"query,omitempty"`
	Clarification string                `json:"clarification,omitempty"`
	Execution     *exec.Result          `json:"execution,omitempty"`
}

// Ask runs the full pipeline for one utterance. A cancelled request leaves
// no partial turn on the session.
func (e *Engine) Ask(ctx context.Context, sessionID, text, explicitDatabase string) (Answer, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return Answer{}, err
	}

	selected := explicitDatabase
	if selected == "" {
		selected = sess.SelectedDatabase()
	}

	cls, err := e.classifier.Classify(ctx, text, selected)
	if err != nil {
		return Answer{}, fmt.Errorf("classify utterance: %w", err)
	}

	if cls.TargetDatabaseID == "" {
		answer := Answer{
			Kind: synth.KindClarificationNeeded,
			Clarification: "Which database should I look at? " +
				"Select one for this session or name it in the question.",
		}
		if err := e.recordExchange(ctx, sess, text, cls, answer, nil); err != nil {
			return Answer{}, err
		}
		return answer, nil
	}

	descriptor, _, err := e.registry.Lookup(cls.TargetDatabaseID)
	if err != nil {
		return Answer{}, err
	}

	rctx, err := e.retriever.Retrieve(ctx, text, cls.TargetDatabaseID, sess, e.cfg.TopK)
	if err != nil {
		return Answer{}, err
	}
	observability.IncrementSearch()

	answer, err := e.answerFor(ctx, text, cls, rctx, descriptor)
	if err != nil {
		return Answer{}, err
	}
	answer.DatabaseID = cls.TargetDatabaseID

	if answer.Kind == synth.KindGeneratedQuery && e.cfg.AutoExecute {
		execCtx, cancel := e.executionContext(ctx)
		defer cancel()
		result, execErr := e.coordinator.Execute(execCtx, *answer.Query)
		if execErr != nil {
			observability.ObserveExecution("error")
			// The generated query still enters the conversation log so the
			// audit history covers failed executions.
			if err := e.recordExchange(ctx, sess, text, cls, answer, execErr); err != nil {
				e.logger.Warn("audit append failed", "session", sess.ID, "error", err)
			}
			return Answer{}, execErr
		}
		observability.ObserveExecution("ok")
		if e.cfg.Summarize {
			result.Summary = e.coordinator.Summarize(ctx, text, result)
		}
		answer.Execution = &result
	}

	if err := e.recordExchange(ctx, sess, text, cls, answer, nil); err != nil {
		return Answer{}, err
	}
	return answer, nil
}

// answerFor produces the structured answer, short-circuiting counting and
// listing questions about schema structure that need no model call.
func (e *Engine) answerFor(ctx context.Context, text string, cls classify.Classification, rctx retrieve.Context, descriptor connector.Descriptor) (Answer, error) {
	if cls.Kind == classify.KindSchema {
		if direct, ok, err := e.directSchemaAnswer(ctx, text, cls.TargetDatabaseID); err != nil {
			return Answer{}, err
		} else if ok {
			observability.ObserveSynthesis(string(synth.KindSchemaAnswer), 0)
			return Answer{Kind: synth.KindSchemaAnswer, SchemaAnswer: direct}, nil
		}
	}

	start := time.Now()
	result, err := e.synthesizer.Synthesize(ctx, text, cls.Kind, rctx, descriptor)
	if err != nil {
		return Answer{}, err
	}
	observability.ObserveSynthesis(string(result.Kind), time.Since(start))

	answer := Answer{Kind: result.Kind}
	switch result.Kind {
	case synth.KindSchemaAnswer:
		answer.SchemaAnswer = result.SchemaAnswer
	case synth.KindGeneratedQuery:
		answer.Query = result.Query
	case synth.KindClarificationNeeded:
		answer.Clarification = result.Clarification
		answer.Query = result.Query
		if result.Query != nil && result.Query.SafetyFlags.WriteOperation {
			observability.IncrementUnsafeQueryBlocked("write_operation")
		}
	}
	return answer, nil
}

var tableCountQuestions = []string{"how many tables", "how many collections", "list tables", "list the tables", "list all tables", "what tables", "which tables", "show tables", "show me the tables", "list collections", "what collections"}

func (e *Engine) directSchemaAnswer(ctx context.Context, text, databaseID string) (string, bool, error) {
	lower := strings.ToLower(text)
	matched := false
	for _, phrase := range tableCountQuestions {
		if strings.Contains(lower, phrase) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false, nil
	}

	docs, err := e.documents.ListDocuments(ctx, databaseID)
	if err != nil {
		if errors.Is(err, schemadoc.ErrNotFound) {
			return fmt.Sprintf("No schema has been discovered for %s yet. Run schema discovery first.", databaseID), true, nil
		}
		return "", false, fmt.Errorf("list documents for %s: %w", databaseID, err)
	}

	var tables, collections []string
	for _, doc := range docs {
		switch doc.Kind {
		case schemadoc.KindTable:
			tables = append(tables, doc.DisplayName)
		case schemadoc.KindCollection:
			collections = append(collections, doc.DisplayName)
		}
	}
	sort.Strings(tables)
	sort.Strings(collections)

	switch {
	case len(tables) > 0 && len(collections) == 0:
		return fmt.Sprintf("The %s database contains %d tables: %s.", databaseID, len(tables), strings.Join(tables, ", ")), true, nil
	case len(collections) > 0 && len(tables) == 0:
		return fmt.Sprintf("The %s database contains %d collections: %s.", databaseID, len(collections), strings.Join(collections, ", ")), true, nil
	case len(tables) > 0:
		return fmt.Sprintf("The %s database contains %d tables (%s) and %d collections (%s).",
			databaseID, len(tables), strings.Join(tables, ", "), len(collections), strings.Join(collections, ", ")), true, nil
	default:
		return fmt.Sprintf("No tables or collections are indexed for %s.", databaseID), true, nil
	}
}

// recordExchange appends the user and assistant turns as one atomic pair, so
// a concurrent exchange on the same session cannot land between them. A
// cancelled context appends nothing; sink failures leave an audit gap that is
// logged but does not fail the request.
func (e *Engine) recordExchange(ctx context.Context, sess *session.Session, text string, cls classify.Classification, answer Answer, execErr error) error {
	userTurn := session.Turn{
		Role:       session.RoleUser,
		Text:       text,
		DatabaseID: cls.TargetDatabaseID,
	}

	payload := TurnPayload{
		Classification: string(cls.Kind),
		Kind:           answer.Kind,
		Query:          answer.Query,
	}
	if answer.Execution != nil {
		payload.RowCount = answer.Execution.RowCount
		payload.Truncated = answer.Execution.Truncated
		payload.Summary = answer.Execution.Summary
	}
	if execErr != nil {
		payload.ExecutionError = execErr.Error()
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode turn payload: %w", err)
	}

	assistantTurn := session.Turn{
		Role:       session.RoleAssistant,
		Text:       answer.responseText(),
		DatabaseID: cls.TargetDatabaseID,
		Payload:    encoded,
	}

	if err := sess.AppendExchange(ctx, userTurn, assistantTurn); err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.logger.Warn("exchange append failed", "session", sess.ID, "error", err)
	}
	return nil
}

func (a Answer) responseText() string {
	switch a.Kind {
	case synth.KindSchemaAnswer:
		return a.SchemaAnswer
	case synth.KindClarificationNeeded:
		return a.Clarification
	case synth.KindGeneratedQuery:
		if a.Execution != nil && a.Execution.Summary != "" {
			return a.Execution.Summary
		}
		if a.Query != nil {
			return a.Query.Explanation
		}
	}
	return ""
}

func (e *Engine) executionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ExecutionTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
}

// ExecuteQuery validates and runs a caller-supplied query against a
// database, for the flow where the UI shows the generated query first and
// the user confirms execution.
func (e *Engine) ExecuteQuery(ctx context.Context, databaseID, queryText string, allowWrites bool) (exec.Result, error) {
	descriptor, _, err := e.registry.Lookup(databaseID)
	if err != nil {
		return exec.Result{}, err
	}
	if err := synth.ValidateForExecution(queryText, descriptor.EngineKind, allowWrites); err != nil {
		var unsafe *synth.UnsafeQueryError
		if errors.As(err, &unsafe) {
			observability.IncrementUnsafeQueryBlocked(unsafe.Flag)
		}
		return exec.Result{}, err
	}

	execCtx, cancel := e.executionContext(ctx)
	defer cancel()
	result, err := e.coordinator.Execute(execCtx, synth.GeneratedQuery{
		QueryText:        queryText,
		TargetDatabaseID: databaseID,
	})
	if err != nil {
		observability.ObserveExecution("error")
		return exec.Result{}, err
	}
	observability.ObserveExecution("ok")
	return result, nil
}

// Overview reports what is indexed, for the dashboard.
type Overview struct {
	Databases      map[string]DatabaseSummary `json:"databases"`
	DocumentKinds  map[string]int             `json:"document_kinds"`
	TotalDocuments int                        `json:"total_documents"`
}

type DatabaseSummary struct {
	EngineKind    string   `json:"engine_kind"`
	Tables        []string `json:"tables,omitempty"`
	Collections   []string `json:"collections,omitempty"`
	DocumentCount int      `json:"document_count"`
}

func (e *Engine) Overview(ctx context.Context) (Overview, error) {
	overviews, err := e.documents.ListDatabases(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list databases: %w", err)
	}
	kindCounts, err := e.documents.CountByKind(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("count documents by kind: %w", err)
	}

	out := Overview{
		Databases:     make(map[string]DatabaseSummary, len(overviews)),
		DocumentKinds: make(map[string]int, len(kindCounts)),
	}
	for _, overview := range overviews {
		out.Databases[overview.DatabaseID] = DatabaseSummary{
			EngineKind:    overview.EngineKind,
			Tables:        overview.Tables,
			Collections:   overview.Collections,
			DocumentCount: overview.DocumentCount,
		}
		out.TotalDocuments += overview.DocumentCount
	}
	for kind, count := range kindCounts {
		out.DocumentKinds[string(kind)] = count
	}
	return out, nil
}

// SelectDatabase pins a database for future turns in a session.
func (e *Engine) SelectDatabase(sessionID, databaseID string) error {
	if _, _, err := e.registry.Lookup(databaseID); err != nil {
		return err
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	sess.SelectDatabase(databaseID)
	return nil
}

// ResetSession clears a session's turns without touching any indexed schema
// state.
func (e *Engine) ResetSession(sessionID string) error {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Reset()
	return nil
}
