// Package exec bridges a validated generated query to the connector
// capability and back, enforcing the row cap and wrapping failures with the
// offending query text.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/genai"
	"github.com/askdb/askdb/internal/synth"
)

// ExecutionError wraps a connector failure verbatim together with the query
// that caused it. Execution is never retried automatically; a new question
// produces a new synthesis.
type ExecutionError struct {
	QueryText string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("exec: query failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Result carries at most the configured row cap. Truncated reports whether
// the source had more rows.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Summary   string   `json:"summary,omitempty"`
}

// Archiver persists executed results for later retrieval. Archival is
// best-effort and never blocks a response.
type Archiver interface {
	ArchiveResult(ctx context.Context, databaseID string, columns []string, rows [][]any) (string, error)
}

type Coordinator struct {
	registry  *connector.Registry
	generator genai.Generator
	archiver  Archiver
	rowCap    int
	logger    *slog.Logger
}

func NewCoordinator(registry *connector.Registry, generator genai.Generator, archiver Archiver, rowCap int, logger *slog.Logger) *Coordinator {
	if rowCap <= 0 {
		rowCap = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:  registry,
		generator: generator,
		archiver:  archiver,
		rowCap:    rowCap,
		logger:    logger,
	}
}

// Execute runs a generated query against its target database. The connector
// is asked for one row beyond the cap so truncation is detected without
// materializing the full result.
func (c *Coordinator) Execute(ctx context.Context, query synth.GeneratedQuery) (Result, error) {
	_, conn, err := c.registry.Lookup(query.TargetDatabaseID)
	if err != nil {
		return Result{}, &ExecutionError{QueryText: query.QueryText, Err: err}
	}

	raw, err := conn.Execute(ctx, query.QueryText, c.rowCap+1)
	if err != nil {
		return Result{}, &ExecutionError{QueryText: query.QueryText, Err: err}
	}

	result := Result{Columns: raw.Columns, Rows: raw.Rows}
	if len(result.Rows) > c.rowCap {
		result.Rows = result.Rows[:c.rowCap]
		result.Truncated = true
	}
	result.RowCount = len(result.Rows)

	if c.archiver != nil {
		if location, archiveErr := c.archiver.ArchiveResult(ctx, query.TargetDatabaseID, result.Columns, result.Rows); archiveErr != nil {
			c.logger.Warn("result archive failed", "database", query.TargetDatabaseID, "error", archiveErr)
		} else {
			c.logger.Debug("result archived", "database", query.TargetDatabaseID, "location", location)
		}
	}

	return result, nil
}

// Summarize asks the model for a plain-language summary of the rows. It is
// best-effort: any failure returns an empty summary and the caller falls back
// to the original explanation.
func (c *Coordinator) Summarize(ctx context.Context, utterance string, result Result) string {
	if c.generator == nil || result.RowCount == 0 {
		return ""
	}

	sample := result.Rows
	if len(sample) > 20 {
		sample = sample[:20]
	}
	encoded, err := json.Marshal(map[string]any{"columns": result.Columns, "rows": sample})
	if err != nil {
		return ""
	}

	systemPrompt := "You summarize query results for a non-technical reader in one or two sentences. " +
		"State concrete numbers from the rows. Do not mention SQL or JSON."
	userPrompt := fmt.Sprintf("Question: %s\nResult sample (%d of %d rows):\n%s",
		strings.TrimSpace(utterance), len(sample), result.RowCount, string(encoded))

	summary, err := c.generator.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		c.logger.Warn("result summary failed", "error", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

// RowCap exposes the configured cap for reporting.
func (c *Coordinator) RowCap() int {
	return c.rowCap
}
