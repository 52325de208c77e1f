// Package synth turns a question plus retrieved context into a schema
// answer, a validated generated query, or a clarification request. The model
// is held to a strict JSON response contract; one corrective retry is made
// before giving up on a malformed response.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/classify"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/genai"
	"github.com/askdb/askdb/internal/retrieve"
)

type ResultKind string

const (
	KindSchemaAnswer        ResultKind = "schema_answer"
	KindGeneratedQuery      ResultKind = "generated_query"
	KindClarificationNeeded ResultKind = "clarification_needed"
)

type SafetyFlags struct {
	WriteOperation    bool `json:"write_operation"`
	FullTableScanRisk bool `json:"full_table_scan_risk"`
	MissingFilter     bool `json:"missing_filter"`
}

// GeneratedQuery is immutable once produced; a corrected query is a new
// value, preserving the audit trail in the conversation log.
type GeneratedQuery struct {
	QueryText        string      `json:"query_text"`
	TargetDatabaseID string      `json:"target_database_id"`
	Explanation      string      `json:"explanation"`
	Warnings         []string    `json:"warnings,omitempty"`
	Assumptions      []string    `json:"assumptions,omitempty"`
	SafetyFlags      SafetyFlags `json:"safety_flags"`
}

type Result struct {
	Kind          ResultKind
	SchemaAnswer  string
	Query         *GeneratedQuery
	Clarification string
}

// ParseError reports a model response that failed the contract even after
// the corrective retry.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return "synth: model response did not match the response contract"
}

// UnsafeQueryError is a policy rejection. It carries the blocked query and
// the specific flag so the user sees why.
type UnsafeQueryError struct {
	QueryText   string
	Flag        string
	Explanation string
}

func (e *UnsafeQueryError) Error() string {
	return fmt.Sprintf("synth: query blocked by safety gate (%s)", e.Flag)
}

// Config tunes the validation gate.
type Config struct {
	// AllowWrites lets write queries through the gate instead of forcing a
	// clarification.
	AllowWrites bool
	// LargeTableRowThreshold marks tables whose row estimate triggers the
	// full-scan heuristic.
	LargeTableRowThreshold int64
}

type Synthesizer struct {
	generator genai.Generator
	cfg       Config
}

func New(generator genai.Generator, cfg Config) *Synthesizer {
	if cfg.LargeTableRowThreshold <= 0 {
		cfg.LargeTableRowThreshold = 100_000
	}
	return &Synthesizer{generator: generator, cfg: cfg}
}

// modelResponse is the shape the contract demands from the model.
type modelResponse struct {
	Kind        string   `json:"kind"`
	Query       string   `json:"query"`
	Explanation string   `json:"explanation"`
	Warnings    []string `json:"warnings"`
	Assumptions []string `json:"assumptions"`
	FollowUp    string   `json:"follow_up"`
}

// Synthesize produces the structured answer for one question. Data questions
// that mention no object found in the retrieved context short-circuit to a
// clarification instead of guessing a query against unrelated tables.
func (s *Synthesizer) Synthesize(ctx context.Context, utterance string, questionKind classify.Kind, rctx retrieve.Context, descriptor connector.Descriptor) (Result, error) {
	if questionKind != classify.KindSchema {
		if clarification, needed := ambiguityCheck(utterance, rctx); needed {
			return Result{Kind: KindClarificationNeeded, Clarification: clarification}, nil
		}
	}

	systemPrompt := buildSystemPrompt(questionKind, descriptor)
	userPrompt := buildUserPrompt(utterance, rctx)

	raw, err := s.generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Result{}, err
	}

	parsed, perr := parseResponse(raw)
	if perr != nil {
		corrective := userPrompt + "\n\nYour previous response was not valid JSON matching the required shape. " +
			"Respond again with ONLY the JSON object, no prose and no markdown fences."
		raw, err = s.generate(ctx, systemPrompt, corrective)
		if err != nil {
			return Result{}, err
		}
		parsed, perr = parseResponse(raw)
		if perr != nil {
			return Result{}, perr
		}
	}

	return s.finish(utterance, parsed, rctx, descriptor)
}

func (s *Synthesizer) generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	raw, err := s.generator.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		if genai.IsUnavailable(err) {
			return "", err
		}
		return "", fmt.Errorf("generate synthesis response: %w", err)
	}
	return raw, nil
}

func (s *Synthesizer) finish(utterance string, parsed modelResponse, rctx retrieve.Context, descriptor connector.Descriptor) (Result, error) {
	switch parsed.Kind {
	case "answer":
		if strings.TrimSpace(parsed.Explanation) == "" {
			return Result{}, &ParseError{Raw: parsed.Kind}
		}
		return Result{Kind: KindSchemaAnswer, SchemaAnswer: parsed.Explanation}, nil

	case "clarification":
		followUp := strings.TrimSpace(parsed.FollowUp)
		if followUp == "" {
			followUp = "Could you point me at the table or collection you mean?"
		}
		return Result{Kind: KindClarificationNeeded, Clarification: followUp}, nil

	case "query":
		queryText := strings.TrimSpace(parsed.Query)
		if queryText == "" {
			return Result{}, &ParseError{Raw: parsed.Kind}
		}
		query := &GeneratedQuery{
			QueryText:        queryText,
			TargetDatabaseID: descriptor.DatabaseID,
			Explanation:      parsed.Explanation,
			Warnings:         parsed.Warnings,
			Assumptions:      parsed.Assumptions,
		}
		return s.validate(query, descriptor, rctx)

	default:
		return Result{}, &ParseError{Raw: parsed.Kind}
	}
}

// parseResponse strips optional markdown fences and decodes the contract
// shape.
func parseResponse(raw string) (modelResponse, *ParseError) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var parsed modelResponse
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return modelResponse{}, &ParseError{Raw: raw}
	}
	if parsed.Kind == "" {
		return modelResponse{}, &ParseError{Raw: raw}
	}
	return parsed, nil
}
