package synth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/retrieve"
	"github.com/askdb/askdb/internal/schemadoc"
)

var writeKeywordPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke|merge|replace)\b`)

var documentWriteOps = []string{"insertone", "insertmany", "updateone", "updatemany", "deleteone", "deletemany", "drop", "$out", "$merge"}

// ContainsWriteOperation reports whether a query text carries a write
// keyword for its engine kind. This is a keyword heuristic, not a parser;
// false positives fall to the clarification path rather than execution.
func ContainsWriteOperation(queryText string, engineKind connector.EngineKind) bool {
	if engineKind == connector.EngineDocument {
		lower := strings.ToLower(queryText)
		for _, op := range documentWriteOps {
			if strings.Contains(lower, op) {
				return true
			}
		}
		return false
	}
	return writeKeywordPattern.MatchString(queryText)
}

// validate applies the safety gate to a freshly generated query.
func (s *Synthesizer) validate(query *GeneratedQuery, descriptor connector.Descriptor, rctx retrieve.Context) (Result, error) {
	if ContainsWriteOperation(query.QueryText, descriptor.EngineKind) {
		query.SafetyFlags.WriteOperation = true
		if !s.cfg.AllowWrites {
			return Result{
				Kind:  KindClarificationNeeded,
				Query: query,
				Clarification: "This query would modify data, which is disabled. " +
					"Confirm that you intend a write operation, or rephrase as a read-only question.",
			}, nil
		}
	}

	if descriptor.EngineKind != connector.EngineDocument && !query.SafetyFlags.WriteOperation {
		upper := strings.ToUpper(strings.TrimSpace(query.QueryText))
		if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
			return Result{}, &ParseError{Raw: query.QueryText}
		}
	}

	s.applyScanHeuristics(query, rctx)
	return Result{Kind: KindGeneratedQuery, Query: query}, nil
}

// applyScanHeuristics flags filterless queries against tables the schema
// metadata marks as large.
func (s *Synthesizer) applyScanHeuristics(query *GeneratedQuery, rctx retrieve.Context) {
	upper := strings.ToUpper(query.QueryText)
	hasWhere := strings.Contains(upper, "WHERE")
	hasLimit := strings.Contains(upper, "LIMIT")
	if hasWhere && hasLimit {
		return
	}
	if !hasWhere {
		query.SafetyFlags.MissingFilter = true
	}
	if hasWhere || hasLimit {
		return
	}

	lower := strings.ToLower(query.QueryText)
	for _, match := range rctx.Documents {
		doc := match.Document
		if doc.Kind != schemadoc.KindTable {
			continue
		}
		estimate, err := strconv.ParseInt(doc.Metadata["row_estimate"], 10, 64)
		if err != nil || estimate < s.cfg.LargeTableRowThreshold {
			continue
		}
		tableName := strings.ToLower(doc.Metadata["table_name"])
		if tableName != "" && strings.Contains(lower, tableName) {
			query.SafetyFlags.FullTableScanRisk = true
			query.Warnings = append(query.Warnings, fmt.Sprintf(
				"table %s holds roughly %d rows and this query has no filter or limit", doc.Metadata["table_name"], estimate))
		}
	}
}

// ValidateForExecution gates a query text immediately before execution,
// independent of how it was produced. A blocked query surfaces as
// UnsafeQueryError with the triggering flag.
func ValidateForExecution(queryText string, engineKind connector.EngineKind, allowWrites bool) error {
	if strings.TrimSpace(queryText) == "" {
		return &UnsafeQueryError{QueryText: queryText, Flag: "empty_query", Explanation: "no query text was provided"}
	}
	if ContainsWriteOperation(queryText, engineKind) && !allowWrites {
		return &UnsafeQueryError{
			QueryText:   queryText,
			Flag:        "write_operation",
			Explanation: "the query contains a write operation and write mode is disabled",
		}
	}
	if engineKind != connector.EngineDocument && !allowWrites {
		upper := strings.ToUpper(strings.TrimSpace(queryText))
		if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
			return &UnsafeQueryError{
				QueryText:   queryText,
				Flag:        "not_read_only",
				Explanation: "only SELECT and WITH statements may be executed",
			}
		}
	}
	return nil
}

// Ambiguity gate: a data question whose nouns match nothing in the retrieved
// context gets a clarification instead of a guessed query. Questions with no
// noun candidates at all (pure follow-ups like "and for last month?") skip
// the gate.

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "from": true, "with": true,
	"show": true, "give": true, "get": true, "find": true, "list": true,
	"what": true, "which": true, "where": true, "when": true, "who": true,
	"how": true, "many": true, "much": true, "are": true, "is": true,
	"there": true, "them": true, "their": true, "this": true, "that": true,
	"top": true, "all": true, "per": true, "each": true, "most": true,
	"average": true, "total": true, "sum": true, "count": true, "number": true,
	"rows": true, "row": true, "table": true, "tables": true, "column": true,
	"columns": true, "database": true, "data": true, "records": true,
	"last": true, "past": true, "month": true, "week": true, "year": true,
	"day": true, "today": true, "yesterday": true, "recent": true,
	"order": false, // "order" is a common table name, keep it as a candidate
}

var wordPattern = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)

func ambiguityCheck(utterance string, rctx retrieve.Context) (string, bool) {
	candidates := nounCandidates(utterance)
	if len(candidates) == 0 {
		return "", false
	}

	names := contextObjectNames(rctx)
	if len(names) == 0 {
		return fmt.Sprintf("I have no schema indexed that mentions %s. "+
			"Run schema discovery for the database you mean, or name a known table.", candidates[0]), true
	}

	for _, candidate := range candidates {
		if names[candidate] || names[strings.TrimSuffix(candidate, "s")] || names[candidate+"s"] {
			return "", false
		}
	}
	return fmt.Sprintf("I could not find anything in the schema matching %q. "+
		"Which table or collection did you mean?", candidates[0]), true
}

func nounCandidates(utterance string) []string {
	var candidates []string
	for _, word := range wordPattern.FindAllString(strings.ToLower(utterance), -1) {
		if len(word) < 3 {
			continue
		}
		if blocked, known := stopwords[word]; known && blocked {
			continue
		}
		candidates = append(candidates, word)
	}
	return candidates
}

func contextObjectNames(rctx retrieve.Context) map[string]bool {
	names := make(map[string]bool)
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			names[name] = true
		}
	}
	for _, match := range rctx.Documents {
		doc := match.Document
		add(doc.DisplayName)
		for _, key := range []string{"table_name", "column_name", "collection_name", "field_name", "from_table", "to_table"} {
			add(doc.Metadata[key])
		}
	}
	return names
}
