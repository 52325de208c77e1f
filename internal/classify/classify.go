// Package classify routes an utterance to the schema path, the data path, or
// an ambiguous fallback. Heuristics run first; a model call happens only when
// they are inconclusive, to bound latency and cost. The classifier is
// best-effort: a misroute is corrected downstream by the synthesizer's
// validation or the user's next turn, never retried here.
package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/askdb/askdb/internal/genai"
)

type Kind string

const (
	KindSchema    Kind = "schema"
	KindData      Kind = "data"
	KindAmbiguous Kind = "ambiguous"
)

type Classification struct {
	Kind             Kind
	TargetDatabaseID string
}

// Structure questions mention the schema vocabulary itself.
var schemaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)how many (tables|columns|collections|fields|indexes|databases)`),
	regexp.MustCompile(`(?i)(list|show|what|which)\b.*\b(tables|collections|schemas|databases)\b`),
	regexp.MustCompile(`(?i)(what|which|list|show)\b.*\bcolumns?\b`),
	regexp.MustCompile(`(?i)\bdescribe\b`),
	regexp.MustCompile(`(?i)\bstructure of\b`),
	regexp.MustCompile(`(?i)\bschema\b`),
	regexp.MustCompile(`(?i)\b(can be null|nullable|data types?|primary key|foreign key)\b`),
	regexp.MustCompile(`(?i)\bhow (is|are)\b.*\b(related|linked|joined|connected)\b`),
}

// Data questions ask for values, aggregates, or rankings.
var dataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(show|get|find|give|fetch|select|display)\b`),
	regexp.MustCompile(`(?i)\b(average|avg|total|sum|maximum|minimum|max|min|count of)\b`),
	regexp.MustCompile(`(?i)\btop \d+\b`),
	regexp.MustCompile(`(?i)\bhow many\b`),
	regexp.MustCompile(`(?i)\b(last|past|this|previous) (day|week|month|year|quarter)\b`),
	regexp.MustCompile(`(?i)\b(most recent|latest|newest|oldest)\b`),
	regexp.MustCompile(`(?i)\bgroup(ed)? by\b`),
}

const fallbackSystemPrompt = "You classify a question about a database. " +
	"Answer with exactly one word: \"schema\" if the question asks about database structure " +
	"(tables, columns, relationships), or \"data\" if it asks about the stored values."

// Classifier resolves utterance kind and target database. knownDatabases
// supplies the ids an utterance may mention explicitly.
type Classifier struct {
	generator      genai.Generator
	knownDatabases func() []string
}

func New(generator genai.Generator, knownDatabases func() []string) *Classifier {
	if knownDatabases == nil {
		knownDatabases = func() []string { return nil }
	}
	return &Classifier{generator: generator, knownDatabases: knownDatabases}
}

// Classify is deterministic for identical inputs on the heuristic paths. The
// target database resolves in order: explicit mention, session selection,
// empty (the caller prompts for disambiguation).
func (c *Classifier) Classify(ctx context.Context, utterance, selectedDatabase string) (Classification, error) {
	result := Classification{
		Kind:             c.classifyKind(ctx, utterance),
		TargetDatabaseID: c.resolveDatabase(utterance, selectedDatabase),
	}
	return result, nil
}

func (c *Classifier) classifyKind(ctx context.Context, utterance string) Kind {
	for _, pattern := range schemaPatterns {
		if pattern.MatchString(utterance) {
			return KindSchema
		}
	}
	for _, pattern := range dataPatterns {
		if pattern.MatchString(utterance) {
			return KindData
		}
	}
	if c.generator == nil {
		return KindAmbiguous
	}

	answer, err := c.generator.Generate(ctx, fallbackSystemPrompt, strings.TrimSpace(utterance))
	if err != nil {
		return KindAmbiguous
	}
	switch strings.ToLower(strings.Trim(strings.TrimSpace(answer), `."'`)) {
	case "schema":
		return KindSchema
	case "data":
		return KindData
	default:
		return KindAmbiguous
	}
}

// resolveDatabase never guesses among multiple mentioned databases; that case
// falls through to the session selection or empty.
func (c *Classifier) resolveDatabase(utterance, selectedDatabase string) string {
	lower := strings.ToLower(utterance)
	var mentioned []string
	for _, name := range c.knownDatabases() {
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			mentioned = append(mentioned, name)
		}
	}
	if len(mentioned) == 1 {
		return mentioned[0]
	}
	if selectedDatabase != "" {
		return selectedDatabase
	}
	return ""
}
