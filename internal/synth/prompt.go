package synth

import (
	"fmt"
	"strings"

	"github.com/askdb/askdb/internal/classify"
	"github.com/askdb/askdb/internal/connector"
	"github.com/askdb/askdb/internal/retrieve"
)

const responseContract = `Respond with ONLY a JSON object in this exact shape, no markdown fences:
{"kind": "query" | "answer" | "clarification", "query": "<the query, empty unless kind is query>", "explanation": "<plain-language explanation or answer>", "warnings": ["<caveat>"], "assumptions": ["<assumption you made>"], "follow_up": "<question for the user, empty unless kind is clarification>"}`

func buildSystemPrompt(questionKind classify.Kind, descriptor connector.Descriptor) string {
	var b strings.Builder

	switch descriptor.EngineKind {
	case connector.EngineDocument:
		b.WriteString("You translate natural-language questions into MongoDB find queries. ")
		b.WriteString(`Emit the query as a JSON object: {"collection": "...", "filter": {...}, "projection": {...}, "sort": {...}, "limit": N}. `)
	default:
		dialect := descriptor.Dialect
		if dialect == "" {
			dialect = "postgres"
		}
		fmt.Fprintf(&b, "You translate natural-language questions into a single %s SQL query. ", dialect)
		b.WriteString("Use only tables and columns present in the provided schema context. ")
		b.WriteString("Queries must be read-only SELECT statements unless the user explicitly asks to modify data. ")
		b.WriteString("Never interpolate untrusted text into identifiers. ")
	}

	if questionKind == classify.KindSchema {
		b.WriteString("The question is about database structure; answer it from the schema context with kind \"answer\". ")
	}
	b.WriteString("If the schema context does not contain what the question needs, use kind \"clarification\" and ask a specific follow-up question instead of guessing. ")
	b.WriteString(responseContract)
	return b.String()
}

func buildUserPrompt(utterance string, rctx retrieve.Context) string {
	var b strings.Builder

	if len(rctx.Documents) > 0 {
		b.WriteString("Schema context:\n")
		for _, match := range rctx.Documents {
			b.WriteString(match.Document.Content)
			b.WriteString("\n---\n")
		}
	}

	if len(rctx.PriorTurns) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range rctx.PriorTurns {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s", strings.TrimSpace(utterance))
	return b.String()
}
