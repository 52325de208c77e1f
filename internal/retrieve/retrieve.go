// Package retrieve assembles the bounded context the synthesizer reasons
// over: top-K schema documents plus the trailing conversation turns that fit
// a token budget. Retrieval is read-only and idempotent, so the expensive
// synthesis step can be tested against stable inputs.
package retrieve

import (
	"context"
	"fmt"

	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/session"
)

// Context is the synthesizer's full input besides the utterance itself.
type Context struct {
	Documents  []index.Match
	PriorTurns []session.Turn
}

// Searcher is the slice of the embedding index retrieval needs.
type Searcher interface {
	Search(ctx context.Context, databaseID, queryText string, k int) ([]index.Match, error)
}

// TurnSource yields trailing turns under a token budget, oldest dropped
// first.
type TurnSource interface {
	Recent(limitTokens int) []session.Turn
}

type Retriever struct {
	searcher    Searcher
	tokenBudget int
}

func New(searcher Searcher, tokenBudget int) *Retriever {
	return &Retriever{searcher: searcher, tokenBudget: tokenBudget}
}

// Retrieve builds the context for one question. An empty index yields an
// empty document list, which callers must treat as "no schema indexed"
// rather than "no relevant match".
func (r *Retriever) Retrieve(ctx context.Context, utterance, databaseID string, turns TurnSource, k int) (Context, error) {
	matches, err := r.searcher.Search(ctx, databaseID, utterance, k)
	if err != nil {
		return Context{}, fmt.Errorf("search schema documents: %w", err)
	}

	out := Context{Documents: matches}
	if turns != nil {
		out.PriorTurns = turns.Recent(r.tokenBudget)
	}
	return out, nil
}
