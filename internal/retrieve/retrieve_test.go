package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/askdb/askdb/internal/index"
	"github.com/askdb/askdb/internal/schemadoc"
	"github.com/askdb/askdb/internal/session"
)

type fakeSearcher struct {
	matches []index.Match
	err     error
	calls   int
	lastK   int
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, k int) ([]index.Match, error) {
	f.calls++
	f.lastK = k
	return f.matches, f.err
}

type fakeTurns struct {
	turns      []session.Turn
	lastBudget int
}

func (f *fakeTurns) Recent(limitTokens int) []session.Turn {
	f.lastBudget = limitTokens
	return f.turns
}

func TestRetrieveCombinesDocumentsAndTurns(t *testing.T) {
	searcher := &fakeSearcher{matches: []index.Match{
		{Document: schemadoc.SchemaDocument{ID: "t:orders"}, Score: 0.9},
	}}
	turns := &fakeTurns{turns: []session.Turn{{Role: session.RoleUser, Text: "earlier question"}}}
	retriever := New(searcher, 600)

	out, err := retriever.Retrieve(context.Background(), "how many orders?", "shopdb", turns, 8)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(out.Documents) != 1 || out.Documents[0].Document.ID != "t:orders" {
		t.Fatalf("documents = %+v", out.Documents)
	}
	if len(out.PriorTurns) != 1 {
		t.Fatalf("prior turns = %+v", out.PriorTurns)
	}
	if searcher.lastK != 8 {
		t.Fatalf("k = %d, want 8", searcher.lastK)
	}
	if turns.lastBudget != 600 {
		t.Fatalf("token budget = %d, want 600", turns.lastBudget)
	}
}

func TestRetrieveIsIdempotent(t *testing.T) {
	searcher := &fakeSearcher{matches: []index.Match{
		{Document: schemadoc.SchemaDocument{ID: "t:orders"}, Score: 0.9},
	}}
	retriever := New(searcher, 600)

	first, err := retriever.Retrieve(context.Background(), "how many orders?", "shopdb", nil, 4)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	second, err := retriever.Retrieve(context.Background(), "how many orders?", "shopdb", nil, 4)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(first.Documents) != len(second.Documents) {
		t.Fatalf("repeated retrieval differs: %d vs %d documents", len(first.Documents), len(second.Documents))
	}
	if searcher.calls != 2 {
		t.Fatalf("searcher calls = %d, want 2", searcher.calls)
	}
}

func TestRetrieveWithoutTurnSource(t *testing.T) {
	retriever := New(&fakeSearcher{}, 600)
	out, err := retriever.Retrieve(context.Background(), "anything", "shopdb", nil, 4)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if out.PriorTurns != nil {
		t.Fatalf("prior turns = %+v, want nil", out.PriorTurns)
	}
}

func TestRetrievePropagatesSearchError(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("embedding backend down")}
	retriever := New(searcher, 600)

	_, err := retriever.Retrieve(context.Background(), "anything", "shopdb", nil, 4)
	if err == nil {
		t.Fatal("expected error")
	}
}
