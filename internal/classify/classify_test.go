package classify

import (
	"context"
	"errors"
	"testing"
)

type fakeGenerator struct {
	response string
	err      error
	calls    int
}

func (f *fakeGenerator) Generate(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.response, f.err
}

func TestClassifyHeuristics(t *testing.T) {
	generator := &fakeGenerator{}
	classifier := New(generator, nil)

	cases := []struct {
		utterance string
		want      Kind
	}{
		{"How many tables are in this database?", KindSchema},
		{"What columns does the orders table have?", KindSchema},
		{"Describe the users table", KindSchema},
		{"Which columns can be null in payments?", KindSchema},
		{"How are orders and users related?", KindSchema},
		{"Show me the schema", KindSchema},
		{"How many users signed up last week?", KindData},
		{"What is the average order amount?", KindData},
		{"top 10 products by revenue", KindData},
		{"Show all orders from this month", KindData},
		{"latest payment for customer 42", KindData},
	}

	for _, tc := range cases {
		result, err := classifier.Classify(context.Background(), tc.utterance, "")
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", tc.utterance, err)
		}
		if result.Kind != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.utterance, result.Kind, tc.want)
		}
	}
	if generator.calls != 0 {
		t.Fatalf("generator called %d times for heuristic matches", generator.calls)
	}
}

func TestClassifyIsDeterministicOnHeuristicPath(t *testing.T) {
	classifier := New(nil, nil)
	utterance := "How many tables are there?"

	first, _ := classifier.Classify(context.Background(), utterance, "")
	for range 10 {
		next, _ := classifier.Classify(context.Background(), utterance, "")
		if next != first {
			t.Fatalf("classification changed between runs: %+v vs %+v", first, next)
		}
	}
}

func TestClassifyFallsBackToModel(t *testing.T) {
	generator := &fakeGenerator{response: "schema"}
	classifier := New(generator, nil)

	result, err := classifier.Classify(context.Background(), "tell me about the warehouse setup", "")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Kind != KindSchema {
		t.Fatalf("Kind = %s, want schema", result.Kind)
	}
	if generator.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", generator.calls)
	}
}

func TestClassifyModelFailureYieldsAmbiguous(t *testing.T) {
	generator := &fakeGenerator{err: errors.New("backend down")}
	classifier := New(generator, nil)

	result, err := classifier.Classify(context.Background(), "tell me about the warehouse setup", "")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Kind != KindAmbiguous {
		t.Fatalf("Kind = %s, want ambiguous", result.Kind)
	}
}

func TestClassifyModelNoiseYieldsAmbiguous(t *testing.T) {
	generator := &fakeGenerator{response: "it depends on what you mean"}
	classifier := New(generator, nil)

	result, _ := classifier.Classify(context.Background(), "tell me about the warehouse setup", "")
	if result.Kind != KindAmbiguous {
		t.Fatalf("Kind = %s, want ambiguous", result.Kind)
	}
}

func TestResolveDatabase(t *testing.T) {
	known := func() []string { return []string{"shopdb", "eventsdb"} }
	classifier := New(nil, known)

	cases := []struct {
		name      string
		utterance string
		selected  string
		want      string
	}{
		{"explicit mention wins", "how many orders in shopdb?", "eventsdb", "shopdb"},
		{"session selection", "how many orders?", "eventsdb", "eventsdb"},
		{"nothing resolved", "how many orders?", "", ""},
		{"multiple mentions never guess", "compare shopdb and eventsdb", "", ""},
		{"case insensitive mention", "describe ShopDB for me", "", "shopdb"},
	}

	for _, tc := range cases {
		result, _ := classifier.Classify(context.Background(), tc.utterance, tc.selected)
		if result.TargetDatabaseID != tc.want {
			t.Fatalf("%s: target = %q, want %q", tc.name, result.TargetDatabaseID, tc.want)
		}
	}
}
