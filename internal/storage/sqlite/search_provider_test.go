package sqlite

import (
	"context"
	"testing"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

func seedNote(t *testing.T, store *Store, owner, text string, embedding []float32) string {
	t.Helper()
	id, err := store.StoreNote(context.Background(), &types.Note{
		Owner:     owner,
		Text:      text,
		Embedding: embedding,
	})
	if err != nil {
		t.Fatalf("seed note %q: %v", text, err)
	}
	return id
}

func TestFullTextSearchMatchesStem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedNote(t, store, "alice", "deploying the billing service to production", nil)
	seedNote(t, store, "alice", "lunch options near the office", nil)

	// Porter stemming: "deploy" matches "deploying".
	results, err := store.FullTextSearch(ctx, "alice", "deploy", 10)
	if err != nil {
		t.Fatalf("FullTextSearch() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].TextRank <= 0 {
		t.Errorf("text rank = %v, want > 0", results[0].TextRank)
	}
}

func TestFullTextSearchScopedToOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedNote(t, store, "alice", "kafka partition rebalance notes", nil)
	seedNote(t, store, "bob", "kafka consumer group tuning", nil)

	results, err := store.FullTextSearch(ctx, "alice", "kafka", 10)
	if err != nil {
		t.Fatalf("FullTextSearch() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (owner scoping)", len(results))
	}
	if results[0].Owner != "alice" {
		t.Errorf("owner = %q, want alice", results[0].Owner)
	}
}

func TestHybridSearchLexicalOnlyMode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedNote(t, store, "alice", "migrated the search index to the new cluster", nil)
	seedNote(t, store, "alice", "search latency regression investigation", nil)

	results, err := store.HybridSearch(ctx, "search", nil, storage.NoteSearchOptions{
		Owner: "alice",
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("HybridSearch() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		// Without embeddings every result carries the placeholder similarity.
		if r.SimilarityScore != lexicalOnlySimilarity {
			t.Errorf("similarity = %v, want %v", r.SimilarityScore, lexicalOnlySimilarity)
		}
	}
	// Lexical-only mode orders by text rank.
	if results[0].TextRank < results[1].TextRank {
		t.Errorf("results not ordered by text rank: %v then %v",
			results[0].TextRank, results[1].TextRank)
	}
}

func TestHybridSearchBlendsSignals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Semantically close but lexically unrelated note.
	seedNote(t, store, "alice", "incident retro for the checkout outage", []float32{1, 0, 0, 0})
	// Lexical match with an orthogonal embedding.
	seedNote(t, store, "alice", "postmortem template updates", []float32{0, 1, 0, 0})

	results, err := store.HybridSearch(ctx, "postmortem", []float32{1, 0, 0, 0}, storage.NoteSearchOptions{
		Owner: "alice",
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("HybridSearch() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (one per signal)", len(results))
	}
	for _, r := range results {
		want := r.SimilarityScore*semanticWeight + r.TextRank*lexicalWeight
		if diff := r.RelevanceScore - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("relevance = %v, want %v", r.RelevanceScore, want)
		}
	}
	if results[0].RelevanceScore < results[1].RelevanceScore {
		t.Error("results not ordered by relevance")
	}
}

func TestSemanticSearchRanksByCosine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	near := seedNote(t, store, "alice", "first note", []float32{1, 0, 0, 0})
	seedNote(t, store, "alice", "second note", []float32{0.5, 0.5, 0, 0})
	seedNote(t, store, "alice", "third note", []float32{0, 0, 1, 0})

	results, err := store.SemanticSearch(ctx, "alice", []float32{1, 0, 0, 0}, 10, 0.3)
	if err != nil {
		t.Fatalf("SemanticSearch() failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (orthogonal note filtered)", len(results))
	}
	if results[0].ID != near {
		t.Errorf("best match = %q, want %q", results[0].ID, near)
	}
	if results[0].SimilarityScore < results[1].SimilarityScore {
		t.Error("results not ordered by similarity")
	}
}

func TestHybridSearchEntityFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kafkaNote := seedNote(t, store, "alice", "tuning session for the ingestion pipeline", nil)
	seedNote(t, store, "alice", "tuning the onboarding docs", nil)

	entityID, err := store.CreateEntity(ctx, "Kafka", types.CategoryTechnology)
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}
	if _, err := store.CreateMention(ctx, kafkaNote, entityID, "kafka", 0.9); err != nil {
		t.Fatalf("CreateMention() failed: %v", err)
	}

	results, err := store.HybridSearch(ctx, "tuning", nil, storage.NoteSearchOptions{
		Owner:        "alice",
		Limit:        10,
		EntityFilter: "Kafka",
	})
	if err != nil {
		t.Fatalf("HybridSearch() failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (entity filter)", len(results))
	}
	if results[0].ID != kafkaNote {
		t.Errorf("result = %q, want %q", results[0].ID, kafkaNote)
	}
	if len(results[0].LinkedEntities) != 1 || results[0].LinkedEntities[0].Name != "Kafka" {
		t.Errorf("linked entities = %v, want [Kafka]", results[0].LinkedEntities)
	}
}

func TestSearchResultsCarryExtractedEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.StoreNote(ctx, &types.Note{
		Owner: "alice",
		Text:  "paired with Dana on the billing migration",
		ExtractedEntities: []types.ExtractedEntity{
			{Name: "Dana", Type: types.CategoryPerson, Confidence: 0.9},
		},
	})
	if err != nil {
		t.Fatalf("StoreNote() failed: %v", err)
	}

	results, err := store.HybridSearch(ctx, "billing", nil, storage.NoteSearchOptions{
		Owner: "alice",
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("HybridSearch() failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Fatalf("got %v, want the billing note", results)
	}
	if len(results[0].ExtractedEntities) != 1 || results[0].ExtractedEntities[0].Name != "Dana" {
		t.Errorf("extracted entities = %v, want [Dana]", results[0].ExtractedEntities)
	}

	results, err = store.FullTextSearch(ctx, "alice", "billing", 10)
	if err != nil {
		t.Fatalf("FullTextSearch() failed: %v", err)
	}
	if len(results) != 1 || len(results[0].ExtractedEntities) != 1 {
		t.Fatalf("full-text result missing extracted entities: %v", results)
	}
}

func TestSanitiseFTSQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"what did we decide about kafka?", "decide* OR kafka*"},
		{`"quoted" (input)`, "quoted* OR input*"},
		{"the is a", "the is a"},
	}
	for _, tc := range cases {
		if got := sanitiseFTSQuery(tc.in); got != tc.want {
			t.Errorf("sanitiseFTSQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
