package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:", 4)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreNoteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note := &types.Note{
		Owner:     "alice",
		Text:      "Discussed the migration plan with the platform team",
		Tags:      []string{"migration", "platform", "meeting"},
		SessionID: "standup-42",
		Embedding: []float32{0.1, 0.2, 0.3, 0.4},
	}

	id, err := store.StoreNote(ctx, note)
	if err != nil {
		t.Fatalf("StoreNote() failed: %v", err)
	}
	if id == "" {
		t.Fatal("StoreNote() returned empty ID")
	}

	got, linked, err := store.GetNote(ctx, id, "alice")
	if err != nil {
		t.Fatalf("GetNote() failed: %v", err)
	}
	if got.Text != note.Text {
		t.Errorf("text = %q, want %q", got.Text, note.Text)
	}
	if got.SessionID != "standup-42" {
		t.Errorf("session ID = %q, want %q", got.SessionID, "standup-42")
	}
	// Tag order must survive the round trip.
	if len(got.Tags) != 3 || got.Tags[0] != "migration" || got.Tags[1] != "platform" || got.Tags[2] != "meeting" {
		t.Errorf("tags = %v, want original order preserved", got.Tags)
	}
	if len(linked) != 0 {
		t.Errorf("expected no linked entities, got %v", linked)
	}
}

func TestGetNoteWrongOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.StoreNote(ctx, &types.Note{Owner: "alice", Text: "private note"})
	if err != nil {
		t.Fatalf("StoreNote() failed: %v", err)
	}

	if _, _, err := store.GetNote(ctx, id, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetNote() with wrong owner = %v, want ErrNotFound", err)
	}
}

func TestStoreNoteEmbeddingDimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreNote(ctx, &types.Note{
		Owner:     "alice",
		Text:      "bad embedding",
		Embedding: []float32{0.1, 0.2},
	})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("StoreNote() with wrong dimension = %v, want ErrInvalidInput", err)
	}
}

func TestDeleteNoteCascadesMentions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	noteID, err := store.StoreNote(ctx, &types.Note{Owner: "alice", Text: "kafka consumer lag fix"})
	if err != nil {
		t.Fatalf("StoreNote() failed: %v", err)
	}

	entityID, err := store.CreateEntity(ctx, "Kafka", types.CategoryTechnology)
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}
	if _, err := store.CreateMention(ctx, noteID, entityID, "kafka", 0.9); err != nil {
		t.Fatalf("CreateMention() failed: %v", err)
	}

	if err := store.DeleteNote(ctx, noteID, "alice"); err != nil {
		t.Fatalf("DeleteNote() failed: %v", err)
	}

	var count int
	if err := store.GetDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entity_mentions WHERE note_id = ?", noteID).Scan(&count); err != nil {
		t.Fatalf("count mentions: %v", err)
	}
	if count != 0 {
		t.Errorf("expected mentions to cascade on delete, found %d rows", count)
	}

	// The entity itself survives the note deletion.
	if _, err := store.GetEntity(ctx, entityID); err != nil {
		t.Errorf("GetEntity() after note delete failed: %v", err)
	}
}

func TestEnsureUserIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureUser() failed: %v", err)
	}
	id2, err := store.EnsureUser(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureUser() second call failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("EnsureUser() returned different IDs for same username: %q vs %q", id1, id2)
	}
}

func TestEmbeddingSerializationRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := deserializeEmbedding(serializeEmbedding(in), len(in))
	if err != nil {
		t.Fatalf("deserializeEmbedding() failed: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("embedding[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := deserializeEmbedding([]byte{1, 2, 3}, 4); err == nil {
		t.Error("expected error for truncated buffer")
	}
}
