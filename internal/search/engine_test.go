package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/internal/storage/sqlite"
	"github.com/kalder/scribe/pkg/types"
)

// stubEmbedder returns a fixed vector, or an error when broken.
type stubEmbedder struct {
	vec    []float32
	err    error
	called int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.called++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func newTestProvider(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store, text string, embedding []float32) {
	t.Helper()
	_, err := store.StoreNote(context.Background(), &types.Note{
		Owner:     "alice",
		Text:      text,
		Embedding: embedding,
	})
	require.NoError(t, err)
}

func TestSearchHybridMode(t *testing.T) {
	store := newTestProvider(t)
	seed(t, store, "retro notes for the checkout incident", []float32{1, 0, 0, 0})
	seed(t, store, "grocery list", []float32{0, 0, 0, 1})

	emb := &stubEmbedder{vec: []float32{1, 0, 0, 0}}
	engine := NewEngine(store, emb)

	resp, err := engine.Search(context.Background(), "incident", storage.NoteSearchOptions{Owner: "alice"})
	require.NoError(t, err)

	assert.Equal(t, ModeHybrid, resp.Mode)
	assert.Equal(t, 1, emb.called)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, len(resp.Results), resp.Total)
	assert.Contains(t, resp.Results[0].Text, "checkout incident")
	assert.Greater(t, resp.Results[0].RelevanceScore, 0.0)
}

func TestSearchWithoutEmbedderIsLexical(t *testing.T) {
	store := newTestProvider(t)
	seed(t, store, "quarterly planning agenda", nil)

	engine := NewEngine(store, nil)
	resp, err := engine.Search(context.Background(), "planning", storage.NoteSearchOptions{Owner: "alice"})
	require.NoError(t, err)

	assert.Equal(t, ModeLexical, resp.Mode)
	require.Len(t, resp.Results, 1)
	// Lexical mode reports the placeholder similarity.
	assert.Equal(t, 0.5, resp.Results[0].SimilarityScore)
}

func TestSearchPropagatesEmbedError(t *testing.T) {
	store := newTestProvider(t)
	seed(t, store, "quarterly planning agenda", nil)

	emb := &stubEmbedder{err: errors.New("provider down")}
	engine := NewEngine(store, emb)

	_, err := engine.Search(context.Background(), "planning", storage.NoteSearchOptions{Owner: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	engine := NewEngine(newTestProvider(t), nil)
	_, err := engine.Search(context.Background(), "   ", storage.NoteSearchOptions{Owner: "alice"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSemanticSearchRequiresEmbedder(t *testing.T) {
	engine := NewEngine(newTestProvider(t), nil)
	_, err := engine.SemanticSearch(context.Background(), "alice", "anything", 10, 0.3)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSemanticSearchPropagatesEmbedError(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("provider down")}
	engine := NewEngine(newTestProvider(t), emb)
	_, err := engine.SemanticSearch(context.Background(), "alice", "anything", 10, 0.3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestFullTextSearchMode(t *testing.T) {
	store := newTestProvider(t)
	seed(t, store, "deployment checklist for the gateway", nil)

	engine := NewEngine(store, &stubEmbedder{vec: []float32{1, 0, 0, 0}})
	resp, err := engine.FullTextSearch(context.Background(), "alice", "deployment", 10)
	require.NoError(t, err)
	assert.Equal(t, "fulltext", resp.Mode)
	assert.Len(t, resp.Results, 1)
}
