package notes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalder/scribe/internal/llm"
	"github.com/kalder/scribe/internal/registry"
	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/internal/storage/sqlite"
	"github.com/kalder/scribe/pkg/types"
)

type fakeEmbedder struct {
	mu          sync.Mutex
	vec         []float32
	err         error
	calls       int
	inFlight    int
	maxInFlight int
	gate        chan struct{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }

type fakeExtractor struct {
	entities []types.ExtractedEntity
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) ([]types.ExtractedEntity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

func newTestPipeline(t *testing.T, embedder *fakeEmbedder, extractor *fakeExtractor) (*Pipeline, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Typed nils must become true interface nils or the pipeline would
	// treat the fake as present.
	var emb llm.EmbeddingGenerator
	if embedder != nil {
		emb = embedder
	}
	var ext llm.EntityExtractor
	if extractor != nil {
		ext = extractor
	}
	pipeline := NewPipeline(store, registry.New(store), emb, ext)
	return pipeline, store
}

func TestProcessNote(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3, 0.4}}
	extractor := &fakeExtractor{entities: []types.ExtractedEntity{
		{Name: "Sarah Chen", Type: "person", Confidence: 0.9},
		{Name: "Kubernetes", Type: "technology", Confidence: 0.8},
	}}
	pipeline, store := newTestPipeline(t, embedder, extractor)
	ctx := context.Background()

	res, err := pipeline.ProcessNote(ctx, "alice", "Met Sarah Chen about Kubernetes", []string{"meeting"}, "s-1")
	require.NoError(t, err)

	assert.NotEmpty(t, res.NoteID)
	assert.Equal(t, 4, res.EmbeddingDimensions)
	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, []string{"meeting"}, res.Tags)
	assert.Len(t, res.Entities, 2)
	require.Len(t, res.ProcessedEntities, 2)
	assert.Equal(t, "Sarah Chen", res.ProcessedEntities[0].CanonicalName)
	assert.True(t, res.ProcessedEntities[0].IsNew)
	assert.GreaterOrEqual(t, res.ProcessingTimeMs, int64(0))

	note, _, err := store.GetNote(ctx, res.NoteID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Met Sarah Chen about Kubernetes", note.Text)
}

func TestProcessNoteValidation(t *testing.T) {
	pipeline, _ := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	_, err := pipeline.ProcessNote(ctx, "", "text", nil, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = pipeline.ProcessNote(ctx, "alice", "", nil, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestProcessNoteTruncation(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil, nil)
	pipeline.SetMaxNoteLength(100)
	ctx := context.Background()

	long := strings.Repeat("a", 150)
	res, err := pipeline.ProcessNote(ctx, "alice", long, nil, "")
	require.NoError(t, err)

	note, _, err := store.GetNote(ctx, res.NoteID, "alice")
	require.NoError(t, err)
	assert.Len(t, note.Text, 100)

	// Exactly at the cap is left alone.
	exact := strings.Repeat("b", 100)
	res, err = pipeline.ProcessNote(ctx, "alice", exact, nil, "")
	require.NoError(t, err)
	note, _, err = store.GetNote(ctx, res.NoteID, "alice")
	require.NoError(t, err)
	assert.Equal(t, exact, note.Text)
}

func TestProcessNoteTruncationKeepsRunesIntact(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil, nil)
	pipeline.SetMaxNoteLength(10)
	ctx := context.Background()

	// 12 three-byte runes; a byte-based cut would land mid-rune.
	res, err := pipeline.ProcessNote(ctx, "alice", strings.Repeat("日", 12), nil, "")
	require.NoError(t, err)

	note, _, err := store.GetNote(ctx, res.NoteID, "alice")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(note.Text))
	assert.Equal(t, 10, utf8.RuneCountInString(note.Text))
	assert.Equal(t, strings.Repeat("日", 10), note.Text)
}

// brokenEntityStore fails every transactional unit, leaving reads and
// resolver primitives intact.
type brokenEntityStore struct {
	*sqlite.Store
}

func (b *brokenEntityStore) WithinTx(ctx context.Context, fn func(ops storage.EntityOps) error) error {
	return errors.New("tx begin: disk I/O error")
}

func TestProcessNoteEntityStoreFailureIsFatal(t *testing.T) {
	store, err := sqlite.NewStore(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	embedder := &fakeEmbedder{vec: []float32{1, 0, 0, 0}}
	extractor := &fakeExtractor{entities: []types.ExtractedEntity{
		{Name: "Sarah Chen", Type: "person", Confidence: 0.9},
	}}
	pipeline := NewPipeline(store, registry.New(&brokenEntityStore{store}), embedder, extractor)

	_, err = pipeline.ProcessNote(context.Background(), "alice", "Met Sarah Chen", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process entities")
}

func TestProcessNoteEmbedFailureIsFatal(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("provider down")}
	pipeline, _ := newTestPipeline(t, embedder, nil)

	_, err := pipeline.ProcessNote(context.Background(), "alice", "some text", nil, "")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestProcessNoteExtractFailureIsNotFatal(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0, 0}}
	extractor := &fakeExtractor{err: errors.New("model refused")}
	pipeline, store := newTestPipeline(t, embedder, extractor)
	ctx := context.Background()

	res, err := pipeline.ProcessNote(ctx, "alice", "still worth keeping", nil, "")
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.ProcessedEntities)

	_, _, err = store.GetNote(ctx, res.NoteID, "alice")
	assert.NoError(t, err)
}

func TestProcessNoteWithoutLLM(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	res, err := pipeline.ProcessNote(ctx, "alice", "plain text note", []string{"t"}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.EmbeddingDimensions)
	assert.Empty(t, res.Entities)

	note, _, err := store.GetNote(ctx, res.NoteID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "plain text note", note.Text)
}

func TestProcessBulk(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.5, 0.5, 0, 0}}
	pipeline, _ := newTestPipeline(t, embedder, nil)
	ctx := context.Background()

	items := []types.BulkNoteItem{
		{Text: "first note", Tags: []string{"a"}},
		{Text: ""}, // invalid, must fail alone
		{Text: "third note", SessionID: "override"},
	}

	res, err := pipeline.ProcessBulk(ctx, "alice", items, "batch-1")
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalProcessed)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.Equal(t, res.TotalProcessed, res.SuccessCount+res.FailureCount)
	assert.Equal(t, "batch-1", res.SessionID)

	require.Len(t, res.Stored, 2)
	for _, item := range res.Stored {
		require.NotNil(t, item.NoteID)
		assert.True(t, item.Success)
	}
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Success)
	assert.Nil(t, res.Failed[0].NoteID)
	assert.NotEmpty(t, res.Failed[0].Error)
}

func TestProcessBulkSessionPrecedence(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	items := []types.BulkNoteItem{{Text: "standup recap", SessionID: "item-session"}}

	// The batch session groups every note it carries.
	res, err := pipeline.ProcessBulk(ctx, "alice", items, "batch-7")
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	note, _, err := store.GetNote(ctx, *res.Stored[0].NoteID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "batch-7", note.SessionID)

	// Without a batch session the per-item session applies.
	res, err = pipeline.ProcessBulk(ctx, "alice", items, "")
	require.NoError(t, err)
	require.Len(t, res.Stored, 1)
	note, _, err = store.GetNote(ctx, *res.Stored[0].NoteID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "item-session", note.SessionID)
}

func TestProcessBulkBounds(t *testing.T) {
	pipeline, _ := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	_, err := pipeline.ProcessBulk(ctx, "alice", nil, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	tooMany := make([]types.BulkNoteItem, MaxBulkItems+1)
	for i := range tooMany {
		tooMany[i] = types.BulkNoteItem{Text: "x"}
	}
	_, err = pipeline.ProcessBulk(ctx, "alice", tooMany, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestProcessBulkConcurrencyCap(t *testing.T) {
	gate := make(chan struct{})
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0, 0}, gate: gate}
	pipeline, _ := newTestPipeline(t, embedder, nil)

	items := make([]types.BulkNoteItem, 20)
	for i := range items {
		items[i] = types.BulkNoteItem{Text: "note"}
	}

	done := make(chan *types.BulkResult, 1)
	go func() {
		res, err := pipeline.ProcessBulk(context.Background(), "alice", items, "")
		if err != nil {
			done <- nil
			return
		}
		done <- res
	}()

	close(gate)
	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, 20, res.SuccessCount)

	embedder.mu.Lock()
	max := embedder.maxInFlight
	embedder.mu.Unlock()
	assert.LessOrEqual(t, max, maxConcurrentNotes)
}
