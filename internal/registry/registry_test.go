package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/internal/storage/sqlite"
	"github.com/kalder/scribe/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func seedNote(t *testing.T, store *sqlite.Store, text string) string {
	t.Helper()
	id, err := store.StoreNote(context.Background(), &types.Note{Owner: "alice", Text: text})
	require.NoError(t, err)
	return id
}

func TestProcessAndStoreCreatesNewEntities(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	noteID := seedNote(t, store, "kickoff meeting with Sarah about Atlas")

	resolved, err := reg.ProcessAndStore(ctx, noteID, []types.ExtractedEntity{
		{Name: "Sarah Chen", Type: "person", Confidence: 0.95},
		{Name: "Atlas", Type: "project", Confidence: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	// Output order mirrors input order.
	assert.Equal(t, "Sarah Chen", resolved[0].CanonicalName)
	assert.Equal(t, types.CategoryPerson, resolved[0].EntityType)
	assert.True(t, resolved[0].IsNew)
	assert.Equal(t, 0.95, resolved[0].Confidence)
	assert.NotEmpty(t, resolved[0].MentionID)

	assert.Equal(t, "Atlas", resolved[1].CanonicalName)
	assert.Equal(t, types.CategoryProject, resolved[1].EntityType)
	assert.True(t, resolved[1].IsNew)
}

func TestProcessAndStoreResolutionIsIdempotent(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	first := seedNote(t, store, "first note about Atlas")
	second := seedNote(t, store, "second note about Atlas")

	r1, err := reg.ProcessAndStore(ctx, first, []types.ExtractedEntity{
		{Name: "Atlas", Type: "project", Confidence: 0.9},
	})
	require.NoError(t, err)

	r2, err := reg.ProcessAndStore(ctx, second, []types.ExtractedEntity{
		{Name: "Atlas", Type: "project", Confidence: 0.8},
	})
	require.NoError(t, err)

	assert.Equal(t, r1[0].EntityID, r2[0].EntityID, "same name resolves to same entity")
	assert.True(t, r1[0].IsNew)
	assert.False(t, r2[0].IsNew)

	entity, err := reg.GetEntityDetails(ctx, r1[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, 2, entity.MentionCount)
}

func TestProcessAndStoreAccumulatesAliases(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	first := seedNote(t, store, "met Jonathan")
	second := seedNote(t, store, "followup with Jon")

	r1, err := reg.ProcessAndStore(ctx, first, []types.ExtractedEntity{
		{Name: "Jonathan Smith", Type: "person", Confidence: 0.9},
	})
	require.NoError(t, err)

	// SQLite's fuzzy fallback is substring containment, so a shorter form
	// of the stored name matches and is recorded as an alias.
	r2, err := reg.ProcessAndStore(ctx, second, []types.ExtractedEntity{
		{Name: "Jonathan", Type: "person", Confidence: 0.9},
	})
	require.NoError(t, err)

	assert.Equal(t, r1[0].EntityID, r2[0].EntityID)
	assert.Equal(t, "Jonathan Smith", r2[0].CanonicalName)

	entity, err := reg.GetEntityDetails(ctx, r1[0].EntityID)
	require.NoError(t, err)
	assert.Contains(t, entity.Aliases, "Jonathan")

	// A later mention under the alias hits the alias stage directly.
	third := seedNote(t, store, "Jonathan again")
	r3, err := reg.ProcessAndStore(ctx, third, []types.ExtractedEntity{
		{Name: "Jonathan", Type: "person", Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, r1[0].EntityID, r3[0].EntityID)

	entity, err = reg.GetEntityDetails(ctx, r1[0].EntityID)
	require.NoError(t, err)
	assert.Len(t, entity.Aliases, 1, "alias recorded once")
}

func TestProcessAndStoreMapsUnknownCategory(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	noteID := seedNote(t, store, "talked to Acme Corp about microservices")

	resolved, err := reg.ProcessAndStore(ctx, noteID, []types.ExtractedEntity{
		{Name: "Acme Corp", Type: "organization", Confidence: 0.9},
		{Name: "microservices", Type: "buzzword", Confidence: 0.6},
	})
	require.NoError(t, err)

	assert.Equal(t, types.CategoryConcept, resolved[0].EntityType, "organization maps to concept")
	assert.Equal(t, types.CategoryConcept, resolved[1].EntityType, "unknown category maps to concept")
}

func TestProcessAndStoreDefaultsConfidence(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	noteID := seedNote(t, store, "note")

	resolved, err := reg.ProcessAndStore(ctx, noteID, []types.ExtractedEntity{
		{Name: "Vague Thing", Type: "concept"},
	})
	require.NoError(t, err)
	assert.Equal(t, defaultMentionConfidence, resolved[0].Confidence)
}

func TestProcessAndStoreEmptyBatch(t *testing.T) {
	reg, store := newTestRegistry(t)
	noteID := seedNote(t, store, "note without entities")

	resolved, err := reg.ProcessAndStore(context.Background(), noteID, nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestProcessAndStoreRejectsEmptyName(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	noteID := seedNote(t, store, "note")

	_, err := reg.ProcessAndStore(ctx, noteID, []types.ExtractedEntity{
		{Name: "Valid", Type: "concept", Confidence: 0.9},
		{Name: "   ", Type: "concept", Confidence: 0.9},
	})
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	// The failed batch rolled back entirely, including the valid entry.
	matches, err := reg.SearchEntities(ctx, "Valid", storage.EntitySearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMergeEntitiesKeepsPrimary(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	a := seedNote(t, store, "note A about ProjectX")
	b := seedNote(t, store, "note B about Project X")

	r1, err := reg.ProcessAndStore(ctx, a, []types.ExtractedEntity{
		{Name: "ProjectX", Type: "project", Confidence: 0.9},
	})
	require.NoError(t, err)

	// Force a distinct entity with a name the substring fallback cannot
	// bridge, then merge.
	r2, err := reg.ProcessAndStore(ctx, b, []types.ExtractedEntity{
		{Name: "PX Initiative", Type: "project", Confidence: 0.9},
	})
	require.NoError(t, err)
	require.NotEqual(t, r1[0].EntityID, r2[0].EntityID)

	ok, err := reg.MergeEntities(ctx, r1[0].EntityID, r2[0].EntityID)
	require.NoError(t, err)
	assert.True(t, ok)

	merged, err := reg.GetEntityDetails(ctx, r1[0].EntityID)
	require.NoError(t, err)
	assert.Equal(t, "ProjectX", merged.CanonicalName)
	assert.Contains(t, merged.Aliases, "PX Initiative")
	assert.Equal(t, 2, merged.MentionCount)

	_, err = reg.GetEntityDetails(ctx, r2[0].EntityID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Future mentions of the folded name resolve to the primary.
	c := seedNote(t, store, "note C")
	r3, err := reg.ProcessAndStore(ctx, c, []types.ExtractedEntity{
		{Name: "PX Initiative", Type: "project", Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, r1[0].EntityID, r3[0].EntityID)
}
