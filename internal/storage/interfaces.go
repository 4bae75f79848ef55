// Package storage defines the composable storage interfaces for scribe.
//
// The layer is split into small, focused interfaces (notes, entities,
// search) that backends implement independently. Two backends exist:
// postgres (pgvector + pg_trgm + tsvector) and sqlite (FTS5, lexical-only
// fallback). Components depend on these interfaces, never on a concrete
// backend, so unit tests run against fakes or the in-memory sqlite store.
package storage

import (
	"context"

	"github.com/kalder/scribe/pkg/types"
)

// NoteStore provides note persistence and retrieval.
type NoteStore interface {
	// EnsureUser creates the user row for username if it does not exist and
	// returns the user id either way.
	EnsureUser(ctx context.Context, username string) (string, error)

	// StoreNote persists a note for its Owner and returns the generated
	// note id. The caller is responsible for truncation; the store persists
	// the text as given. Returns ErrNotFound when the owner is unknown.
	StoreNote(ctx context.Context, note *types.Note) (string, error)

	// GetNote retrieves a note by id, scoped to owner, with its linked
	// entities aggregated from the registry. Returns ErrNotFound when the
	// note does not exist or belongs to someone else.
	GetNote(ctx context.Context, id, owner string) (*types.Note, []types.LinkedEntity, error)

	// DeleteNote removes a note and, via cascade, its entity mentions.
	// Returns ErrNotFound when the note does not exist for the owner.
	DeleteNote(ctx context.Context, id, owner string) error
}

// EntityOps is the primitive operation set the entity resolver runs on.
// It is implemented both by the store itself (autocommit) and by the
// transaction handle passed to WithinTx, so a batch of resolutions can run
// atomically.
type EntityOps interface {
	// FindCanonical returns the entity with the exact canonical name
	// (case-sensitive) and type, or ErrNotFound.
	FindCanonical(ctx context.Context, name, entityType string) (*types.Entity, error)

	// FindByAlias returns an entity of the given type whose alias set
	// contains name verbatim, or ErrNotFound.
	FindByAlias(ctx context.Context, name, entityType string) (*types.Entity, error)

	// FindSimilar returns entities of the given type whose canonical name
	// scores above threshold against name, ordered score descending then
	// mention_count descending. Backends without a similarity function use
	// a case-insensitive substring containment fallback with a fixed
	// synthetic score and at most 3 candidates ordered by canonical name.
	FindSimilar(ctx context.Context, name, entityType string, threshold float64) ([]types.EntityMatch, error)

	// AddAlias appends alias to the entity's alias set. Idempotent: adding
	// an alias that is already present is a no-op.
	AddAlias(ctx context.Context, entityID, alias string) error

	// TouchEntity increments mention_count by one and refreshes last_seen
	// and updated_at. Called exactly once per resolution that lands on an
	// existing entity.
	TouchEntity(ctx context.Context, entityID string) error

	// CreateEntity inserts a new entity with mention_count = 1 and an empty
	// alias set, returning its id. Returns ErrDuplicateEntity when the
	// (canonical_name, entity_type) pair already exists.
	CreateEntity(ctx context.Context, name, entityType string) (string, error)

	// CreateMention links a note to an entity and returns the mention id.
	CreateMention(ctx context.Context, noteID, entityID, mentionedText string, confidence float64) (string, error)
}

// EntityStore is the registry's storage boundary: the resolver primitives
// plus the transactional and read-side operations.
type EntityStore interface {
	EntityOps

	// WithinTx runs fn against a transactional EntityOps. fn returning an
	// error rolls the whole unit back.
	WithinTx(ctx context.Context, fn func(ops EntityOps) error) error

	// GetEntity returns the full entity record with deserialized aliases
	// and metadata, or ErrNotFound.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// MergeEntities folds duplicateID into primaryID within one
	// transaction: alias union (plus the duplicate's canonical name),
	// mention_count addition, last_seen max, mention re-pointing, duplicate
	// row deletion. Returns false with no side effects when either id is
	// absent.
	MergeEntities(ctx context.Context, primaryID, duplicateID string) (bool, error)

	// SearchEntities performs fuzzy-ranked name search over canonical
	// names, ordered score descending then mention_count descending.
	SearchEntities(ctx context.Context, query string, opts EntitySearchOptions) ([]types.EntityMatch, error)
}

// SearchProvider provides ranked note search.
type SearchProvider interface {
	// HybridSearch combines vector similarity and lexical rank when the
	// backend has vector capability, and degrades to lexical-only ranking
	// (similarity reported as the 0.5 placeholder) when it does not.
	// queryEmbedding may be nil, which forces the lexical path.
	HybridSearch(ctx context.Context, queryText string, queryEmbedding []float32, opts NoteSearchOptions) ([]types.NoteSearchResult, error)

	// SemanticSearch ranks by vector similarity only, dropping notes below
	// minSimilarity. Backends without vector capability return
	// ErrInvalidInput.
	SemanticSearch(ctx context.Context, owner string, queryEmbedding []float32, limit int, minSimilarity float64) ([]types.NoteSearchResult, error)

	// FullTextSearch ranks by lexical rank only.
	FullTextSearch(ctx context.Context, owner, query string, limit int) ([]types.NoteSearchResult, error)
}

// Store is the full backend surface the application wires at startup.
type Store interface {
	NoteStore
	EntityStore
	SearchProvider

	// VectorAvailable reports whether the backend can score vector
	// similarity (pgvector present and usable).
	VectorAvailable() bool

	// Health reports per-capability status strings keyed by capability
	// name (e.g. "database", "vector", "similarity").
	Health(ctx context.Context) map[string]string

	// Close releases the underlying database resources.
	Close() error
}
