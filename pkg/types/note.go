// Package types defines the domain types shared across the scribe system:
// notes, entities, mentions, and the result shapes produced by ingestion
// and search.
package types

import "time"

// Note is the atomic unit of storage: a free-text work note enriched with an
// embedding and a snapshot of extractor output.
type Note struct {
	// ID is the server-generated note identifier (UUID).
	ID string `json:"id"`

	// Owner is the username the note belongs to.
	Owner string `json:"owner,omitempty"`

	// Text is the note content, truncated server-side to the configured
	// maximum length before persistence.
	Text string `json:"text"`

	// Embedding is the fixed-dimension vector for semantic search.
	// Nil when embedding generation is unavailable for the deployment.
	Embedding []float32 `json:"-"`

	// Tags is an ordered list of user-supplied tags.
	Tags []string `json:"tags,omitempty"`

	// SessionID is an optional correlation id linking notes captured in the
	// same working session.
	SessionID string `json:"session_id,omitempty"`

	// ExtractedEntities is the raw extractor output at ingestion time.
	// Immutable after write; the deduplicated view lives in the registry.
	ExtractedEntities []ExtractedEntity `json:"extracted_entities,omitempty"`

	// CreatedAt is when the note was stored.
	CreatedAt time.Time `json:"timestamp"`
}

// ExtractedEntity is one candidate produced by the entity extractor,
// before registry resolution.
type ExtractedEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// NoteSearchResult is a note returned by hybrid search, annotated with the
// ranking signals and the entities linked through the registry.
type NoteSearchResult struct {
	Note

	// SimilarityScore is 1 - cosine distance in vector mode, or the fixed
	// placeholder 0.5 in lexical-only mode.
	SimilarityScore float64 `json:"similarity_score"`

	// TextRank is the lexical rank of the note text against the query.
	TextRank float64 `json:"text_rank"`

	// RelevanceScore is the combined ranking signal:
	// similarity*0.7 + textRank*0.3.
	RelevanceScore float64 `json:"relevance_score"`

	// LinkedEntities are the registry entities mentioned by this note.
	LinkedEntities []LinkedEntity `json:"linked_entities"`
}

// LinkedEntity is the per-note view of a registry entity, aggregated from
// entity_mentions for search results and note detail responses.
type LinkedEntity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}
