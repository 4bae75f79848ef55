package types

// StoreNoteResult is returned by the ingestion pipeline for a single note.
type StoreNoteResult struct {
	NoteID string `json:"note_id"`

	// Entities is the raw extractor output, returned unchanged for API
	// stability.
	Entities []ExtractedEntity `json:"entities"`

	// ProcessedEntities is the registry view: deduplicated entities with
	// their database ids and mention records.
	ProcessedEntities []ResolvedEntity `json:"processed_entities"`

	ProcessingTimeMs    int64    `json:"processing_time_ms"`
	EmbeddingDimensions int      `json:"embedding_dimensions"`
	SessionID           string   `json:"session_id,omitempty"`
	Tags                []string `json:"tags,omitempty"`
}

// BulkNoteItem is one entry in a bulk ingestion request.
type BulkNoteItem struct {
	Text      string   `json:"text"`
	Tags      []string `json:"tags,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// BulkItemResult records the outcome for one bulk item. NoteID is nil when
// the item failed.
type BulkItemResult struct {
	NoteID           *string           `json:"note_id"`
	Entities         []ExtractedEntity `json:"entities"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
}

// BulkResult is the aggregate outcome of a bulk ingestion call. Item order
// is not guaranteed; successes and failures are partitioned.
// SuccessCount + FailureCount == TotalProcessed always holds.
type BulkResult struct {
	Stored         []BulkItemResult `json:"stored_notes"`
	Failed         []BulkItemResult `json:"failed_notes"`
	TotalProcessed int              `json:"total_processed"`
	SuccessCount   int              `json:"success_count"`
	FailureCount   int              `json:"failure_count"`
	TotalTimeMs    int64            `json:"total_processing_time_ms"`
	SessionID      string           `json:"session_id,omitempty"`
}
