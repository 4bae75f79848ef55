// Package server provides the HTTP API and activity feed for scribe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/kalder/scribe/internal/notes"
	"github.com/kalder/scribe/internal/search"
	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// NotePipeline is the ingestion surface the handlers call.
type NotePipeline interface {
	ProcessNote(ctx context.Context, owner, text string, tags []string, sessionID string) (*types.StoreNoteResult, error)
	ProcessBulk(ctx context.Context, owner string, items []types.BulkNoteItem, sessionID string) (*types.BulkResult, error)
}

// NoteSearcher runs hybrid note searches.
type NoteSearcher interface {
	Search(ctx context.Context, query string, opts storage.NoteSearchOptions) (*search.Response, error)
}

// EntityRegistry is the entity read/merge surface the handlers call.
type EntityRegistry interface {
	GetEntityDetails(ctx context.Context, entityID string) (*types.Entity, error)
	MergeEntities(ctx context.Context, primaryID, duplicateID string) (bool, error)
	SearchEntities(ctx context.Context, query string, opts storage.EntitySearchOptions) ([]types.EntityMatch, error)
}

// Handlers contains the HTTP handlers for the REST API.
type Handlers struct {
	store        storage.Store
	pipeline     NotePipeline
	searcher     NoteSearcher
	registry     EntityRegistry
	hub          *Hub
	defaultOwner string
}

// NewHandlers creates the API handler set. hub may be nil when no activity
// feed is wired (tests).
func NewHandlers(store storage.Store, pipeline NotePipeline, searcher NoteSearcher, registry EntityRegistry, hub *Hub, defaultOwner string) *Handlers {
	if defaultOwner == "" {
		defaultOwner = "default"
	}
	return &Handlers{
		store:        store,
		pipeline:     pipeline,
		searcher:     searcher,
		registry:     registry,
		hub:          hub,
		defaultOwner: defaultOwner,
	}
}

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CreateNoteRequest is the request body for POST /api/notes.
type CreateNoteRequest struct {
	Text      string   `json:"text"`
	Tags      []string `json:"tags,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Owner     string   `json:"owner,omitempty"`
}

// CreateNote handles POST /api/notes.
func (h *Handlers) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required", nil)
		return
	}

	owner := h.resolveOwner(r, req.Owner)
	result, err := h.pipeline.ProcessNote(r.Context(), owner, req.Text, req.Tags, req.SessionID)
	if err != nil {
		respondStoreError(w, "failed to store note", err)
		return
	}

	h.emit(EventNoteIngested, map[string]interface{}{
		"note_id":  result.NoteID,
		"owner":    owner,
		"entities": len(result.ProcessedEntities),
	})
	respondJSON(w, http.StatusCreated, result)
}

// BulkNotesRequest is the request body for POST /api/notes/bulk.
type BulkNotesRequest struct {
	Notes     []types.BulkNoteItem `json:"notes"`
	SessionID string               `json:"session_id,omitempty"`
	Owner     string               `json:"owner,omitempty"`
}

// BulkNotes handles POST /api/notes/bulk.
func (h *Handlers) BulkNotes(w http.ResponseWriter, r *http.Request) {
	var req BulkNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}
	if len(req.Notes) < notes.MinBulkItems || len(req.Notes) > notes.MaxBulkItems {
		respondError(w, http.StatusBadRequest, "bulk batch must contain between 1 and 50 notes", nil)
		return
	}

	owner := h.resolveOwner(r, req.Owner)
	result, err := h.pipeline.ProcessBulk(r.Context(), owner, req.Notes, req.SessionID)
	if err != nil {
		respondStoreError(w, "bulk ingestion failed", err)
		return
	}

	h.emit(EventBulkCompleted, map[string]interface{}{
		"owner":    owner,
		"stored":   result.SuccessCount,
		"failed":   result.FailureCount,
		"total_ms": result.TotalTimeMs,
		"session":  result.SessionID,
	})
	respondJSON(w, http.StatusOK, result)
}

// NoteResponse is the response body for GET /api/notes/{id}.
type NoteResponse struct {
	types.Note
	LinkedEntities []types.LinkedEntity `json:"linked_entities"`
}

// GetNote handles GET /api/notes/{id}.
func (h *Handlers) GetNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "note ID is required", nil)
		return
	}
	owner := h.resolveOwner(r, "")

	note, linked, err := h.store.GetNote(r.Context(), id, owner)
	if err != nil {
		respondStoreError(w, "failed to get note", err)
		return
	}
	if linked == nil {
		linked = []types.LinkedEntity{}
	}
	respondJSON(w, http.StatusOK, NoteResponse{Note: *note, LinkedEntities: linked})
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handlers) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "note ID is required", nil)
		return
	}
	owner := h.resolveOwner(r, "")

	if err := h.store.DeleteNote(r.Context(), id, owner); err != nil {
		respondStoreError(w, "failed to delete note", err)
		return
	}

	h.emit(EventNoteDeleted, map[string]interface{}{"note_id": id, "owner": owner})
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

// SearchNotes handles GET /api/search.
func (h *Handlers) SearchNotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter q is required", nil)
		return
	}

	opts := storage.NoteSearchOptions{
		Owner:        h.resolveOwner(r, ""),
		Limit:        parseInt(r.URL.Query().Get("limit"), 10),
		DaysBack:     parseInt(r.URL.Query().Get("days_back"), 0),
		EntityFilter: r.URL.Query().Get("entity"),
	}

	resp, err := h.searcher.Search(r.Context(), query, opts)
	if err != nil {
		respondStoreError(w, "search failed", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetEntity handles GET /api/entities/{id}.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity ID is required", nil)
		return
	}

	entity, err := h.registry.GetEntityDetails(r.Context(), id)
	if err != nil {
		respondStoreError(w, "failed to get entity", err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// EntitySearchResponse is the response body for GET /api/entities/search.
type EntitySearchResponse struct {
	Results []types.EntityMatch `json:"results"`
	Total   int                 `json:"total"`
	Query   string              `json:"query"`
}

// SearchEntities handles GET /api/entities/search.
func (h *Handlers) SearchEntities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter q is required", nil)
		return
	}

	opts := storage.EntitySearchOptions{
		EntityType: r.URL.Query().Get("type"),
		Limit:      parseInt(r.URL.Query().Get("limit"), 0),
	}

	matches, err := h.registry.SearchEntities(r.Context(), query, opts)
	if err != nil {
		respondStoreError(w, "entity search failed", err)
		return
	}
	if matches == nil {
		matches = []types.EntityMatch{}
	}
	respondJSON(w, http.StatusOK, EntitySearchResponse{Results: matches, Total: len(matches), Query: query})
}

// MergeEntitiesRequest is the request body for POST /api/entities/merge.
type MergeEntitiesRequest struct {
	PrimaryID   string `json:"primary_id"`
	DuplicateID string `json:"duplicate_id"`
}

// MergeEntities handles POST /api/entities/merge.
func (h *Handlers) MergeEntities(w http.ResponseWriter, r *http.Request) {
	var req MergeEntitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse request body", err)
		return
	}
	if req.PrimaryID == "" || req.DuplicateID == "" {
		respondError(w, http.StatusBadRequest, "primary_id and duplicate_id are required", nil)
		return
	}
	if req.PrimaryID == req.DuplicateID {
		respondError(w, http.StatusBadRequest, "cannot merge an entity into itself", nil)
		return
	}

	merged, err := h.registry.MergeEntities(r.Context(), req.PrimaryID, req.DuplicateID)
	if err != nil {
		respondStoreError(w, "merge failed", err)
		return
	}
	if !merged {
		respondError(w, http.StatusNotFound, "entity not found", nil)
		return
	}

	h.emit(EventEntitiesMerged, map[string]interface{}{
		"primary_id":   req.PrimaryID,
		"duplicate_id": req.DuplicateID,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{"merged": true, "primary_id": req.PrimaryID})
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := h.store.Health(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"capabilities": status,
	})
}

// resolveOwner picks the note owner: query param, then header, then any
// body-supplied value, then the configured default.
func (h *Handlers) resolveOwner(r *http.Request, bodyOwner string) string {
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return owner
	}
	if owner := r.Header.Get("X-Scribe-Owner"); owner != "" {
		return owner
	}
	if bodyOwner != "" {
		return bodyOwner
	}
	return h.defaultOwner
}

func (h *Handlers) emit(eventType string, payload interface{}) {
	if h.hub != nil {
		h.hub.Broadcast(NewEvent(eventType, payload))
	}
}

// respondStoreError maps the storage and pipeline sentinels onto HTTP
// status codes.
func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, notes.ErrEmbeddingFailed):
		respondError(w, http.StatusBadGateway, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// parseInt parses an integer from a string, returning defaultValue if
// parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing to do but log.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{"error": err.Error()}
	}
	respondJSON(w, statusCode, errResp)
}
