// Package search exposes note retrieval: hybrid semantic+lexical ranking
// with graceful degradation to lexical-only mode when embeddings are
// unavailable.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// Embedder turns query text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Search modes reported to callers.
const (
	ModeHybrid  = "hybrid"
	ModeLexical = "lexical"
)

// Response is the result of one search request.
type Response struct {
	Results     []types.NoteSearchResult `json:"results"`
	Total       int                      `json:"total"`
	Query       string                   `json:"query"`
	Mode        string                   `json:"mode"`
	QueryTimeMs int64                    `json:"query_time_ms"`
}

// Engine runs searches against a storage provider, embedding queries when an
// embedder is configured.
type Engine struct {
	provider storage.SearchProvider
	embedder Embedder // nil means lexical-only deployment
}

// NewEngine creates a search engine. Pass a nil embedder to run in
// lexical-only mode.
func NewEngine(provider storage.SearchProvider, embedder Embedder) *Engine {
	return &Engine{provider: provider, embedder: embedder}
}

// Search runs a hybrid search. Deployments without an embedder run in
// lexical-only mode; when an embedder is configured, its failures surface
// to the caller.
func (e *Engine) Search(ctx context.Context, query string, opts storage.NoteSearchOptions) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	start := time.Now()

	var embedding []float32
	mode := ModeLexical
	if e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		embedding = vec
		mode = ModeHybrid
	}

	results, err := e.provider.HybridSearch(ctx, query, embedding, opts)
	if err != nil {
		return nil, err
	}

	return &Response{
		Results:     results,
		Total:       len(results),
		Query:       query,
		Mode:        mode,
		QueryTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// SemanticSearch bypasses the lexical arm entirely. It requires a working
// embedder.
func (e *Engine) SemanticSearch(ctx context.Context, owner, query string, limit int, minSimilarity float64) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	if e.embedder == nil {
		return nil, fmt.Errorf("%w: semantic search requires an embedding provider", storage.ErrInvalidInput)
	}
	start := time.Now()

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := e.provider.SemanticSearch(ctx, owner, embedding, limit, minSimilarity)
	if err != nil {
		return nil, err
	}
	return &Response{
		Results:     results,
		Total:       len(results),
		Query:       query,
		Mode:        "semantic",
		QueryTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// FullTextSearch bypasses the semantic arm entirely.
func (e *Engine) FullTextSearch(ctx context.Context, owner, query string, limit int) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	start := time.Now()

	results, err := e.provider.FullTextSearch(ctx, owner, query, limit)
	if err != nil {
		return nil, err
	}
	return &Response{
		Results:     results,
		Total:       len(results),
		Query:       query,
		Mode:        "fulltext",
		QueryTimeMs: time.Since(start).Milliseconds(),
	}, nil
}
