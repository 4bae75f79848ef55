// Package notes implements the ingestion pipeline: embedding and entity
// extraction run in parallel, the note is persisted, and extracted entities
// are resolved against the registry. A bulk coordinator fans the pipeline
// out over batches with bounded concurrency.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kalder/scribe/internal/llm"
	"github.com/kalder/scribe/internal/registry"
	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// ErrEmbeddingFailed marks an ingestion failure caused by the embedding
// provider. Extraction failures are not fatal; embedding failures are,
// because a note stored without its vector would silently fall out of
// semantic search.
var ErrEmbeddingFailed = errors.New("embedding generation failed")

// defaultMaxNoteLength is the character cap applied before processing.
const defaultMaxNoteLength = 10000

// Pipeline ingests notes. Either LLM client may be nil: a nil embedder
// stores notes without vectors (lexical-only deployments), a nil extractor
// skips entity processing.
type Pipeline struct {
	store         storage.NoteStore
	registry      *registry.Registry
	embedder      llm.EmbeddingGenerator
	extractor     llm.EntityExtractor
	maxNoteLength int
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(store storage.NoteStore, reg *registry.Registry, embedder llm.EmbeddingGenerator, extractor llm.EntityExtractor) *Pipeline {
	return &Pipeline{
		store:         store,
		registry:      reg,
		embedder:      embedder,
		extractor:     extractor,
		maxNoteLength: defaultMaxNoteLength,
	}
}

// SetMaxNoteLength overrides the truncation cap. Values < 1 are ignored.
func (p *Pipeline) SetMaxNoteLength(n int) {
	if n > 0 {
		p.maxNoteLength = n
	}
}

// ProcessNote runs the full ingestion pipeline for one note: truncate,
// embed and extract in parallel, persist, then resolve entities.
func (p *Pipeline) ProcessNote(ctx context.Context, owner, text string, tags []string, sessionID string) (*types.StoreNoteResult, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: note text is required", storage.ErrInvalidInput)
	}
	start := time.Now()

	// Owners are auto-provisioned on first ingest.
	if _, err := p.store.EnsureUser(ctx, owner); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	// The cap counts characters, not bytes, so truncation never splits a
	// multi-byte rune.
	if runes := []rune(text); len(runes) > p.maxNoteLength {
		log.Printf("notes: truncating note from %d to %d characters", len(runes), p.maxNoteLength)
		text = string(runes[:p.maxNoteLength])
	}

	// Embedding and extraction are independent remote calls; run them
	// concurrently.
	var (
		wg        sync.WaitGroup
		embedding []float32
		embedErr  error
		extracted []types.ExtractedEntity
	)

	if p.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			embedding, embedErr = p.embedder.Embed(ctx, text)
		}()
	}

	if p.extractor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ents, err := p.extractor.Extract(ctx, text)
			if err != nil {
				// A note without entities is still a useful note.
				log.Printf("notes: entity extraction failed, storing note without entities: %v", err)
				return
			}
			extracted = ents
		}()
	}

	wg.Wait()

	if embedErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, embedErr)
	}

	note := &types.Note{
		Owner:             owner,
		Text:              text,
		Embedding:         embedding,
		Tags:              tags,
		SessionID:         sessionID,
		ExtractedEntities: extracted,
	}

	noteID, err := p.store.StoreNote(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("store note: %w", err)
	}

	var resolved []types.ResolvedEntity
	if p.registry != nil && len(extracted) > 0 {
		resolved, err = p.registry.ProcessAndStore(ctx, noteID, extracted)
		if err != nil {
			return nil, fmt.Errorf("process entities for note %s: %w", noteID, err)
		}
	}

	return &types.StoreNoteResult{
		NoteID:              noteID,
		Entities:            extracted,
		ProcessedEntities:   resolved,
		ProcessingTimeMs:    time.Since(start).Milliseconds(),
		EmbeddingDimensions: len(embedding),
		SessionID:           sessionID,
		Tags:                tags,
	}, nil
}
