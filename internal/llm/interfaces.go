// Package llm provides the language-model clients used during note
// ingestion: embedding generation and entity extraction. All remote calls
// run behind a circuit breaker and a client-side rate limit.
package llm

import (
	"context"

	"github.com/kalder/scribe/pkg/types"
)

// EmbeddingGenerator turns text into a dense vector.
type EmbeddingGenerator interface {
	// Embed returns the embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the vector size this generator produces.
	Dimensions() int
}

// EntityExtractor identifies the people, projects, concepts, and
// technologies a piece of text talks about.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]types.ExtractedEntity, error)
}
