package registry

import (
	"context"
	"fmt"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// defaultMentionConfidence is used when the extractor did not report a
// confidence for an entity.
const defaultMentionConfidence = 0.5

// Registry resolves extracted entities against the canonical store and
// records note-entity mentions.
type Registry struct {
	store storage.EntityStore
}

// New creates a Registry backed by the given entity store.
func New(store storage.EntityStore) *Registry {
	return &Registry{store: store}
}

// ProcessAndStore resolves each extracted entity and records a mention
// linking it to the note. The whole batch runs in one transaction: either
// every mention lands or none do. Output order matches input order.
func (r *Registry) ProcessAndStore(ctx context.Context, noteID string, raw []types.ExtractedEntity) ([]types.ResolvedEntity, error) {
	if noteID == "" {
		return nil, fmt.Errorf("%w: note ID is required", storage.ErrInvalidInput)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	resolved := make([]types.ResolvedEntity, 0, len(raw))

	err := r.store.WithinTx(ctx, func(ops storage.EntityOps) error {
		for _, e := range raw {
			res, err := Resolve(ctx, ops, e.Name, e.Type)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", e.Name, err)
			}

			confidence := e.Confidence
			if confidence == 0 {
				confidence = defaultMentionConfidence
			}

			mentionID, err := ops.CreateMention(ctx, noteID, res.EntityID, e.Name, confidence)
			if err != nil {
				return fmt.Errorf("record mention of %q: %w", e.Name, err)
			}

			resolved = append(resolved, types.ResolvedEntity{
				EntityID:      res.EntityID,
				CanonicalName: res.CanonicalName,
				EntityType:    res.EntityType,
				Confidence:    confidence,
				MentionID:     mentionID,
				IsNew:         res.IsNew,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// GetEntityDetails returns the full registry record for an entity.
func (r *Registry) GetEntityDetails(ctx context.Context, entityID string) (*types.Entity, error) {
	return r.store.GetEntity(ctx, entityID)
}

// MergeEntities folds duplicateID into primaryID. Returns false when either
// entity does not exist.
func (r *Registry) MergeEntities(ctx context.Context, primaryID, duplicateID string) (bool, error) {
	return r.store.MergeEntities(ctx, primaryID, duplicateID)
}

// SearchEntities finds registry entries by name similarity.
func (r *Registry) SearchEntities(ctx context.Context, query string, opts storage.EntitySearchOptions) ([]types.EntityMatch, error) {
	return r.store.SearchEntities(ctx, query, opts)
}
