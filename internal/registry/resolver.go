// Package registry maintains the canonical entity registry: resolution of
// extracted names against known entities, alias accumulation, mention
// bookkeeping, and merge support.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// fuzzyThreshold is the minimum trigram similarity for a fuzzy match to
// claim an incoming name.
const fuzzyThreshold = 0.7

// Resolution is the outcome of resolving one extracted name.
type Resolution struct {
	EntityID      string
	CanonicalName string
	EntityType    string
	IsNew         bool
}

// Resolve maps an extracted name to a registry entity, creating one when
// nothing matches. Stages run in order and the first hit wins:
//
//  1. exact canonical name (case-sensitive)
//  2. exact alias
//  3. fuzzy canonical-name match above fuzzyThreshold
//  4. create a new entity
//
// A fuzzy hit whose canonical name differs from the incoming name (compared
// case-insensitively) records the incoming name as a new alias. Every hit
// increments the entity's mention count and refreshes its last-seen time.
//
// Resolve works against storage.EntityOps so it runs unchanged inside a
// transaction.
func Resolve(ctx context.Context, ops storage.EntityOps, name, declaredType string) (Resolution, error) {
	return resolve(ctx, ops, name, declaredType, true)
}

func resolve(ctx context.Context, ops storage.EntityOps, name, declaredType string, retryOnDuplicate bool) (Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Resolution{}, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}
	entityType := types.MapCategory(declaredType)

	// Stage 1: exact canonical match.
	entity, err := ops.FindCanonical(ctx, name, entityType)
	if err == nil {
		if err := ops.TouchEntity(ctx, entity.ID); err != nil {
			return Resolution{}, err
		}
		return Resolution{
			EntityID:      entity.ID,
			CanonicalName: entity.CanonicalName,
			EntityType:    entity.EntityType,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, err
	}

	// Stage 2: exact alias match.
	entity, err = ops.FindByAlias(ctx, name, entityType)
	if err == nil {
		if err := ops.TouchEntity(ctx, entity.ID); err != nil {
			return Resolution{}, err
		}
		return Resolution{
			EntityID:      entity.ID,
			CanonicalName: entity.CanonicalName,
			EntityType:    entity.EntityType,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, err
	}

	// Stage 3: fuzzy match, best candidate first.
	matches, err := ops.FindSimilar(ctx, name, entityType, fuzzyThreshold)
	if err != nil {
		return Resolution{}, err
	}
	if len(matches) > 0 {
		best := matches[0].Entity
		if !strings.EqualFold(name, best.CanonicalName) {
			if err := ops.AddAlias(ctx, best.ID, name); err != nil {
				return Resolution{}, err
			}
		}
		if err := ops.TouchEntity(ctx, best.ID); err != nil {
			return Resolution{}, err
		}
		return Resolution{
			EntityID:      best.ID,
			CanonicalName: best.CanonicalName,
			EntityType:    best.EntityType,
		}, nil
	}

	// Stage 4: nothing matched, register a new entity.
	id, err := ops.CreateEntity(ctx, name, entityType)
	if errors.Is(err, storage.ErrDuplicateEntity) && retryOnDuplicate {
		// Another writer registered the same name between our lookup and
		// insert. Re-run the lookup stages; they will find it now.
		log.Printf("registry: concurrent create for %q (%s), re-resolving", name, entityType)
		return resolve(ctx, ops, name, declaredType, false)
	}
	if err != nil {
		return Resolution{}, err
	}

	log.Printf("registry: created entity %q (%s) with ID %s", name, entityType, id)
	return Resolution{
		EntityID:      id,
		CanonicalName: name,
		EntityType:    entityType,
		IsNew:         true,
	}, nil
}
