package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// fuzzyFallbackScore is the fixed score reported for substring matches,
// since SQLite has no trigram similarity function.
const fuzzyFallbackScore = 0.8

// querier is the subset of *sql.DB and *sql.Tx used by entity operations.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// entityOps implements storage.EntityOps over a querier.
type entityOps struct {
	q querier
}

const entitySelectColumns = `
	id, canonical_name, entity_type, aliases, mention_count,
	first_seen, last_seen, created_at, updated_at, metadata
`

// FindCanonical returns the entity whose canonical_name matches name exactly
// (case-sensitive) for the given type, or ErrNotFound.
func (e entityOps) FindCanonical(ctx context.Context, name, entityType string) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	// BINARY collation keeps the comparison case-sensitive regardless of
	// column definition.
	row := e.q.QueryRowContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE canonical_name = ? COLLATE BINARY AND entity_type = ?
	`, name, entityType)
	return scanEntity(row)
}

// FindByAlias returns the entity whose aliases array contains name, or
// ErrNotFound. Uses the json1 extension to scan the JSON array.
func (e entityOps) FindByAlias(ctx context.Context, name, entityType string) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	row := e.q.QueryRowContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE entity_type = ?
		  AND aliases IS NOT NULL
		  AND EXISTS (SELECT 1 FROM json_each(entities.aliases) WHERE json_each.value = ?)
		ORDER BY mention_count DESC
		LIMIT 1
	`, entityType, name)
	return scanEntity(row)
}

// FindSimilar approximates fuzzy matching with case-insensitive substring
// containment: a fixed score, at most 3 candidates, ordered by canonical
// name. The threshold parameter is accepted for interface parity but unused.
func (e entityOps) FindSimilar(ctx context.Context, name, entityType string, threshold float64) ([]types.EntityMatch, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	rows, err := e.q.QueryContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE entity_type = ?
		  AND canonical_name LIKE '%' || ? || '%'
		ORDER BY canonical_name ASC
		LIMIT 3
	`, entityType, name)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find similar entities: %w", err)
	}
	defer rows.Close()

	var matches []types.EntityMatch
	for rows.Next() {
		var m types.EntityMatch
		if err := scanEntityInto(rows, &m.Entity); err != nil {
			return nil, err
		}
		m.Score = fuzzyFallbackScore
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating similar entities: %w", err)
	}
	return matches, nil
}

// AddAlias appends alias to the entity's alias list if not already present.
func (e entityOps) AddAlias(ctx context.Context, entityID, alias string) error {
	if entityID == "" || alias == "" {
		return fmt.Errorf("%w: entity ID and alias are required", storage.ErrInvalidInput)
	}

	var aliasesJSON sql.NullString
	err := e.q.QueryRowContext(ctx,
		"SELECT aliases FROM entities WHERE id = ?", entityID).Scan(&aliasesJSON)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to read aliases: %w", err)
	}

	var aliases []string
	if aliasesJSON.Valid && aliasesJSON.String != "" {
		if err := json.Unmarshal([]byte(aliasesJSON.String), &aliases); err != nil {
			return fmt.Errorf("sqlite: failed to unmarshal aliases: %w", err)
		}
	}
	for _, a := range aliases {
		if a == alias {
			return nil
		}
	}
	aliases = append(aliases, alias)

	updated, err := json.Marshal(aliases)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal aliases: %w", err)
	}

	if _, err := e.q.ExecContext(ctx, `
		UPDATE entities
		SET aliases = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(updated), entityID); err != nil {
		return fmt.Errorf("sqlite: failed to add alias: %w", err)
	}
	return nil
}

// TouchEntity increments mention_count and refreshes last_seen/updated_at.
func (e entityOps) TouchEntity(ctx context.Context, entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	result, err := e.q.ExecContext(ctx, `
		UPDATE entities
		SET mention_count = mention_count + 1,
		    last_seen = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, entityID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch entity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateEntity inserts a new registry entry with mention_count 1 and empty
// aliases. Returns ErrDuplicateEntity when another writer created the same
// (canonical_name, entity_type) pair first.
func (e entityOps) CreateEntity(ctx context.Context, name, entityType string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}
	if entityType == "" {
		return "", fmt.Errorf("%w: entity type is required", storage.ErrInvalidInput)
	}

	id := uuid.NewString()
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_name, entity_type, aliases, mention_count)
		VALUES (?, ?, ?, '[]', 1)
	`, id, name, entityType)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", storage.ErrDuplicateEntity
		}
		return "", fmt.Errorf("sqlite: failed to create entity: %w", err)
	}
	return id, nil
}

// CreateMention records that a note mentioned an entity under a given
// surface form.
func (e entityOps) CreateMention(ctx context.Context, noteID, entityID, mentionedText string, confidence float64) (string, error) {
	if noteID == "" || entityID == "" {
		return "", fmt.Errorf("%w: note ID and entity ID are required", storage.ErrInvalidInput)
	}

	id := uuid.NewString()
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO entity_mentions (id, note_id, entity_id, mentioned_text, confidence)
		VALUES (?, ?, ?, ?, ?)
	`, id, noteID, entityID, mentionedText, confidence)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to create mention: %w", err)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Store-level entity operations
// ---------------------------------------------------------------------------

func (s *Store) ops() entityOps {
	return entityOps{q: s.db}
}

func (s *Store) FindCanonical(ctx context.Context, name, entityType string) (*types.Entity, error) {
	return s.ops().FindCanonical(ctx, name, entityType)
}

func (s *Store) FindByAlias(ctx context.Context, name, entityType string) (*types.Entity, error) {
	return s.ops().FindByAlias(ctx, name, entityType)
}

func (s *Store) FindSimilar(ctx context.Context, name, entityType string, threshold float64) ([]types.EntityMatch, error) {
	return s.ops().FindSimilar(ctx, name, entityType, threshold)
}

func (s *Store) AddAlias(ctx context.Context, entityID, alias string) error {
	return s.ops().AddAlias(ctx, entityID, alias)
}

func (s *Store) TouchEntity(ctx context.Context, entityID string) error {
	return s.ops().TouchEntity(ctx, entityID)
}

func (s *Store) CreateEntity(ctx context.Context, name, entityType string) (string, error) {
	return s.ops().CreateEntity(ctx, name, entityType)
}

func (s *Store) CreateMention(ctx context.Context, noteID, entityID, mentionedText string, confidence float64) (string, error) {
	return s.ops().CreateMention(ctx, noteID, entityID, mentionedText, confidence)
}

// WithinTx runs fn inside a transaction. Entity operations performed through
// the passed ops are committed atomically; any error rolls everything back.
func (s *Store) WithinTx(ctx context.Context, fn func(ops storage.EntityOps) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}

	if err := fn(entityOps{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rollback failed (%v) after: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit transaction: %w", err)
	}
	return nil
}

// GetEntity retrieves a registry entry by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE id = ?
	`, id)
	return scanEntity(row)
}

// MergeEntities folds the duplicate entity into the primary: mentions are
// repointed, the duplicate's canonical name and aliases become aliases of
// the primary, mention counts are summed, and first_seen/last_seen widen to
// cover both. Returns false when either entity is missing.
func (s *Store) MergeEntities(ctx context.Context, primaryID, duplicateID string) (bool, error) {
	if primaryID == "" || duplicateID == "" {
		return false, fmt.Errorf("%w: primary and duplicate entity IDs are required", storage.ErrInvalidInput)
	}
	if primaryID == duplicateID {
		return false, fmt.Errorf("%w: cannot merge an entity into itself", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fetch := func(id string) (*types.Entity, error) {
		row := tx.QueryRowContext(ctx, `
			SELECT `+entitySelectColumns+`
			FROM entities
			WHERE id = ?
		`, id)
		return scanEntity(row)
	}

	primary, err := fetch(primaryID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	duplicate, err := fetch(duplicateID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE entity_mentions SET entity_id = ? WHERE entity_id = ?",
		primaryID, duplicateID); err != nil {
		return false, fmt.Errorf("sqlite: failed to repoint mentions: %w", err)
	}

	merged := mergeAliases(primary, duplicate)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("sqlite: failed to marshal merged aliases: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET aliases = ?,
		    mention_count = mention_count + ?,
		    first_seen = MIN(first_seen, ?),
		    last_seen = MAX(last_seen, ?),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(mergedJSON), duplicate.MentionCount,
		duplicate.FirstSeen, duplicate.LastSeen, primaryID); err != nil {
		return false, fmt.Errorf("sqlite: failed to update primary entity: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entities WHERE id = ?", duplicateID); err != nil {
		return false, fmt.Errorf("sqlite: failed to delete duplicate entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: failed to commit merge: %w", err)
	}
	return true, nil
}

// SearchEntities finds registry entries whose canonical name contains query,
// optionally restricted to one type.
func (s *Store) SearchEntities(ctx context.Context, query string, opts storage.EntitySearchOptions) ([]types.EntityMatch, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	var conditions []string
	var args []interface{}

	conditions = append(conditions, "canonical_name LIKE '%' || ? || '%'")
	args = append(args, query)

	if opts.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, opts.EntityType)
	}

	args = append(args, opts.Limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitySelectColumns+`
		FROM entities
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY mention_count DESC, canonical_name ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to search entities: %w", err)
	}
	defer rows.Close()

	var matches []types.EntityMatch
	for rows.Next() {
		var m types.EntityMatch
		if err := scanEntityInto(rows, &m.Entity); err != nil {
			return nil, err
		}
		m.Score = fuzzyFallbackScore
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating entity search: %w", err)
	}
	return matches, nil
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntityInto(sc rowScanner, entity *types.Entity) error {
	var aliasesJSON, metadataJSON sql.NullString

	err := sc.Scan(
		&entity.ID, &entity.CanonicalName, &entity.EntityType,
		&aliasesJSON, &entity.MentionCount,
		&entity.FirstSeen, &entity.LastSeen,
		&entity.CreatedAt, &entity.UpdatedAt,
		&metadataJSON,
	)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to scan entity: %w", err)
	}

	if aliasesJSON.Valid && aliasesJSON.String != "" {
		if err := json.Unmarshal([]byte(aliasesJSON.String), &entity.Aliases); err != nil {
			return fmt.Errorf("sqlite: failed to unmarshal aliases: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entity.Metadata); err != nil {
			return fmt.Errorf("sqlite: failed to unmarshal metadata: %w", err)
		}
	}
	return nil
}

func scanEntity(row *sql.Row) (*types.Entity, error) {
	var entity types.Entity
	if err := scanEntityInto(row, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// mergeAliases builds the primary's post-merge alias list: its own aliases,
// the duplicate's canonical name, and the duplicate's aliases, deduplicated
// case-insensitively and never containing the primary's canonical name.
func mergeAliases(primary, duplicate *types.Entity) []string {
	seen := map[string]bool{strings.ToLower(primary.CanonicalName): true}
	out := make([]string, 0, len(primary.Aliases)+len(duplicate.Aliases)+1)

	add := func(name string) {
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, name)
	}

	for _, a := range primary.Aliases {
		add(a)
	}
	add(duplicate.CanonicalName)
	for _, a := range duplicate.Aliases {
		add(a)
	}
	return out
}
