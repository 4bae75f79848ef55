package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// querier is the subset of *sql.DB and *sql.Tx used by entity operations,
// so the same code serves both autocommit and transactional paths.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// entityOps implements storage.EntityOps over a querier.
type entityOps struct {
	q             querier
	trgmAvailable bool
}

// FindCanonical returns the entity whose canonical_name matches name exactly
// (case-sensitive) for the given type, or ErrNotFound.
func (e entityOps) FindCanonical(ctx context.Context, name, entityType string) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	row := e.q.QueryRowContext(ctx, `
		SELECT id, canonical_name, entity_type, aliases, mention_count,
		       first_seen, last_seen, created_at, updated_at, metadata
		FROM entities
		WHERE canonical_name = $1 AND entity_type = $2
	`, name, entityType)

	return scanEntity(row)
}

// FindByAlias returns the entity whose aliases array contains name, or
// ErrNotFound. When several entities carry the alias, the most-mentioned
// one wins.
func (e entityOps) FindByAlias(ctx context.Context, name, entityType string) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	aliasJSON, err := json.Marshal([]string{name})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal alias lookup value: %w", err)
	}

	row := e.q.QueryRowContext(ctx, `
		SELECT id, canonical_name, entity_type, aliases, mention_count,
		       first_seen, last_seen, created_at, updated_at, metadata
		FROM entities
		WHERE entity_type = $1 AND aliases @> $2::jsonb
		ORDER BY mention_count DESC
		LIMIT 1
	`, entityType, string(aliasJSON))

	return scanEntity(row)
}

// FindSimilar returns up to 5 entities of the given type whose canonical
// name is fuzzily similar to name, best match first. Uses pg_trgm when
// available; otherwise falls back to substring containment with a fixed
// score of 0.8 and at most 3 candidates ordered by canonical name.
func (e entityOps) FindSimilar(ctx context.Context, name, entityType string, threshold float64) ([]types.EntityMatch, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	var rows *sql.Rows
	var err error

	if e.trgmAvailable {
		rows, err = e.q.QueryContext(ctx, `
			SELECT id, canonical_name, entity_type, aliases, mention_count,
			       first_seen, last_seen, created_at, updated_at, metadata,
			       similarity(canonical_name, $1) AS sim_score
			FROM entities
			WHERE entity_type = $2
			  AND similarity(canonical_name, $1) > $3
			ORDER BY sim_score DESC, mention_count DESC
			LIMIT 5
		`, name, entityType, threshold)
	} else {
		rows, err = e.q.QueryContext(ctx, `
			SELECT id, canonical_name, entity_type, aliases, mention_count,
			       first_seen, last_seen, created_at, updated_at, metadata,
			       0.8 AS sim_score
			FROM entities
			WHERE entity_type = $2
			  AND canonical_name ILIKE '%' || $1 || '%'
			ORDER BY canonical_name ASC
			LIMIT 3
		`, name, entityType)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to find similar entities: %w", err)
	}
	defer rows.Close()

	var matches []types.EntityMatch
	for rows.Next() {
		m, err := scanEntityMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating similar entities: %w", err)
	}
	return matches, nil
}

// AddAlias appends alias to the entity's alias list if not already present.
func (e entityOps) AddAlias(ctx context.Context, entityID, alias string) error {
	if entityID == "" || alias == "" {
		return fmt.Errorf("%w: entity ID and alias are required", storage.ErrInvalidInput)
	}

	aliasJSON, err := json.Marshal([]string{alias})
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal alias: %w", err)
	}

	result, err := e.q.ExecContext(ctx, `
		UPDATE entities
		SET aliases = COALESCE(aliases, '[]'::jsonb) || $2::jsonb,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND NOT (COALESCE(aliases, '[]'::jsonb) @> $2::jsonb)
	`, entityID, string(aliasJSON))
	if err != nil {
		return fmt.Errorf("postgres: failed to add alias: %w", err)
	}

	// Zero rows affected means the alias was already present or the entity
	// is missing. Distinguish the two.
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := e.q.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM entities WHERE id = $1)", entityID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: failed to check entity existence: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
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
		WHERE id = $1
	`, entityID)
	if err != nil {
		return fmt.Errorf("postgres: failed to touch entity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
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
		VALUES ($1, $2, $3, '[]'::jsonb, 1)
	`, id, name, entityType)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return "", storage.ErrDuplicateEntity
		}
		return "", fmt.Errorf("postgres: failed to create entity: %w", err)
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
		VALUES ($1, $2, $3, $4, $5)
	`, id, noteID, entityID, mentionedText, confidence)
	if err != nil {
		return "", fmt.Errorf("postgres: failed to create mention: %w", err)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Store-level entity operations
// ---------------------------------------------------------------------------

func (s *Store) ops() entityOps {
	return entityOps{q: s.db, trgmAvailable: s.trgmAvailable}
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
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}

	if err := fn(entityOps{q: tx, trgmAvailable: s.trgmAvailable}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("postgres: rollback failed (%v) after: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit transaction: %w", err)
	}
	return nil
}

// GetEntity retrieves a registry entry by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, entity_type, aliases, mention_count,
		       first_seen, last_seen, created_at, updated_at, metadata
		FROM entities
		WHERE id = $1
	`, id)

	return scanEntity(row)
}

// MergeEntities folds the duplicate entity into the primary: mentions are
// repointed, the duplicate's canonical name and aliases become aliases of
// the primary, mention counts are summed, and first_seen/last_seen widen to
// cover both. The duplicate row is deleted. Returns false when either
// entity is missing.
func (s *Store) MergeEntities(ctx context.Context, primaryID, duplicateID string) (bool, error) {
	if primaryID == "" || duplicateID == "" {
		return false, fmt.Errorf("%w: primary and duplicate entity IDs are required", storage.ErrInvalidInput)
	}
	if primaryID == duplicateID {
		return false, fmt.Errorf("%w: cannot merge an entity into itself", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	primary, err := fetchEntityForUpdate(ctx, tx, primaryID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	duplicate, err := fetchEntityForUpdate(ctx, tx, duplicateID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Repoint mentions.
	if _, err := tx.ExecContext(ctx,
		"UPDATE entity_mentions SET entity_id = $1 WHERE entity_id = $2",
		primaryID, duplicateID); err != nil {
		return false, fmt.Errorf("postgres: failed to repoint mentions: %w", err)
	}

	// Fold the duplicate's names into the primary's alias list.
	merged := mergeAliases(primary, duplicate)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to marshal merged aliases: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET aliases = $2::jsonb,
		    mention_count = mention_count + $3,
		    first_seen = LEAST(first_seen, $4),
		    last_seen = GREATEST(last_seen, $5),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, primaryID, string(mergedJSON), duplicate.MentionCount,
		duplicate.FirstSeen, duplicate.LastSeen); err != nil {
		return false, fmt.Errorf("postgres: failed to update primary entity: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entities WHERE id = $1", duplicateID); err != nil {
		return false, fmt.Errorf("postgres: failed to delete duplicate entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("postgres: failed to commit merge: %w", err)
	}
	return true, nil
}

// SearchEntities finds registry entries matching query by name similarity,
// optionally restricted to one type.
func (s *Store) SearchEntities(ctx context.Context, query string, opts storage.EntitySearchOptions) ([]types.EntityMatch, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	var conditions []string
	var args []interface{}

	args = append(args, query)
	if s.trgmAvailable {
		args = append(args, opts.MinScore)
		conditions = append(conditions, fmt.Sprintf("similarity(canonical_name, $1) > $%d", len(args)))
	} else {
		conditions = append(conditions, "canonical_name ILIKE '%' || $1 || '%'")
	}

	if opts.EntityType != "" {
		args = append(args, opts.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}

	scoreExpr := "0.8"
	orderBy := "canonical_name ASC"
	if s.trgmAvailable {
		scoreExpr = "similarity(canonical_name, $1)"
		orderBy = "sim_score DESC, mention_count DESC"
	}

	args = append(args, opts.Limit)
	sqlQuery := fmt.Sprintf(`
		SELECT id, canonical_name, entity_type, aliases, mention_count,
		       first_seen, last_seen, created_at, updated_at, metadata,
		       %s AS sim_score
		FROM entities
		WHERE %s
		ORDER BY %s
		LIMIT $%d
	`, scoreExpr, strings.Join(conditions, " AND "), orderBy, len(args))

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to search entities: %w", err)
	}
	defer rows.Close()

	var matches []types.EntityMatch
	for rows.Next() {
		m, err := scanEntityMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating entity search: %w", err)
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

func scanEntityInto(sc rowScanner, entity *types.Entity, extra ...interface{}) error {
	var aliasesJSON, metadataJSON sql.NullString

	dest := []interface{}{
		&entity.ID, &entity.CanonicalName, &entity.EntityType,
		&aliasesJSON, &entity.MentionCount,
		&entity.FirstSeen, &entity.LastSeen,
		&entity.CreatedAt, &entity.UpdatedAt,
		&metadataJSON,
	}
	dest = append(dest, extra...)

	if err := sc.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("postgres: failed to scan entity: %w", err)
	}

	if aliasesJSON.Valid && aliasesJSON.String != "" {
		if err := json.Unmarshal([]byte(aliasesJSON.String), &entity.Aliases); err != nil {
			return fmt.Errorf("postgres: failed to unmarshal aliases: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entity.Metadata); err != nil {
			return fmt.Errorf("postgres: failed to unmarshal metadata: %w", err)
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

func scanEntityMatch(rows *sql.Rows) (types.EntityMatch, error) {
	var m types.EntityMatch
	if err := scanEntityInto(rows, &m.Entity, &m.Score); err != nil {
		return types.EntityMatch{}, err
	}
	return m, nil
}

// fetchEntityForUpdate reads an entity inside a transaction with a row lock.
func fetchEntityForUpdate(ctx context.Context, tx *sql.Tx, id string) (*types.Entity, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, canonical_name, entity_type, aliases, mention_count,
		       first_seen, last_seen, created_at, updated_at, metadata
		FROM entities
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanEntity(row)
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
