package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// Ensure *Store implements storage.SearchProvider at compile time.
var _ storage.SearchProvider = (*Store)(nil)

const (
	// semanticWeight and lexicalWeight blend the two signals into the
	// final relevance score.
	semanticWeight = 0.7
	lexicalWeight  = 0.3

	// maxCosineDistance qualifies a note on the semantic arm of the
	// hybrid query (distance below this, i.e. similarity above 0.2).
	maxCosineDistance = 0.8

	// lexicalOnlySimilarity is the placeholder similarity reported when
	// search runs without embeddings.
	lexicalOnlySimilarity = 0.5
)

// HybridSearch combines cosine similarity over note embeddings with
// tsvector rank over note text. A note qualifies when either signal fires:
// cosine distance below maxCosineDistance, or a full-text match. Results
// are ordered by the blended relevance score.
//
// When queryEmbedding is empty or pgvector is unavailable, the search
// degrades to lexical-only mode: ts_rank ordering with a constant
// similarity of lexicalOnlySimilarity.
func (s *Store) HybridSearch(ctx context.Context, queryText string, queryEmbedding []float32, opts storage.NoteSearchOptions) ([]types.NoteSearchResult, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	if len(queryEmbedding) == 0 || !s.vectorAvailable {
		return s.lexicalSearch(ctx, queryText, opts)
	}

	var conditions []string
	var args []interface{}

	args = append(args, queryText)
	textMatch := "n.text_search_vector @@ plainto_tsquery('english', $1)"

	args = append(args, pgvector.NewVector(queryEmbedding))
	vecParam := len(args)

	args = append(args, opts.Owner)
	conditions = append(conditions, fmt.Sprintf("u.username = $%d", len(args)))

	conditions = append(conditions, fmt.Sprintf(
		"(n.embedding IS NOT NULL AND (n.embedding <=> $%d) < %v OR %s)",
		vecParam, maxCosineDistance, textMatch))

	if opts.DaysBack > 0 {
		args = append(args, opts.DaysBack)
		conditions = append(conditions, fmt.Sprintf("n.created_at >= NOW() - ($%d * INTERVAL '1 day')", len(args)))
	}

	if opts.EntityFilter != "" {
		args = append(args, opts.EntityFilter)
		conditions = append(conditions, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM entity_mentions em
			JOIN entities e ON e.id = em.entity_id
			WHERE em.note_id = n.id AND e.canonical_name ILIKE '%%' || $%d || '%%'
		)`, len(args)))
	}

	args = append(args, opts.Limit)
	query := fmt.Sprintf(`
		SELECT n.id, n.text, n.session_id, n.tags, n.extracted_entities, n.created_at,
		       COALESCE(1 - (n.embedding <=> $%d), 0) AS similarity_score,
		       ts_rank(n.text_search_vector, plainto_tsquery('english', $1)) AS text_rank,
		       %s
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE %s
		ORDER BY COALESCE(1 - (n.embedding <=> $%d), 0) * %v
		       + ts_rank(n.text_search_vector, plainto_tsquery('english', $1)) * %v DESC
		LIMIT $%d
	`, vecParam, linkedEntitiesSubquery, strings.Join(conditions, " AND "),
		vecParam, semanticWeight, lexicalWeight, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: hybrid search failed: %w", err)
	}
	defer rows.Close()

	results, err := scanSearchResults(rows, opts.Owner)
	if err != nil {
		return nil, err
	}

	// Recompute the blended score so callers see exactly the numbers the
	// ordering used.
	for i := range results {
		results[i].RelevanceScore = results[i].SimilarityScore*semanticWeight +
			results[i].TextRank*lexicalWeight
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})

	return results, nil
}

// lexicalSearch is the degraded hybrid path: full-text rank only, with a
// constant similarity placeholder.
func (s *Store) lexicalSearch(ctx context.Context, queryText string, opts storage.NoteSearchOptions) ([]types.NoteSearchResult, error) {
	var conditions []string
	var args []interface{}

	args = append(args, queryText)
	conditions = append(conditions, "n.text_search_vector @@ plainto_tsquery('english', $1)")

	args = append(args, opts.Owner)
	conditions = append(conditions, fmt.Sprintf("u.username = $%d", len(args)))

	if opts.DaysBack > 0 {
		args = append(args, opts.DaysBack)
		conditions = append(conditions, fmt.Sprintf("n.created_at >= NOW() - ($%d * INTERVAL '1 day')", len(args)))
	}

	if opts.EntityFilter != "" {
		args = append(args, opts.EntityFilter)
		conditions = append(conditions, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM entity_mentions em
			JOIN entities e ON e.id = em.entity_id
			WHERE em.note_id = n.id AND e.canonical_name ILIKE '%%' || $%d || '%%'
		)`, len(args)))
	}

	args = append(args, opts.Limit)
	query := fmt.Sprintf(`
		SELECT n.id, n.text, n.session_id, n.tags, n.extracted_entities, n.created_at,
		       %v AS similarity_score,
		       ts_rank(n.text_search_vector, plainto_tsquery('english', $1)) AS text_rank,
		       %s
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE %s
		ORDER BY text_rank DESC
		LIMIT $%d
	`, lexicalOnlySimilarity, linkedEntitiesSubquery,
		strings.Join(conditions, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search failed: %w", err)
	}
	defer rows.Close()

	results, err := scanSearchResults(rows, opts.Owner)
	if err != nil {
		return nil, err
	}

	for i := range results {
		results[i].RelevanceScore = results[i].SimilarityScore*semanticWeight +
			results[i].TextRank*lexicalWeight
	}
	return results, nil
}

// SemanticSearch returns notes by pure embedding similarity, filtered to a
// minimum similarity score.
func (s *Store) SemanticSearch(ctx context.Context, owner string, queryEmbedding []float32, limit int, minSimilarity float64) ([]types.NoteSearchResult, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", storage.ErrInvalidInput)
	}
	if !s.vectorAvailable {
		return nil, fmt.Errorf("postgres: semantic search unavailable: %w", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT n.id, n.text, n.session_id, n.tags, n.extracted_entities, n.created_at,
		       1 - (n.embedding <=> $2) AS similarity_score,
		       0 AS text_rank,
		       ` + linkedEntitiesSubquery + `
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE u.username = $1
		  AND n.embedding IS NOT NULL
		  AND 1 - (n.embedding <=> $2) >= $3
		ORDER BY similarity_score DESC
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, query, owner,
		pgvector.NewVector(queryEmbedding), minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic search failed: %w", err)
	}
	defer rows.Close()

	results, err := scanSearchResults(rows, owner)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].RelevanceScore = results[i].SimilarityScore
	}
	return results, nil
}

// FullTextSearch returns notes by tsvector rank only.
func (s *Store) FullTextSearch(ctx context.Context, owner, query string, limit int) ([]types.NoteSearchResult, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	querySQL := `
		SELECT n.id, n.text, n.session_id, n.tags, n.extracted_entities, n.created_at,
		       0 AS similarity_score,
		       ts_rank(n.text_search_vector, plainto_tsquery('english', $1)) AS text_rank,
		       ` + linkedEntitiesSubquery + `
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE u.username = $2
		  AND n.text_search_vector @@ plainto_tsquery('english', $1)
		ORDER BY text_rank DESC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, querySQL, query, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: full-text search failed: %w", err)
	}
	defer rows.Close()

	results, err := scanSearchResults(rows, owner)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].RelevanceScore = results[i].TextRank
	}
	return results, nil
}

// linkedEntitiesSubquery aggregates the entities mentioned by a note into a
// JSON array. Must be selected as the last column; scanSearchResults
// unmarshals it.
const linkedEntitiesSubquery = `(
	SELECT COALESCE(json_agg(json_build_object(
		'name', e.canonical_name,
		'type', e.entity_type,
		'confidence', em.confidence
	)), '[]'::json)
	FROM entity_mentions em
	JOIN entities e ON e.id = em.entity_id
	WHERE em.note_id = n.id
) AS linked_entities`

// scanSearchResults reads rows produced by the search queries. The SELECT
// column order is fixed: id, text, session_id, tags, extracted_entities,
// created_at, similarity_score, text_rank, linked_entities.
func scanSearchResults(rows *sql.Rows, owner string) ([]types.NoteSearchResult, error) {
	var results []types.NoteSearchResult

	for rows.Next() {
		var r types.NoteSearchResult
		var sessionID, tagsJSON, extractedJSON sql.NullString
		var linkedJSON string

		if err := rows.Scan(
			&r.ID, &r.Text, &sessionID, &tagsJSON, &extractedJSON, &r.CreatedAt,
			&r.SimilarityScore, &r.TextRank, &linkedJSON,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan search result: %w", err)
		}

		r.Owner = owner
		if sessionID.Valid {
			r.SessionID = sessionID.String
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &r.Tags); err != nil {
				return nil, fmt.Errorf("postgres: failed to unmarshal tags: %w", err)
			}
		}
		if extractedJSON.Valid && extractedJSON.String != "" {
			if err := json.Unmarshal([]byte(extractedJSON.String), &r.ExtractedEntities); err != nil {
				return nil, fmt.Errorf("postgres: failed to unmarshal extracted entities: %w", err)
			}
		}
		if linkedJSON != "" {
			if err := json.Unmarshal([]byte(linkedJSON), &r.LinkedEntities); err != nil {
				return nil, fmt.Errorf("postgres: failed to unmarshal linked entities: %w", err)
			}
		}

		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating search results: %w", err)
	}
	return results, nil
}
