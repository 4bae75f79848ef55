package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

const (
	semanticWeight = 0.7
	lexicalWeight  = 0.3

	// minCosineSimilarity qualifies a note on the semantic arm of the
	// hybrid search.
	minCosineSimilarity = 0.2

	// lexicalOnlySimilarity is the placeholder similarity reported when
	// search runs without embeddings.
	lexicalOnlySimilarity = 0.5

	// semanticSearchMaxCandidates caps the number of embeddings loaded
	// into memory per query. Embeddings are selected newest first. For a
	// personal note corpus (< 10k notes) this limit is never hit; larger
	// datasets should run on PostgreSQL with pgvector.
	semanticSearchMaxCandidates = 10_000
)

// lexicalCandidate is one FTS5 hit before blending.
type lexicalCandidate struct {
	noteID string
	rank   float64
}

// HybridSearch combines FTS5 lexical rank with in-process cosine similarity
// over stored embeddings. A note qualifies when either signal fires. When
// queryEmbedding is empty, results carry a constant placeholder similarity
// and are ordered by lexical rank alone.
func (s *Store) HybridSearch(ctx context.Context, queryText string, queryEmbedding []float32, opts storage.NoteSearchOptions) ([]types.NoteSearchResult, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: search query is required", storage.ErrInvalidInput)
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	// Lexical arm: over-fetch so blending has candidates to work with.
	lexical, err := s.lexicalCandidates(ctx, queryText, opts.Owner, opts.Limit*3)
	if err != nil {
		return nil, err
	}

	textRanks := make(map[string]float64, len(lexical))
	for _, c := range lexical {
		textRanks[c.noteID] = c.rank
	}

	// Semantic arm.
	similarities := make(map[string]float64)
	if len(queryEmbedding) > 0 {
		similarities, err = s.cosineCandidates(ctx, opts.Owner, queryEmbedding, minCosineSimilarity)
		if err != nil {
			return nil, err
		}
	}

	// Union of qualified note IDs.
	ids := make([]string, 0, len(textRanks)+len(similarities))
	seen := make(map[string]bool, len(textRanks)+len(similarities))
	for id := range textRanks {
		seen[id] = true
		ids = append(ids, id)
	}
	for id := range similarities {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	results, err := s.fetchResults(ctx, ids, opts)
	if err != nil {
		return nil, err
	}

	lexicalOnly := len(queryEmbedding) == 0
	for i := range results {
		r := &results[i]
		r.TextRank = textRanks[r.ID]
		if lexicalOnly {
			r.SimilarityScore = lexicalOnlySimilarity
		} else {
			r.SimilarityScore = similarities[r.ID]
		}
		r.RelevanceScore = r.SimilarityScore*semanticWeight + r.TextRank*lexicalWeight
	}

	if lexicalOnly {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].TextRank > results[j].TextRank
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].RelevanceScore > results[j].RelevanceScore
		})
	}

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// SemanticSearch returns notes by pure embedding similarity.
func (s *Store) SemanticSearch(ctx context.Context, owner string, queryEmbedding []float32, limit int, minSimilarity float64) ([]types.NoteSearchResult, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	if len(queryEmbedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}

	similarities, err := s.cosineCandidates(ctx, owner, queryEmbedding, minSimilarity)
	if err != nil {
		return nil, err
	}
	if len(similarities) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(similarities))
	for id := range similarities {
		ids = append(ids, id)
	}

	results, err := s.fetchResults(ctx, ids, storage.NoteSearchOptions{Owner: owner, Limit: len(ids)})
	if err != nil {
		return nil, err
	}

	for i := range results {
		results[i].SimilarityScore = similarities[results[i].ID]
		results[i].RelevanceScore = results[i].SimilarityScore
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FullTextSearch returns notes by FTS5 rank only.
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

	lexical, err := s.lexicalCandidates(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	if len(lexical) == 0 {
		return nil, nil
	}

	ids := make([]string, len(lexical))
	ranks := make(map[string]float64, len(lexical))
	for i, c := range lexical {
		ids[i] = c.noteID
		ranks[c.noteID] = c.rank
	}

	results, err := s.fetchResults(ctx, ids, storage.NoteSearchOptions{Owner: owner, Limit: limit})
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].TextRank = ranks[results[i].ID]
		results[i].RelevanceScore = results[i].TextRank
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].TextRank > results[j].TextRank
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// lexicalCandidates runs the FTS5 MATCH query and converts the bm25-based
// rank into a positive score in (0, 1]. FTS5 rank values are negative
// (more negative == better match).
func (s *Store) lexicalCandidates(ctx context.Context, query, owner string, limit int) ([]lexicalCandidate, error) {
	ftsQuery := sanitiseFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	if limit < 30 {
		limit = 30
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, rank
		FROM notes_fts fts
		JOIN notes n ON n.rowid = fts.rowid
		JOIN users u ON u.id = n.user_id
		WHERE notes_fts MATCH ? AND u.username = ?
		ORDER BY rank
		LIMIT ?
	`, ftsQuery, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: full-text MATCH %q: %w", query, err)
	}
	defer rows.Close()

	var out []lexicalCandidate
	for rows.Next() {
		var c lexicalCandidate
		var rank float64
		if err := rows.Scan(&c.noteID, &rank); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan FTS rank: %w", err)
		}
		c.rank = 1.0 / (1.0 + math.Abs(rank))
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating FTS results: %w", err)
	}
	return out, nil
}

// cosineCandidates loads stored embeddings for the owner's notes and ranks
// them in memory, keeping those at or above minSimilarity. Rows whose
// embedding cannot be read are logged and skipped.
func (s *Store) cosineCandidates(ctx context.Context, owner string, queryEmbedding []float32, minSimilarity float64) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.embedding, n.embedding_dim
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE u.username = ? AND n.embedding IS NOT NULL
		ORDER BY n.created_at DESC
		LIMIT ?
	`, owner, semanticSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load embeddings: %w", err)
	}
	defer rows.Close()

	similarities := make(map[string]float64)
	for rows.Next() {
		var noteID string
		var blob []byte
		var dim int
		if err := rows.Scan(&noteID, &blob, &dim); err != nil {
			log.Printf("sqlite: skipping embedding row: %v", err)
			continue
		}
		embedding, err := deserializeEmbedding(blob, dim)
		if err != nil {
			log.Printf("sqlite: skipping undecodable embedding for note %s: %v", noteID, err)
			continue
		}
		sim := cosineSimilarity(queryEmbedding, embedding)
		if sim >= minSimilarity {
			similarities[noteID] = sim
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating embeddings: %w", err)
	}
	return similarities, nil
}

// fetchResults loads full note rows plus linked entities for the given IDs,
// applying the recency and entity filters.
func (s *Store) fetchResults(ctx context.Context, ids []string, opts storage.NoteSearchOptions) ([]types.NoteSearchResult, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+3)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	conditions := []string{
		fmt.Sprintf("n.id IN (%s)", strings.Join(placeholders, ",")),
	}
	args = append(args, opts.Owner)
	conditions = append(conditions, "u.username = ?")

	if opts.DaysBack > 0 {
		args = append(args, fmt.Sprintf("-%d days", opts.DaysBack))
		conditions = append(conditions, "n.created_at >= datetime('now', ?)")
	}

	if opts.EntityFilter != "" {
		args = append(args, opts.EntityFilter)
		conditions = append(conditions, `EXISTS (
			SELECT 1 FROM entity_mentions em
			JOIN entities e ON e.id = em.entity_id
			WHERE em.note_id = n.id AND e.canonical_name LIKE '%' || ? || '%'
		)`)
	}

	query := `
		SELECT n.id, n.text, n.session_id, n.tags, n.extracted_entities, n.created_at
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE ` + strings.Join(conditions, " AND ")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to fetch search results: %w", err)
	}
	defer rows.Close()

	var results []types.NoteSearchResult
	for rows.Next() {
		var r types.NoteSearchResult
		var sessionID, tagsJSON, extractedJSON sql.NullString

		if err := rows.Scan(&r.ID, &r.Text, &sessionID, &tagsJSON, &extractedJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan search result: %w", err)
		}
		r.Owner = opts.Owner
		if sessionID.Valid {
			r.SessionID = sessionID.String
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &r.Tags); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal tags: %w", err)
			}
		}
		if extractedJSON.Valid && extractedJSON.String != "" {
			if err := json.Unmarshal([]byte(extractedJSON.String), &r.ExtractedEntities); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal extracted entities: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating search results: %w", err)
	}

	for i := range results {
		linked, err := s.linkedEntities(ctx, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].LinkedEntities = linked
	}
	return results, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sanitiseFTSQuery converts a free-form user query into a safe FTS5 MATCH
// expression. It strips FTS5-special characters, removes common stop words,
// and uses prefix matching (term*) for better recall.
//
// Example: "what did we decide about kafka?" → "decide* OR kafka*"
func sanitiseFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
	)
	cleaned := replacer.Replace(query)

	words := strings.Fields(strings.ToLower(cleaned))

	stopWords := map[string]bool{
		"a": true, "an": true, "the": true,
		"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
		"have": true, "has": true, "had": true,
		"do": true, "does": true, "did": true,
		"will": true, "would": true, "could": true, "should": true,
		"may": true, "might": true, "shall": true, "can": true,
		"to": true, "of": true, "in": true, "on": true, "at": true,
		"by": true, "for": true, "with": true, "from": true, "as": true,
		"about": true, "into": true, "through": true, "during": true,
		"what": true, "how": true, "when": true, "where": true, "why": true,
		"who": true, "which": true,
		"this": true, "that": true, "these": true, "those": true,
		"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
		"and": true, "or": true, "but": true, "if": true, "not": true,
		"s": true, "t": true,
	}

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}

	if len(terms) == 0 {
		// All words were stop words. Fall back to the lowercased cleaned
		// text so FTS5 does not interpret uppercase AND/OR/NOT as operators.
		return strings.ToLower(strings.TrimSpace(cleaned))
	}
	return strings.Join(terms, " OR ")
}
