package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// Ensure *Store implements the full storage contract at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using SQLite.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// NewStore opens a SQLite database, configures WAL mode, and creates the
// schema. The dsn is a file path or "file:..." URI (":memory:" works for
// tests).
func NewStore(dsn string, embeddingDim int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode lets readers proceed without blocking the
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Wait instead of returning SQLITE_BUSY when the connection is held by
	// another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db, embeddingDim: embeddingDim}, nil
}

// GetDB returns the underlying database connection.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// VectorAvailable reports whether indexed semantic search is operational.
// SQLite ranks embeddings in Go, so this is always false; search callers use
// it to decide whether to report degraded mode.
func (s *Store) VectorAvailable() bool {
	return false
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health reports backend status for the health endpoint.
func (s *Store) Health(ctx context.Context) map[string]string {
	status := map[string]string{
		"backend":        "sqlite",
		"database":       "ok",
		"vector_search":  "in-process",
		"fuzzy_matching": "degraded",
	}
	if err := s.db.PingContext(ctx); err != nil {
		status["database"] = "unreachable"
	}
	return status
}

// EnsureUser looks up a user by username, creating the row on first use.
func (s *Store) EnsureUser(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("%w: username is required", storage.ErrInvalidInput)
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("sqlite: failed to look up user: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username) VALUES (?, ?) ON CONFLICT(username) DO NOTHING",
		id, username); err != nil {
		return "", fmt.Errorf("sqlite: failed to create user: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = ?", username).Scan(&id); err != nil {
		return "", fmt.Errorf("sqlite: failed to read back user: %w", err)
	}
	return id, nil
}

// StoreNote persists a note and returns its generated ID.
func (s *Store) StoreNote(ctx context.Context, note *types.Note) (string, error) {
	if note == nil {
		return "", storage.ErrInvalidInput
	}
	if note.Text == "" {
		return "", fmt.Errorf("%w: note text is required", storage.ErrInvalidInput)
	}
	if note.Owner == "" {
		return "", fmt.Errorf("%w: note owner is required", storage.ErrInvalidInput)
	}
	if len(note.Embedding) > 0 && s.embeddingDim > 0 && len(note.Embedding) != s.embeddingDim {
		return "", fmt.Errorf("%w: embedding has %d dimensions, expected %d",
			storage.ErrInvalidInput, len(note.Embedding), s.embeddingDim)
	}

	userID, err := s.EnsureUser(ctx, note.Owner)
	if err != nil {
		return "", err
	}

	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}

	var tagsJSON, extractedJSON []byte
	if len(note.Tags) > 0 {
		tagsJSON, err = json.Marshal(note.Tags)
		if err != nil {
			return "", fmt.Errorf("sqlite: failed to marshal tags: %w", err)
		}
	}
	if len(note.ExtractedEntities) > 0 {
		extractedJSON, err = json.Marshal(note.ExtractedEntities)
		if err != nil {
			return "", fmt.Errorf("sqlite: failed to marshal extracted entities: %w", err)
		}
	}

	var embeddingBlob []byte
	var embeddingDim interface{}
	if len(note.Embedding) > 0 {
		embeddingBlob = serializeEmbedding(note.Embedding)
		embeddingDim = len(note.Embedding)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (id, user_id, text, session_id, tags, extracted_entities, embedding, embedding_dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, note.ID, userID, note.Text,
		nullableString(note.SessionID),
		nullableBytes(tagsJSON),
		nullableBytes(extractedJSON),
		embeddingBlob, embeddingDim,
		note.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to store note: %w", err)
	}
	return note.ID, nil
}

// GetNote retrieves a note by ID, scoped to its owner, along with the
// entities linked to it via mentions.
func (s *Store) GetNote(ctx context.Context, id, owner string) (*types.Note, []types.LinkedEntity, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%w: note ID is required", storage.ErrInvalidInput)
	}
	if owner == "" {
		return nil, nil, fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}

	var note types.Note
	var sessionID, tagsJSON, extractedJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.text, n.session_id, n.tags, n.extracted_entities, n.created_at
		FROM notes n
		JOIN users u ON u.id = n.user_id
		WHERE n.id = ? AND u.username = ?
	`, id, owner).Scan(
		&note.ID, &note.Text, &sessionID, &tagsJSON, &extractedJSON, &note.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: failed to get note: %w", err)
	}

	note.Owner = owner
	if sessionID.Valid {
		note.SessionID = sessionID.String
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &note.Tags); err != nil {
			return nil, nil, fmt.Errorf("sqlite: failed to unmarshal tags: %w", err)
		}
	}
	if extractedJSON.Valid && extractedJSON.String != "" {
		if err := json.Unmarshal([]byte(extractedJSON.String), &note.ExtractedEntities); err != nil {
			return nil, nil, fmt.Errorf("sqlite: failed to unmarshal extracted entities: %w", err)
		}
	}

	linked, err := s.linkedEntities(ctx, note.ID)
	if err != nil {
		return nil, nil, err
	}
	return &note, linked, nil
}

// DeleteNote removes a note and, via FK cascade, its entity mentions.
func (s *Store) DeleteNote(ctx context.Context, id, owner string) error {
	if id == "" {
		return fmt.Errorf("%w: note ID is required", storage.ErrInvalidInput)
	}
	if owner == "" {
		return fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notes
		WHERE id = ? AND user_id = (SELECT id FROM users WHERE username = ?)
	`, id, owner)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete note: %w", err)
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

// linkedEntities returns the resolved entities mentioned by a note,
// ordered by descending mention confidence.
func (s *Store) linkedEntities(ctx context.Context, noteID string) ([]types.LinkedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.canonical_name, e.entity_type, em.confidence
		FROM entity_mentions em
		JOIN entities e ON e.id = em.entity_id
		WHERE em.note_id = ?
		ORDER BY em.confidence DESC, e.canonical_name ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get linked entities: %w", err)
	}
	defer rows.Close()

	var linked []types.LinkedEntity
	for rows.Next() {
		var le types.LinkedEntity
		if err := rows.Scan(&le.Name, &le.Type, &le.Confidence); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan linked entity: %w", err)
		}
		linked = append(linked, le)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating linked entities: %w", err)
	}
	return linked, nil
}

// serializeEmbedding converts a float32 slice to little-endian bytes.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding converts little-endian bytes back to a float32 slice.
// dim validates the buffer size.
func deserializeEmbedding(buf []byte, dim int) ([]float32, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dim)
	}
	if len(buf) != dim*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dim*4, len(buf))
	}
	embedding := make([]float32, dim)
	for i := 0; i < dim; i++ {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding, nil
}

// nullableString converts a string to sql.NullString (NULL when empty).
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableBytes converts a byte slice to sql.NullString (NULL when empty).
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}
