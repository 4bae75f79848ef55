// Package postgres provides the PostgreSQL implementation of the storage
// interfaces, using pgvector for semantic similarity, tsvector for lexical
// rank, and pg_trgm for fuzzy entity-name matching.
package postgres

// Schema contains the base SQL schema. All statements are idempotent
// (IF NOT EXISTS) so the schema can be applied on every startup.
const Schema = `
-- Users table: note ownership is keyed by username.
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Notes table: free-text work notes with the raw extractor snapshot.
-- The embedding and text_search_vector columns are added by migrations
-- below so that the base schema works without the pgvector extension.
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    session_id TEXT,

    -- Tags (JSON array, order-preserving)
    tags JSONB,

    -- Raw extractor output at ingestion time (JSON array)
    extracted_entities JSONB,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

-- Entities table: the canonical registry.
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    canonical_name TEXT NOT NULL,
    entity_type TEXT NOT NULL,

    -- Alternate surface forms (JSON array; never contains canonical_name)
    aliases JSONB,

    mention_count INTEGER NOT NULL DEFAULT 1,

    first_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    metadata JSONB,

    -- Canonical names are unique per type. A create/create race surfaces
    -- as a duplicate-key error and the resolver re-resolves.
    UNIQUE (canonical_name, entity_type)
);

-- Entity mentions: one row per note/entity occurrence.
CREATE TABLE IF NOT EXISTS entity_mentions (
    id TEXT PRIMARY KEY,
    note_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    mentioned_text TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.5,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE,
    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id);
CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at);
CREATE INDEX IF NOT EXISTS idx_notes_session ON notes(session_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(canonical_name);
CREATE INDEX IF NOT EXISTS idx_mentions_note ON entity_mentions(note_id);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON entity_mentions(entity_id);
`

// MigrationFTS adds the tsvector column, backfill, GIN index, and trigger
// that keep lexical search in sync with the note text.
const MigrationFTS = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'notes' AND column_name = 'text_search_vector'
    ) THEN
        ALTER TABLE notes ADD COLUMN text_search_vector tsvector;
    END IF;
END
$$;

UPDATE notes SET text_search_vector = to_tsvector('english', text)
WHERE text_search_vector IS NULL;

CREATE INDEX IF NOT EXISTS idx_notes_tsv ON notes USING GIN(text_search_vector);

CREATE OR REPLACE FUNCTION notes_tsv_update()
RETURNS TRIGGER AS $$
BEGIN
    NEW.text_search_vector := to_tsvector('english', COALESCE(NEW.text, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS notes_tsv_trigger ON notes;
CREATE TRIGGER notes_tsv_trigger
    BEFORE INSERT OR UPDATE OF text
    ON notes
    FOR EACH ROW
    EXECUTE FUNCTION notes_tsv_update();
`

// migrationPgvectorTmpl adds the embedding column and an approximate
// nearest-neighbor index. Applied only when the vector extension is
// available. Takes the embedding dimension as a format argument.
// ivfflat requires at least one row, hence the guard.
const migrationPgvectorTmpl = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'notes' AND column_name = 'embedding'
    ) THEN
        ALTER TABLE notes ADD COLUMN embedding vector(%d);
    END IF;
END
$$;

DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_notes_embedding_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM notes WHERE embedding IS NOT NULL LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_notes_embedding_cosine ON notes USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
