package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
	id           TEXT PRIMARY KEY,
	mode         TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_turn_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	turn_count   INTEGER NOT NULL DEFAULT 0
);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS voice_turns (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES voice_sessions(id) ON DELETE CASCADE,
	transcript  TEXT NOT NULL,
	reply       TEXT NOT NULL DEFAULT '',
	tool_calls  INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS voice_turns_session_idx
	ON voice_turns (session_id, created_at DESC);
`

// ddlEmbedding adds the vector column and its index. The extension and
// column are created unconditionally so an embeddings provider can be
// enabled later without migrating existing rows by hand; rows written
// without one simply carry a NULL embedding.
func ddlEmbedding(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

ALTER TABLE voice_turns
	ADD COLUMN IF NOT EXISTS embedding vector(%d);

CREATE INDEX IF NOT EXISTS voice_turns_embedding_idx
	ON voice_turns USING hnsw (embedding vector_cosine_ops);
`, dim)
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	for _, ddl := range []string{ddlSessions, ddlTurns, ddlEmbedding(dim)} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}
