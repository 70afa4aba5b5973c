package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// Turn is one finished exchange to archive.
type Turn struct {
	SessionID  string
	Mode       string
	Transcript string
	Reply      string
	ToolCalls  int
	Duration   time.Duration
}

// ArchivedTurn is a stored turn as read back from the database.
type ArchivedTurn struct {
	ID         int64
	SessionID  string
	Transcript string
	Reply      string
	ToolCalls  int
	Duration   time.Duration
	CreatedAt  time.Time
}

// TurnResult pairs an archived turn with its cosine distance to the query.
// Lower is closer.
type TurnResult struct {
	Turn     ArchivedTurn
	Distance float64
}

// RecordTurn stores one finished turn, upserting its session row and
// bumping the session's turn count. When an embeddings provider is
// configured the transcript and reply are embedded for semantic search; an
// embedding failure is logged and the turn is kept without one.
func (a *Archive) RecordTurn(ctx context.Context, t Turn) error {
	if t.SessionID == "" {
		return fmt.Errorf("archive: record turn: session id is required")
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO voice_sessions (id, mode, last_turn_at, turn_count)
		VALUES ($1, $2, now(), 1)
		ON CONFLICT (id) DO UPDATE SET
			last_turn_at = now(),
			turn_count   = voice_sessions.turn_count + 1`,
		t.SessionID, t.Mode)
	if err != nil {
		return fmt.Errorf("archive: upsert session: %w", err)
	}

	var embedding any
	if a.embedder != nil {
		vec, err := a.embedder.Embed(ctx, embedText(t))
		if err != nil {
			a.log.Warn("turn embedding failed, archiving without one",
				"session_id", t.SessionID, "error", err)
		} else {
			embedding = pgvector.NewVector(vec)
		}
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO voice_turns (session_id, transcript, reply, tool_calls, duration_ms, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.SessionID, t.Transcript, t.Reply, t.ToolCalls, t.Duration.Milliseconds(), embedding)
	if err != nil {
		return fmt.Errorf("archive: insert turn: %w", err)
	}
	return nil
}

// SearchTranscripts embeds the query and returns the closest archived turns
// by cosine distance. Turns stored without an embedding are not searchable.
// Returns ErrNoEmbedder when the archive has no embeddings provider.
func (a *Archive) SearchTranscripts(ctx context.Context, query string, limit int) ([]TurnResult, error) {
	if a.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: embed query: %w", err)
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, session_id, transcript, reply, tool_calls, duration_ms, created_at,
		       embedding <=> $1 AS distance
		FROM voice_turns
		WHERE embedding IS NOT NULL
		ORDER BY distance
		LIMIT $2`,
		pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search turns: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnResult, error) {
		var (
			r          TurnResult
			durationMS int64
		)
		err := row.Scan(&r.Turn.ID, &r.Turn.SessionID, &r.Turn.Transcript,
			&r.Turn.Reply, &r.Turn.ToolCalls, &durationMS, &r.Turn.CreatedAt,
			&r.Distance)
		r.Turn.Duration = time.Duration(durationMS) * time.Millisecond
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: collect search results: %w", err)
	}
	if results == nil {
		results = []TurnResult{}
	}
	return results, nil
}

// RecentTurns returns the newest archived turns for a session, most recent
// first.
func (a *Archive) RecentTurns(ctx context.Context, sessionID string, limit int) ([]ArchivedTurn, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, session_id, transcript, reply, tool_calls, duration_ms, created_at
		FROM voice_turns
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ArchivedTurn, error) {
		var (
			t          ArchivedTurn
			durationMS int64
		)
		err := row.Scan(&t.ID, &t.SessionID, &t.Transcript, &t.Reply,
			&t.ToolCalls, &durationMS, &t.CreatedAt)
		t.Duration = time.Duration(durationMS) * time.Millisecond
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: collect turns: %w", err)
	}
	if turns == nil {
		turns = []ArchivedTurn{}
	}
	return turns, nil
}

// embedText is what gets embedded for a turn: the user's words, plus the
// assistant's reply when there is one, so searches match either side of the
// exchange.
func embedText(t Turn) string {
	if t.Reply == "" {
		return t.Transcript
	}
	return t.Transcript + "\n" + t.Reply
}
