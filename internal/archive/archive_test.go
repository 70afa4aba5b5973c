package archive_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/internal/archive"
	"github.com/parley-ai/parley/internal/observe"
	embmock "github.com/parley-ai/parley/pkg/provider/embeddings/mock"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLEY_TEST_DATABASE_URL is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PARLEY_TEST_DATABASE_URL not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestArchive opens a fresh [archive.Archive] on a clean schema. A nil
// embedder opens the archive without semantic search.
func newTestArchive(t *testing.T, embedder *embmock.Provider) *archive.Archive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	cfg := archive.Config{
		DSN:    dsn,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	if embedder != nil {
		cfg.Embedder = embedder
	}
	arc, err := archive.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(arc.Close)
	return arc
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes the archive tables in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS voice_turns CASCADE",
		"DROP TABLE IF EXISTS voice_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// keywordEmbedder maps a handful of topic words onto orthogonal unit vectors
// so cosine distance ranks turns about the same topic closest.
func keywordEmbedder() *embmock.Provider {
	axes := map[string]int{"weather": 0, "billing": 1, "shipping": 2}
	return &embmock.Provider{
		DimensionsValue: testEmbeddingDim,
		EmbedFunc: func(_ context.Context, text string, _ int) ([]float32, error) {
			vec := make([]float32, testEmbeddingDim)
			lower := strings.ToLower(text)
			matched := false
			for word, axis := range axes {
				if strings.Contains(lower, word) {
					vec[axis] = 1
					matched = true
				}
			}
			if !matched {
				vec[testEmbeddingDim-1] = 1
			}
			return vec, nil
		},
	}
}

func TestRecordAndRecentTurns(t *testing.T) {
	arc := newTestArchive(t, nil)
	ctx := context.Background()

	turns := []archive.Turn{
		{SessionID: "sess-1", Mode: "simple", Transcript: "what's the weather", Reply: "Sunny all day.", Duration: 900 * time.Millisecond},
		{SessionID: "sess-1", Mode: "simple", Transcript: "and tomorrow", Reply: "Rain in the afternoon.", ToolCalls: 1, Duration: 1200 * time.Millisecond},
		{SessionID: "sess-2", Mode: "playbook", Transcript: "I have a billing question", Reply: "Happy to help."},
	}
	for i, turn := range turns {
		if err := arc.RecordTurn(ctx, turn); err != nil {
			t.Fatalf("RecordTurn[%d]: %v", i, err)
		}
	}

	recent, err := arc.RecentTurns(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentTurns: want 2, got %d", len(recent))
	}
	// Most recent first.
	if recent[0].Transcript != "and tomorrow" {
		t.Errorf("newest transcript: want %q, got %q", "and tomorrow", recent[0].Transcript)
	}
	if recent[0].ToolCalls != 1 {
		t.Errorf("ToolCalls: want 1, got %d", recent[0].ToolCalls)
	}
	if recent[0].Duration != 1200*time.Millisecond {
		t.Errorf("Duration: want 1.2s, got %v", recent[0].Duration)
	}
	if recent[1].Reply != "Sunny all day." {
		t.Errorf("older reply: want %q, got %q", "Sunny all day.", recent[1].Reply)
	}

	// Limit caps the result.
	capped, err := arc.RecentTurns(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("RecentTurns limit: %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("RecentTurns limit: want 1, got %d", len(capped))
	}

	// Unknown session returns an empty slice, not nil.
	other, err := arc.RecentTurns(ctx, "no-such-session", 10)
	if err != nil {
		t.Fatalf("RecentTurns other: %v", err)
	}
	if other == nil || len(other) != 0 {
		t.Errorf("RecentTurns other: want empty slice, got %v", other)
	}
}

func TestSearchTranscripts(t *testing.T) {
	embedder := keywordEmbedder()
	arc := newTestArchive(t, embedder)
	ctx := context.Background()

	for i, turn := range []archive.Turn{
		{SessionID: "s1", Transcript: "what's the weather in Berlin", Reply: "Sunny, 24 degrees."},
		{SessionID: "s1", Transcript: "I was double charged on my billing statement", Reply: "Let me look that up."},
		{SessionID: "s2", Transcript: "where is my shipping order", Reply: "It arrives Tuesday."},
	} {
		if err := arc.RecordTurn(ctx, turn); err != nil {
			t.Fatalf("RecordTurn[%d]: %v", i, err)
		}
	}

	// A turn whose embedding failed is stored but not searchable.
	embedder.EmbedFunc = func(context.Context, string, int) ([]float32, error) {
		return nil, errors.New("embedding backend down")
	}
	if err := arc.RecordTurn(ctx, archive.Turn{SessionID: "s2", Transcript: "unembedded weather question"}); err != nil {
		t.Fatalf("RecordTurn unembedded: %v", err)
	}
	embedder.EmbedFunc = keywordEmbedder().EmbedFunc

	results, err := arc.SearchTranscripts(ctx, "billing", 2)
	if err != nil {
		t.Fatalf("SearchTranscripts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("SearchTranscripts: want 2, got %d", len(results))
	}
	if !strings.Contains(results[0].Turn.Transcript, "billing") {
		t.Errorf("closest turn: want the billing one, got %q (distance %.4f)",
			results[0].Turn.Transcript, results[0].Distance)
	}
	if results[0].Distance >= results[1].Distance {
		t.Errorf("distances not ascending: %.4f then %.4f", results[0].Distance, results[1].Distance)
	}

	// The embed-failure row never matches, even for its own topic.
	weather, err := arc.SearchTranscripts(ctx, "weather", 10)
	if err != nil {
		t.Fatalf("SearchTranscripts weather: %v", err)
	}
	for _, r := range weather {
		if r.Turn.Transcript == "unembedded weather question" {
			t.Error("turn without embedding showed up in search results")
		}
	}
}

func TestSearchWithoutEmbedder(t *testing.T) {
	arc := newTestArchive(t, nil)

	_, err := arc.SearchTranscripts(context.Background(), "anything", 5)
	if !errors.Is(err, archive.ErrNoEmbedder) {
		t.Fatalf("want ErrNoEmbedder, got %v", err)
	}
}

func TestAttachRecordsCompletedTurn(t *testing.T) {
	arc := newTestArchive(t, nil)
	fabric := observe.NewFabric(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	arc.Attach(fabric)

	fabric.TurnStart(observe.TurnStartInfo{SessionID: "hook-sess", Mode: "playbook"})
	fabric.Transcript(observe.TranscriptInfo{SessionID: "hook-sess", Text: "book me a", Final: false})
	fabric.Transcript(observe.TranscriptInfo{SessionID: "hook-sess", Text: "book me a table for two", Final: true})
	fabric.ToolCall(observe.ToolCallInfo{SessionID: "hook-sess", Tool: "reserve_table", CallID: "call-1"})
	fabric.LLMComplete(observe.LLMCompleteInfo{SessionID: "hook-sess", Text: "Done, table for two at seven."})
	fabric.TurnEnd(observe.TurnEndInfo{SessionID: "hook-sess", Mode: "playbook", Duration: 3 * time.Second})

	turn, err := waitForTurn(arc, "hook-sess")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Transcript != "book me a table for two" {
		t.Errorf("Transcript: want final text, got %q", turn.Transcript)
	}
	if turn.Reply != "Done, table for two at seven." {
		t.Errorf("Reply: got %q", turn.Reply)
	}
	if turn.ToolCalls != 1 {
		t.Errorf("ToolCalls: want 1, got %d", turn.ToolCalls)
	}
	if turn.Duration != 3*time.Second {
		t.Errorf("Duration: want 3s, got %v", turn.Duration)
	}
}

func TestAttachSkipsTurnWithoutTranscript(t *testing.T) {
	arc := newTestArchive(t, nil)
	fabric := observe.NewFabric(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	arc.Attach(fabric)

	// A turn that never produced a final transcript leaves no row.
	fabric.TurnStart(observe.TurnStartInfo{SessionID: "silent-sess", Mode: "simple"})
	fabric.Transcript(observe.TranscriptInfo{SessionID: "silent-sess", Text: "half a wo", Final: false})
	fabric.TurnEnd(observe.TurnEndInfo{SessionID: "silent-sess", Mode: "simple", Err: context.Canceled})

	// A second, complete turn proves the background writer has caught up.
	fabric.TurnStart(observe.TurnStartInfo{SessionID: "silent-sess", Mode: "simple"})
	fabric.Transcript(observe.TranscriptInfo{SessionID: "silent-sess", Text: "hello there", Final: true})
	fabric.TurnEnd(observe.TurnEndInfo{SessionID: "silent-sess", Mode: "simple", Duration: time.Second})

	turn, err := waitForTurn(arc, "silent-sess")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Transcript != "hello there" {
		t.Errorf("Transcript: want %q, got %q", "hello there", turn.Transcript)
	}
	turns, err := arc.RecentTurns(context.Background(), "silent-sess", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Errorf("want exactly 1 archived turn, got %d", len(turns))
	}
}

// waitForTurn polls RecentTurns until the background hook write lands.
func waitForTurn(arc *archive.Archive, sessionID string) (archive.ArchivedTurn, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		turns, err := arc.RecentTurns(context.Background(), sessionID, 1)
		if err != nil {
			return archive.ArchivedTurn{}, fmt.Errorf("RecentTurns: %w", err)
		}
		if len(turns) > 0 {
			return turns[0], nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return archive.ArchivedTurn{}, fmt.Errorf("no turn archived for session %s within 5s", sessionID)
}
