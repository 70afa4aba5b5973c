// Package archive persists finished voice turns to PostgreSQL and, when an
// embeddings provider is configured, indexes them for semantic search over
// past conversations.
//
// The archive is strictly off the hot path: it subscribes to the observation
// fabric and writes each finished turn in the background with a short
// timeout, so a slow or absent database never delays or fails a turn.
//
// Usage:
//
//	arc, err := archive.Open(ctx, archive.Config{DSN: dsn, Embedder: emb})
//	if err != nil { … }
//	defer arc.Close()
//	arc.Attach(fabric)
//
//	hits, _ := arc.SearchTranscripts(ctx, "the billing question", 5)
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parley-ai/parley/pkg/provider/embeddings"
)

const (
	// DefaultDimensions sizes the vector column when no embeddings
	// provider is configured yet, so one can be added later without a
	// schema change. Matches OpenAI text-embedding-3-small.
	DefaultDimensions = 1536

	// DefaultRecordTimeout bounds each background turn write.
	DefaultRecordTimeout = 5 * time.Second

	// DefaultSearchLimit is used when SearchTranscripts gets limit <= 0.
	DefaultSearchLimit = 8
)

// ErrNoEmbedder is returned by SearchTranscripts when the archive was opened
// without an embeddings provider.
var ErrNoEmbedder = errors.New("archive: no embeddings provider configured")

// Config assembles an [Archive].
type Config struct {
	// DSN is the PostgreSQL connection string. Required.
	DSN string

	// Embedder, when set, embeds each archived turn and sizes the vector
	// column from its Dimensions. Without it turns are stored unembedded
	// and SearchTranscripts is unavailable.
	Embedder embeddings.Provider

	// Dimensions sizes the vector column when Embedder is nil. Defaults
	// to DefaultDimensions.
	Dimensions int

	// RecordTimeout bounds each background turn write. Defaults to
	// DefaultRecordTimeout.
	RecordTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Archive is a PostgreSQL-backed store of finished turns. All methods are
// safe for concurrent use.
type Archive struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	timeout  time.Duration
	log      *slog.Logger

	draftMu sync.Mutex
	drafts  map[string]*turnDraft
}

// Open connects to the database at cfg.DSN, registers pgvector types on
// every connection, and runs the idempotent migrations.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, errors.New("archive: dsn is required")
	}
	dim := cfg.Dimensions
	if cfg.Embedder != nil {
		dim = cfg.Embedder.Dimensions()
		if dim <= 0 {
			return nil, fmt.Errorf("archive: embeddings provider %q reports no dimensions", cfg.Embedder.ModelID())
		}
	}
	if dim <= 0 {
		dim = DefaultDimensions
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := migrate(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("turn archive ready",
		"embedding_dimensions", dim,
		"semantic_search", cfg.Embedder != nil)

	return &Archive{
		pool:     pool,
		embedder: cfg.Embedder,
		timeout:  cfg.RecordTimeout,
		log:      log,
		drafts:   make(map[string]*turnDraft),
	}, nil
}

// Ping reports whether the database is reachable. Used by the readiness
// endpoint.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}
