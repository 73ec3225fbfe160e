package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trunkline-ai/trunkline/internal/tools"
)

// Compile-time interface check: the store backs the query_database tool.
var _ tools.ContactSearcher = (*Store)(nil)

// Store is the PostgreSQL-backed persistence layer. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
//
// Every write made during a live call (call records, transcripts) is
// best-effort from the caller's point of view: the orchestrator logs and
// continues on error rather than ending the conversation.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool. Typically
// deferred right after [NewStore].
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
