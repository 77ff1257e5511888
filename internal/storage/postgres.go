package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed store for deployments. Queries go through
// a pgxpool (PgBouncer-compatible); every write is a single-statement,
// per-row update keyed by run id (+ step id where applicable), so no
// cross-entity transactions are needed.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store with a connection pool and pings it.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *Postgres) Pool() *pgxpool.Pool {
	return db.pool
}

// Close releases the connection pool.
func (db *Postgres) Close() {
	db.pool.Close()
}
