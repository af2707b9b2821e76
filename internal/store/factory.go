package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/isplane/subscriber-sync-server/internal/config"
)

// NewFromConfig creates the Store implementation selected by the
// configuration: Postgres when a database block is present, otherwise
// the in-memory store.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.Database == nil {
		slog.Info("No database configured, using in-memory record store")
		return NewMemoryStore(), nil
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build database connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Connected to database",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database)

	return NewPostgresStore(pool), nil
}
