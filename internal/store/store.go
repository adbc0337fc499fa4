// Package store persists matches, timers and player claims in Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the repository over the games, game_timers and players tables.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	port            INTEGER NOT NULL,
	settings        JSONB NOT NULL DEFAULT '{}',
	game_type       TEXT NOT NULL DEFAULT 'STANDARD',
	chess_clock     JSONB NOT NULL DEFAULT '{}',
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	running         BOOLEAN NOT NULL DEFAULT FALSE,
	started         BOOLEAN NOT NULL DEFAULT FALSE,
	start_attempted BOOLEAN NOT NULL DEFAULT FALSE,
	process_pid     INTEGER,
	owner           TEXT NOT NULL DEFAULT '',
	channel_id      TEXT NOT NULL DEFAULT '',
	role_id         TEXT NOT NULL DEFAULT '',
	winner          TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS game_timers (
	game_id           BIGINT PRIMARY KEY REFERENCES games(id),
	default_seconds   INTEGER NOT NULL,
	remaining_seconds INTEGER NOT NULL CHECK (remaining_seconds >= 0),
	running           BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS players (
	game_id               BIGINT NOT NULL REFERENCES games(id),
	player_id             TEXT NOT NULL,
	nation                TEXT NOT NULL,
	extensions_used       INTEGER NOT NULL DEFAULT 0,
	chess_clock_remaining INTEGER NOT NULL DEFAULT 0 CHECK (chess_clock_remaining >= 0),
	currently_claimed     BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (game_id, player_id, nation)
);
`

// Bootstrap creates the tables when they do not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
