package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the alternative backend for deployments that already run a
// shared database, selected when a database URL is configured.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
			id text PRIMARY KEY,
			content bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Load(ctx context.Context, docID string) ([]byte, error) {
	var content []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT content FROM documents WHERE id = $1`, docID,
	).Scan(&content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return content, nil
}

func (s *Postgres) Save(ctx context.Context, docID string, snapshot []byte) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, content) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = now()
			WHERE documents.content != excluded.content`,
		docID, snapshot,
	); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
