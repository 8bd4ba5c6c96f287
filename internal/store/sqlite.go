package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores one row per document with the snapshot base64-encoded in a
// text column. The upsert only rewrites the row when the content actually
// changed, so retried saves with identical bytes touch nothing.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
    	id text not null primary key,
        content text not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, docID string) ([]byte, error) {
	var rawContent string
	if err := s.db.QueryRowContext(
		ctx, `SELECT content FROM documents WHERE id = ?`, docID,
	).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document content: %w", err)
	}
	return raw, nil
}

func (s *SQLite) Save(ctx context.Context, docID string, snapshot []byte) error {
	content := base64.StdEncoding.EncodeToString(snapshot)
	if _, err := s.db.ExecContext(
		ctx, `INSERT INTO documents (id, content) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET content = excluded.content
			WHERE content != excluded.content`,
		docID, content,
	); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
