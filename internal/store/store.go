// Package store provides durable storage for document snapshots, keyed by
// document id. The snapshot bytes are opaque to this package.
package store

import "context"

// Store is the persistence collaborator for document rooms. Load returns
// (nil, nil) when no snapshot exists for the id; a new document is not an
// error. Save must be safe for concurrent calls on different ids and a no-op
// in effect when retried with identical bytes.
type Store interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, snapshot []byte) error
	Close() error
}
