// Package merge wraps the automerge CRDT so the rest of the server can treat
// document state as opaque bytes. All operations preserve the CRDT convergence
// laws: merging is idempotent, commutative, and associative, and concurrent
// edits are resolved deterministically by actor id and sequence number.
package merge

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// New returns a fresh, empty document.
func New() *automerge.Doc {
	return automerge.New()
}

// Load rebuilds a document from a persisted snapshot.
func Load(snapshot []byte) (*automerge.Doc, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return doc, nil
}

// ApplyUpdate applies an incremental change bundle to doc. Changes already
// known to doc are skipped, so re-applying an update is a no-op. A corrupt
// payload returns an error and doc keeps its previous state.
func ApplyUpdate(doc *automerge.Doc, payload []byte) error {
	if err := doc.LoadIncremental(payload); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// MergeSnapshot merges a full document snapshot into doc, typically a client
// resubmitting its entire state after a reconnect.
func MergeSnapshot(doc *automerge.Doc, payload []byte) error {
	other, err := automerge.Load(payload)
	if err != nil {
		return fmt.Errorf("failed to load incoming snapshot: %w", err)
	}
	if _, err := doc.Merge(other); err != nil {
		return fmt.Errorf("failed to merge snapshot: %w", err)
	}
	return nil
}

// Merge combines two saved snapshots into one. An empty current is treated as
// a fresh document; an empty incoming leaves current unchanged.
func Merge(current, incoming []byte) ([]byte, error) {
	var doc *automerge.Doc
	if len(current) == 0 {
		doc = automerge.New()
	} else {
		var err error
		if doc, err = Load(current); err != nil {
			return nil, err
		}
	}
	if len(incoming) > 0 {
		if err := MergeSnapshot(doc, incoming); err != nil {
			return nil, err
		}
	}
	return doc.Save(), nil
}
