// Package room holds the per-document in-memory state and the registry that
// owns room lifecycles. All mutation of a room's fields is serialized behind
// its mutex; the lock is never held across network or storage I/O, only across
// the local merge and bookkeeping.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"docrelay/internal/merge"
	"docrelay/internal/protocol"
)

// Conn is one live transport connection attached to a room. Enqueue must not
// block: implementations buffer outbound messages and report false when the
// buffer is full. Close tells the transport to shut down with a close code.
type Conn interface {
	ID() uuid.UUID
	PrincipalID() string
	Enqueue(m protocol.Message) bool
	Close(code int, text string)
}

// Room is the state for one active document: the connected peers, the
// authoritative merged snapshot, and the dirty flag tracking divergence from
// the last successful save.
type Room struct {
	id      string
	publish func(docID string, m protocol.Message)

	loadOnce sync.Once

	mu         sync.Mutex
	conns      map[uuid.UUID]Conn
	doc        *automerge.Doc
	hasContent bool
	dirty      bool
	version    uint64
	lastSaved  time.Time
	closed     bool
}

func newRoom(id string, publish func(string, protocol.Message)) *Room {
	return &Room{
		id:      id,
		publish: publish,
		conns:   make(map[uuid.UUID]Conn),
		doc:     merge.New(),
	}
}

func (r *Room) ID() string { return r.id }

// ensureLoaded pulls the persisted snapshot into the room exactly once, before
// the first peer is registered. A load failure degrades to an empty document.
func (r *Room) ensureLoaded(load func(docID string) ([]byte, error)) {
	r.loadOnce.Do(func() {
		snapshot, err := load(r.id)
		if err != nil {
			slog.Warn("failed to load persisted document, starting empty", "doc", r.id, "err", err)
			return
		}
		if len(snapshot) == 0 {
			return
		}
		doc, err := merge.Load(snapshot)
		if err != nil {
			slog.Warn("persisted document is unreadable, starting empty", "doc", r.id, "err", err)
			return
		}
		r.mu.Lock()
		r.doc = doc
		r.hasContent = true
		r.mu.Unlock()
	})
}

// join registers the connection and sends it the current snapshot as its
// catch-up. It reports false when the room has already been torn down, in
// which case the caller must retry against a fresh room.
func (r *Room) join(c Conn) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.conns[c.ID()] = c
	var snapshot []byte
	if r.hasContent {
		snapshot = r.doc.Save()
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.deliver(c, protocol.Message{Type: protocol.SyncStep2, Payload: snapshot})
	}
	return true
}

// leave removes the connection if, and only if, the registered entry is this
// same instance. A stale disconnect for an already-replaced connection is a
// no-op. Reports whether the entry was removed and whether the room is now
// empty.
func (r *Room) leave(c Conn) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.conns[c.ID()]
	if !ok || existing != c {
		return false, len(r.conns) == 0
	}
	delete(r.conns, c.ID())
	return true, len(r.conns) == 0
}

// Handle runs the message state machine for one frame received from a peer.
func (r *Room) Handle(from Conn, m protocol.Message) {
	switch m.Type {
	case protocol.SyncStep1:
		r.mu.Lock()
		var snapshot []byte
		if r.hasContent {
			snapshot = r.doc.Save()
		}
		r.mu.Unlock()
		if snapshot != nil {
			r.deliver(from, protocol.Message{Type: protocol.SyncStep2, Payload: snapshot})
		}

	case protocol.SyncStep2:
		// A full state resubmission: merged, never relayed, since its history
		// is already known to the other peers.
		r.mu.Lock()
		err := merge.MergeSnapshot(r.doc, m.Payload)
		if err == nil {
			r.markChangedLocked()
		}
		r.mu.Unlock()
		if err != nil {
			slog.Warn("dropping undecodable snapshot", "doc", r.id, "from", from.PrincipalID(), "err", err)
		}

	case protocol.Update:
		r.mu.Lock()
		err := merge.ApplyUpdate(r.doc, m.Payload)
		var others []Conn
		if err == nil {
			r.markChangedLocked()
			others = r.othersLocked(from.ID())
		}
		r.mu.Unlock()
		if err != nil {
			slog.Warn("dropping corrupt update", "doc", r.id, "from", from.PrincipalID(), "err", err)
			return
		}
		// Peers receive the original payload as sent, not the merged result.
		for _, c := range others {
			r.deliver(c, m)
		}
		if r.publish != nil {
			r.publish(r.id, m)
		}

	case protocol.Awareness:
		r.mu.Lock()
		others := r.othersLocked(from.ID())
		r.mu.Unlock()
		for _, c := range others {
			r.deliver(c, m)
		}
		if r.publish != nil {
			r.publish(r.id, m)
		}
	}
}

// HandleRemote applies a message relayed from another server instance and
// fans it out to every local peer. It is never re-published.
func (r *Room) HandleRemote(m protocol.Message) {
	switch m.Type {
	case protocol.Update:
		r.mu.Lock()
		err := merge.ApplyUpdate(r.doc, m.Payload)
		var peers []Conn
		if err == nil {
			r.markChangedLocked()
			peers = r.othersLocked(uuid.Nil)
		}
		r.mu.Unlock()
		if err != nil {
			slog.Warn("dropping corrupt relayed update", "doc", r.id, "err", err)
			return
		}
		for _, c := range peers {
			r.deliver(c, m)
		}
	case protocol.Awareness:
		r.mu.Lock()
		peers := r.othersLocked(uuid.Nil)
		r.mu.Unlock()
		for _, c := range peers {
			r.deliver(c, m)
		}
	}
}

func (r *Room) markChangedLocked() {
	r.hasContent = true
	r.dirty = true
	r.version++
}

func (r *Room) othersLocked(except uuid.UUID) []Conn {
	out := make([]Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id == except {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Room) deliver(c Conn, m protocol.Message) {
	if !c.Enqueue(m) {
		slog.Warn("dropping message for slow peer", "doc", r.id, "peer", c.PrincipalID(), "type", m.Type)
	}
}

func (r *Room) closeAll(code int, text string) {
	r.mu.Lock()
	conns := r.othersLocked(uuid.Nil)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close(code, text)
	}
}

// snapshotIfDirty returns the current saved state and its version when the
// room has unsaved changes.
func (r *Room) snapshotIfDirty() ([]byte, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil, 0, false
	}
	return r.doc.Save(), r.version, true
}

// markClean clears the dirty flag, unless the room changed again while the
// snapshot was being written out.
func (r *Room) markClean(version uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version == version {
		r.dirty = false
		r.lastSaved = at
	}
}

// Fork returns an independent copy of the document for read-side consumers.
func (r *Room) Fork() (*automerge.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Fork()
}
