package room

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"docrelay/internal/protocol"
	"docrelay/internal/store"
)

// CloseGoingAway is sent to every open connection during shutdown.
const CloseGoingAway = 1001

// Registry owns the mapping of document id to active room, the persistence
// collaborator, and the auto-save scheduler. Rooms are created on first join
// and removed once empty and flushed.
type Registry struct {
	store    store.Store
	interval time.Duration
	publish  func(docID string, m protocol.Message)

	mu    sync.Mutex
	rooms map[string]*Room

	flushFailures atomic.Int64

	schedOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewRegistry(st store.Store, saveInterval time.Duration) *Registry {
	return &Registry{
		store:    st,
		interval: saveInterval,
		rooms:    make(map[string]*Room),
		done:     make(chan struct{}),
	}
}

// SetPublisher installs a hook invoked after every locally handled Update or
// Awareness message, used to fan messages out to other server instances. Must
// be called before the first connection is admitted.
func (g *Registry) SetPublisher(fn func(docID string, m protocol.Message)) {
	g.publish = fn
}

// Connect binds the connection to the document's room, creating the room and
// loading its persisted snapshot on first join. The returned room stays valid
// for the lifetime of the connection. It also makes sure the auto-save
// scheduler is running.
func (g *Registry) Connect(ctx context.Context, docID string, c Conn) *Room {
	g.startScheduler()
	for {
		g.mu.Lock()
		r, ok := g.rooms[docID]
		if !ok {
			r = newRoom(docID, g.publish)
			g.rooms[docID] = r
		}
		g.mu.Unlock()

		r.ensureLoaded(func(id string) ([]byte, error) {
			return g.store.Load(ctx, id)
		})
		if r.join(c) {
			slog.Info("peer joined", "doc", docID, "peer", c.PrincipalID())
			return r
		}
		// The room was torn down between lookup and join; go again.
	}
}

// Disconnect removes the connection from its room. When the room empties out,
// dirty state is flushed synchronously and the room is dropped from the
// registry, so an idle document costs no memory and loses no edits.
func (g *Registry) Disconnect(ctx context.Context, r *Room, c Conn) {
	removed, empty := r.leave(c)
	if !removed {
		return
	}
	slog.Info("peer left", "doc", r.id, "peer", c.PrincipalID())
	if !empty {
		return
	}
	g.flushRoom(ctx, r)
	g.removeIfIdle(r)
}

// Lookup returns the active room for a document id, if any.
func (g *Registry) Lookup(docID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[docID]
	return r, ok
}

// ApplyRemote feeds a message relayed from another instance into the matching
// local room. Documents with no local peers are skipped.
func (g *Registry) ApplyRemote(docID string, m protocol.Message) {
	if r, ok := g.Lookup(docID); ok {
		r.HandleRemote(m)
	}
}

// FlushAll writes every dirty room's snapshot to the store. Failures leave the
// room dirty for the next sweep.
func (g *Registry) FlushAll(ctx context.Context) {
	for _, r := range g.snapshotRooms() {
		g.flushRoom(ctx, r)
	}
}

// ActiveRooms reports the number of rooms currently held in memory.
func (g *Registry) ActiveRooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// FlushFailures reports the count of failed save attempts since startup.
func (g *Registry) FlushFailures() int64 {
	return g.flushFailures.Load()
}

// Shutdown stops the scheduler, flushes all dirty rooms, and closes every
// open connection with a going-away code.
func (g *Registry) Shutdown(ctx context.Context) {
	g.startScheduler() // so the stop below always has a running loop to stop
	close(g.done)
	g.wg.Wait()

	g.FlushAll(ctx)

	for _, r := range g.snapshotRooms() {
		r.closeAll(CloseGoingAway, "server shutting down")
	}
}

func (g *Registry) startScheduler() {
	g.schedOnce.Do(func() {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			t := time.NewTicker(g.interval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					g.sweep()
				case <-g.done:
					return
				}
			}
		}()
	})
}

func (g *Registry) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), g.interval)
	defer cancel()
	for _, r := range g.snapshotRooms() {
		g.flushRoom(ctx, r)
		g.removeIfIdle(r)
	}
}

func (g *Registry) snapshotRooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

// flushRoom saves the room's state when dirty. The snapshot is taken under the
// room lock; the save itself runs without it.
func (g *Registry) flushRoom(ctx context.Context, r *Room) {
	snapshot, version, dirty := r.snapshotIfDirty()
	if !dirty {
		return
	}
	if err := g.store.Save(ctx, r.id, snapshot); err != nil {
		g.flushFailures.Add(1)
		slog.Error("failed to save document, will retry", "doc", r.id, "err", err)
		return
	}
	r.markClean(version, time.Now())
	slog.Info("saved document", "doc", r.id, "bytes", len(snapshot))
}

// removeIfIdle drops the room from the registry once it has no peers and no
// unsaved changes. A room that fails to flush stays registered so the
// scheduler keeps retrying.
func (g *Registry) removeIfIdle(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 && !r.dirty && g.rooms[r.id] == r {
		r.closed = true
		delete(g.rooms, r.id)
		slog.Info("room removed", "doc", r.id)
	}
}
