package room

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"docrelay/internal/merge"
	"docrelay/internal/protocol"
)

type fakeConn struct {
	id        uuid.UUID
	principal string

	mu     sync.Mutex
	inbox  []protocol.Message
	closes []int
	reject bool
}

func newFakeConn(principal string) *fakeConn {
	return &fakeConn{id: uuid.New(), principal: principal}
}

func (c *fakeConn) ID() uuid.UUID       { return c.id }
func (c *fakeConn) PrincipalID() string { return c.principal }

func (c *fakeConn) Enqueue(m protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.inbox = append(c.inbox, m)
	return true
}

func (c *fakeConn) Close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, code)
}

func (c *fakeConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.inbox))
	copy(out, c.inbox)
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	data      map[string][]byte
	saves     map[string]int
	failSaves bool
	failLoads bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte), saves: make(map[string]int)}
}

func (s *fakeStore) Load(ctx context.Context, docID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoads {
		return nil, errors.New("load unavailable")
	}
	return s.data[docID], nil
}

func (s *fakeStore) Save(ctx context.Context, docID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errors.New("save unavailable")
	}
	s.saves[docID]++
	s.data[docID] = append([]byte(nil), snapshot...)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) saveCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[docID]
}

func (s *fakeStore) saved(docID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[docID]
}

func (s *fakeStore) setFailSaves(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = v
}

// clientUpdate builds an incremental change bundle the way a client replica
// would: edit a local doc, ship the delta.
func clientUpdate(t *testing.T, base []byte, key string, val any) []byte {
	t.Helper()
	var doc *automerge.Doc
	var err error
	if base == nil {
		doc = automerge.New()
	} else if doc, err = automerge.Load(base); err != nil {
		t.Fatalf("failed to load base: %v", err)
	}
	if err := doc.Path(key).Set(val); err != nil {
		t.Fatalf("failed to edit: %v", err)
	}
	u := doc.SaveIncremental()
	if len(u) == 0 {
		t.Fatal("expected a non-empty update")
	}
	return u
}

func decodeValue(t *testing.T, snapshot []byte, key string) any {
	t.Helper()
	doc, err := merge.Load(snapshot)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	v, err := doc.Path(key).Get()
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	return v.Interface()
}

func docSnapshot(t *testing.T, key string, val any) []byte {
	t.Helper()
	doc := automerge.New()
	if err := doc.Path(key).Set(val); err != nil {
		t.Fatal(err)
	}
	return doc.Save()
}

func TestJoinCatchUpFromPersistedState(t *testing.T) {
	st := newFakeStore()
	st.data["doc-1"] = docSnapshot(t, "body", "welcome back")
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	c := newFakeConn("alice")
	g.Connect(context.Background(), "doc-1", c)

	msgs := c.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one catch-up message, got %d", len(msgs))
	}
	if msgs[0].Type != protocol.SyncStep2 {
		t.Fatalf("expected sync-step-2, got %s", msgs[0].Type)
	}
	if got := decodeValue(t, msgs[0].Payload, "body"); got != "welcome back" {
		t.Errorf("catch-up state mismatch: %v", got)
	}
}

func TestJoinEmptyDocumentNoCatchUp(t *testing.T) {
	g := NewRegistry(newFakeStore(), time.Hour)
	defer g.Shutdown(context.Background())

	c := newFakeConn("alice")
	g.Connect(context.Background(), "doc-1", c)
	if got := len(c.messages()); got != 0 {
		t.Errorf("expected no messages for an empty document, got %d", got)
	}
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	st := newFakeStore()
	st.failLoads = true
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	c := newFakeConn("alice")
	g.Connect(context.Background(), "doc-1", c)
	if got := len(c.messages()); got != 0 {
		t.Errorf("expected an empty room after a load failure, got %d messages", got)
	}
}

func TestSyncStep1RepliesToSenderOnly(t *testing.T) {
	st := newFakeStore()
	st.data["doc-1"] = docSnapshot(t, "body", "content")
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	a, b := newFakeConn("alice"), newFakeConn("bob")
	r := g.Connect(context.Background(), "doc-1", a)
	g.Connect(context.Background(), "doc-1", b)
	beforeA, beforeB := len(a.messages()), len(b.messages())

	r.Handle(a, protocol.Message{Type: protocol.SyncStep1})

	msgsA := a.messages()
	if len(msgsA) != beforeA+1 {
		t.Fatalf("expected one reply to requester, got %d new", len(msgsA)-beforeA)
	}
	if msgsA[len(msgsA)-1].Type != protocol.SyncStep2 {
		t.Errorf("expected sync-step-2 reply, got %s", msgsA[len(msgsA)-1].Type)
	}
	if len(b.messages()) != beforeB {
		t.Errorf("sync-step-1 must not be broadcast")
	}
}

func TestUpdateMergedAndRelayedRaw(t *testing.T) {
	g := NewRegistry(newFakeStore(), time.Hour)
	defer g.Shutdown(context.Background())

	a, b := newFakeConn("alice"), newFakeConn("bob")
	r := g.Connect(context.Background(), "doc-1", a)
	g.Connect(context.Background(), "doc-1", b)

	u := clientUpdate(t, nil, "body", "hi")
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: u})

	// B receives the original payload, unmerged.
	msgsB := b.messages()
	if len(msgsB) != 1 || msgsB[0].Type != protocol.Update {
		t.Fatalf("expected bob to receive one update, got %v", msgsB)
	}
	if !bytes.Equal(msgsB[0].Payload, u) {
		t.Errorf("relayed payload must be the raw update as received")
	}
	if len(a.messages()) != 0 {
		t.Errorf("update must not echo back to its sender")
	}

	// A later joiner catches up with the merged state.
	c := newFakeConn("carol")
	g.Connect(context.Background(), "doc-1", c)
	msgsC := c.messages()
	if len(msgsC) != 1 || msgsC[0].Type != protocol.SyncStep2 {
		t.Fatalf("expected carol to receive a catch-up snapshot, got %v", msgsC)
	}
	if got := decodeValue(t, msgsC[0].Payload, "body"); got != "hi" {
		t.Errorf("catch-up state should contain the edit, got %v", got)
	}
}

func TestConcurrentUpdatesConvergeEitherOrder(t *testing.T) {
	u1 := clientUpdate(t, nil, "left", "from-a")
	u2 := clientUpdate(t, nil, "right", "from-b")

	run := func(first, second []byte) []byte {
		st := newFakeStore()
		g := NewRegistry(st, time.Hour)
		defer g.Shutdown(context.Background())
		a := newFakeConn("alice")
		r := g.Connect(context.Background(), "doc-1", a)
		r.Handle(a, protocol.Message{Type: protocol.Update, Payload: first})
		r.Handle(a, protocol.Message{Type: protocol.Update, Payload: second})
		g.Disconnect(context.Background(), r, a)
		return st.saved("doc-1")
	}

	s1 := run(u1, u2)
	s2 := run(u2, u1)
	for _, snap := range [][]byte{s1, s2} {
		if got := decodeValue(t, snap, "left"); got != "from-a" {
			t.Errorf("left edit missing: %v", got)
		}
		if got := decodeValue(t, snap, "right"); got != "from-b" {
			t.Errorf("right edit missing: %v", got)
		}
	}
}

func TestIncomingSnapshotMergedNotRelayed(t *testing.T) {
	g := NewRegistry(newFakeStore(), time.Hour)
	defer g.Shutdown(context.Background())

	a, b := newFakeConn("alice"), newFakeConn("bob")
	r := g.Connect(context.Background(), "doc-1", a)
	g.Connect(context.Background(), "doc-1", b)

	r.Handle(a, protocol.Message{Type: protocol.SyncStep2, Payload: docSnapshot(t, "body", "resubmitted")})

	if len(b.messages()) != 0 {
		t.Errorf("a resubmitted snapshot must not be relayed")
	}
	c := newFakeConn("carol")
	g.Connect(context.Background(), "doc-1", c)
	msgs := c.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected a catch-up snapshot, got %d messages", len(msgs))
	}
	if got := decodeValue(t, msgs[0].Payload, "body"); got != "resubmitted" {
		t.Errorf("snapshot content missing after merge: %v", got)
	}
}

func TestAwarenessRelayedNeverMerged(t *testing.T) {
	st := newFakeStore()
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	a, b := newFakeConn("alice"), newFakeConn("bob")
	r := g.Connect(context.Background(), "doc-1", a)
	g.Connect(context.Background(), "doc-1", b)

	cursor := []byte(`{"cursor":4}`)
	r.Handle(a, protocol.Message{Type: protocol.Awareness, Payload: cursor})

	msgsB := b.messages()
	if len(msgsB) != 1 || msgsB[0].Type != protocol.Awareness || !bytes.Equal(msgsB[0].Payload, cursor) {
		t.Fatalf("expected verbatim awareness relay, got %v", msgsB)
	}
	if len(a.messages()) != 0 {
		t.Errorf("awareness must not echo back to its sender")
	}

	// Awareness never dirties the room: disconnecting both peers must not save.
	g.Disconnect(context.Background(), r, a)
	g.Disconnect(context.Background(), r, b)
	if st.saveCount("doc-1") != 0 {
		t.Errorf("awareness traffic caused a save")
	}
}

func TestNoCrossRoomDelivery(t *testing.T) {
	g := NewRegistry(newFakeStore(), time.Hour)
	defer g.Shutdown(context.Background())

	a := newFakeConn("alice")
	other := newFakeConn("mallory")
	rA := g.Connect(context.Background(), "doc-a", a)
	g.Connect(context.Background(), "doc-b", other)

	rA.Handle(a, protocol.Message{Type: protocol.Awareness, Payload: []byte("hello a")})
	rA.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})

	if len(other.messages()) != 0 {
		t.Errorf("messages for doc-a leaked into doc-b")
	}
}

func TestLastLeaveFlushesOnceAndRemovesRoom(t *testing.T) {
	st := newFakeStore()
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	a := newFakeConn("alice")
	r := g.Connect(context.Background(), "doc-1", a)
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "body", "final")})

	g.Disconnect(context.Background(), r, a)

	if got := st.saveCount("doc-1"); got != 1 {
		t.Fatalf("expected exactly one save on last leave, got %d", got)
	}
	if got := decodeValue(t, st.saved("doc-1"), "body"); got != "final" {
		t.Errorf("saved state mismatch: %v", got)
	}
	if g.ActiveRooms() != 0 {
		t.Errorf("room should be removed once empty and flushed")
	}
}

func TestStaleDisconnectIsNoOp(t *testing.T) {
	st := newFakeStore()
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	a := newFakeConn("alice")
	r := g.Connect(context.Background(), "doc-1", a)
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})

	g.Disconnect(context.Background(), r, a)
	if got := st.saveCount("doc-1"); got != 1 {
		t.Fatalf("expected one save, got %d", got)
	}

	// A second teardown for the same connection must not save again.
	g.Disconnect(context.Background(), r, a)
	if got := st.saveCount("doc-1"); got != 1 {
		t.Errorf("stale disconnect triggered another save: %d", got)
	}

	// A different connection carrying the same id must not evict the one
	// actually registered.
	b := newFakeConn("alice")
	r2 := g.Connect(context.Background(), "doc-1", b)
	impostor := &fakeConn{id: b.id, principal: "alice"}
	if removed, _ := r2.leave(impostor); removed {
		t.Errorf("a different transport instance must not remove the registered connection")
	}
	g.Disconnect(context.Background(), r2, b)
}

func TestSaveFailureLeavesRoomDirtyForRetry(t *testing.T) {
	st := newFakeStore()
	st.setFailSaves(true)
	g := NewRegistry(st, 10*time.Millisecond)
	defer g.Shutdown(context.Background())

	a := newFakeConn("alice")
	r := g.Connect(context.Background(), "doc-1", a)
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})
	g.Disconnect(context.Background(), r, a)

	if g.ActiveRooms() != 1 {
		t.Fatalf("room with unsaved state must stay registered")
	}
	if g.FlushFailures() == 0 {
		t.Errorf("flush failures must be observable")
	}

	// Once the backend recovers the scheduler retries, saves, and reaps.
	st.setFailSaves(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.saveCount("doc-1") > 0 && g.ActiveRooms() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.saveCount("doc-1") == 0 {
		t.Errorf("scheduler never retried the failed save")
	}
	if g.ActiveRooms() != 0 {
		t.Errorf("idle clean room was never reaped")
	}
	if got := decodeValue(t, st.saved("doc-1"), "k"); got != "v" {
		t.Errorf("retried save lost the edit: %v", got)
	}
}

func TestCorruptUpdateDroppedWithoutPoisoningState(t *testing.T) {
	st := newFakeStore()
	g := NewRegistry(st, time.Hour)
	defer g.Shutdown(context.Background())

	a, b := newFakeConn("alice"), newFakeConn("bob")
	r := g.Connect(context.Background(), "doc-1", a)
	g.Connect(context.Background(), "doc-1", b)

	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: []byte("garbage bytes")})

	if len(b.messages()) != 1 {
		t.Errorf("corrupt update must not be relayed")
	}
	if len(a.closes) != 0 {
		t.Errorf("corrupt update must not close the sender's connection")
	}

	g.Disconnect(context.Background(), r, a)
	g.Disconnect(context.Background(), r, b)
	if got := decodeValue(t, st.saved("doc-1"), "k"); got != "v" {
		t.Errorf("state corrupted by dropped update: %v", got)
	}
}

func TestSchedulerFlushesDirtyRooms(t *testing.T) {
	st := newFakeStore()
	g := NewRegistry(st, 10*time.Millisecond)
	defer g.Shutdown(context.Background())

	a := newFakeConn("alice")
	r := g.Connect(context.Background(), "doc-1", a)
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && st.saveCount("doc-1") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if st.saveCount("doc-1") == 0 {
		t.Fatalf("scheduler never flushed the dirty room")
	}
	// An occupied room must not be reaped by the sweep.
	if g.ActiveRooms() != 1 {
		t.Errorf("room with a live peer was removed")
	}
	g.Disconnect(context.Background(), r, a)
}

func TestShutdownFlushesAndClosesConnections(t *testing.T) {
	st := newFakeStore()
	g := NewRegistry(st, time.Hour)

	a := newFakeConn("alice")
	r := g.Connect(context.Background(), "doc-1", a)
	r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})

	g.Shutdown(context.Background())

	if st.saveCount("doc-1") != 1 {
		t.Errorf("shutdown must flush dirty rooms, got %d saves", st.saveCount("doc-1"))
	}
	if len(a.closes) != 1 || a.closes[0] != CloseGoingAway {
		t.Errorf("expected close code %d on shutdown, got %v", CloseGoingAway, a.closes)
	}
}

func TestSlowPeerDoesNotBlockRoom(t *testing.T) {
	g := NewRegistry(newFakeStore(), time.Hour)
	defer g.Shutdown(context.Background())

	a, b := newFakeConn("alice"), newFakeConn("bob")
	b.reject = true
	r := g.Connect(context.Background(), "doc-1", a)
	g.Connect(context.Background(), "doc-1", b)

	done := make(chan struct{})
	go func() {
		r.Handle(a, protocol.Message{Type: protocol.Update, Payload: clientUpdate(t, nil, "k", "v")})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a full peer buffer blocked message handling")
	}
}
