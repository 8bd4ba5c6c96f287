// Package ws is the connection gateway: it upgrades incoming transports,
// authenticates them, binds them to a document room, and pumps frames in both
// directions until the connection dies.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"docrelay/internal/auth"
	"docrelay/internal/protocol"
	"docrelay/internal/room"
)

// Application close codes, distinguishing why an attach was rejected.
const (
	CloseAuthFailure       = 4001
	ClosePrincipalMismatch = 4003
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

type Gateway struct {
	verifier auth.Verifier
	registry *room.Registry
	upgrader websocket.Upgrader
}

func NewGateway(v auth.Verifier, reg *room.Registry) *Gateway {
	return &Gateway{
		verifier: v,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /docs/{doc}/sync. The bearer credential comes from the
// Authorization header or, for browser clients, the "token" query parameter;
// the claimed principal id comes from the "user" query parameter.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	claimed := r.URL.Query().Get("user")
	credential := bearerCredential(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	principal, err := g.verifier.Verify(credential)
	if err != nil {
		reason := "invalid credential"
		if errors.Is(err, auth.ErrMissingCredential) {
			reason = "missing credential"
		}
		slog.Warn("rejecting connection", "doc", docID, "reason", reason)
		reject(conn, CloseAuthFailure, reason)
		return
	}
	if claimed != "" && claimed != principal.ID {
		slog.Warn("rejecting connection", "doc", docID, "reason", "principal mismatch",
			"claimed", claimed, "actual", principal.ID)
		reject(conn, ClosePrincipalMismatch, "principal mismatch")
		return
	}

	c := newClient(conn, principal)
	go c.writePump()

	rm := g.registry.Connect(r.Context(), docID, c)
	c.readLoop(rm)

	// The request context is finished by now; cleanup gets its own.
	g.registry.Disconnect(context.Background(), rm, c)
	c.Close(websocket.CloseNormalClosure, "")
}

func bearerCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

// client adapts one websocket connection to the room.Conn interface. Outbound
// messages go through a buffered channel drained by writePump, so the room
// never blocks on a peer's socket.
type client struct {
	conn      *websocket.Conn
	id        uuid.UUID
	principal auth.Principal

	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, principal auth.Principal) *client {
	return &client{
		conn:      conn,
		id:        uuid.New(),
		principal: principal,
		send:      make(chan protocol.Message, sendBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *client) ID() uuid.UUID       { return c.id }
func (c *client) PrincipalID() string { return c.principal.ID }

func (c *client) Enqueue(m protocol.Message) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *client) Close(code int, text string) {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	for {
		select {
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, m.Encode()); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop decodes and dispatches frames until the transport errors out.
// Malformed frames are dropped without terminating the session.
func (c *client) readLoop(rm *room.Room) {
	for {
		mt, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			slog.Warn("dropping malformed frame", "doc", rm.ID(), "peer", c.principal.ID, "err", err)
			continue
		}
		rm.Handle(c, msg)
	}
}
