// Package relay fans document traffic out across server instances through a
// redis pub/sub channel per document, so peers attached to different instances
// still converge. Each instance tags what it publishes with its own origin id
// and skips its own messages on receipt.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docrelay/internal/protocol"
)

const channelPrefix = "doc:"

// Handler receives messages published by other instances.
type Handler func(docID string, m protocol.Message)

type envelope struct {
	Origin  string `json:"origin"`
	Type    byte   `json:"type"`
	Payload []byte `json:"payload"`
}

type Relay struct {
	client  *redis.Client
	origin  string
	handler Handler
	pubsub  *redis.PubSub
	wg      sync.WaitGroup
}

func New(redisURL string, h Handler) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := &Relay{
		client:  client,
		origin:  uuid.NewString(),
		handler: h,
		pubsub:  client.PSubscribe(context.Background(), channelPrefix+"*"),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *Relay) run() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("dropping unreadable relay message", "channel", msg.Channel, "err", err)
			continue
		}
		if env.Origin == r.origin {
			continue
		}
		docID := strings.TrimPrefix(msg.Channel, channelPrefix)
		r.handler(docID, protocol.Message{Type: protocol.MessageType(env.Type), Payload: env.Payload})
	}
}

// Publish sends a locally handled message to the other instances. Failures are
// logged and swallowed: the local room already handled the message, and a
// flaky relay must not break the session.
func (r *Relay) Publish(docID string, m protocol.Message) {
	raw, err := json.Marshal(envelope{Origin: r.origin, Type: byte(m.Type), Payload: m.Payload})
	if err != nil {
		slog.Error("failed to marshal relay envelope", "doc", docID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, channelPrefix+docID, raw).Err(); err != nil {
		slog.Error("failed to publish to relay", "doc", docID, "err", err)
	}
}

func (r *Relay) Close() error {
	_ = r.pubsub.Close()
	r.wg.Wait()
	return r.client.Close()
}
