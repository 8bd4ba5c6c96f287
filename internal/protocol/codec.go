// Package protocol implements the framed binary wire format exchanged over a
// document sync connection: a single type byte followed by the raw payload.
package protocol

import (
	"errors"
	"fmt"
)

type MessageType byte

const (
	// SyncStep1 asks the receiver to respond with its current state.
	SyncStep1 MessageType = 0
	// SyncStep2 carries a full document snapshot, either as a response to
	// SyncStep1 or as a client resubmitting its state after a reconnect.
	SyncStep2 MessageType = 1
	// Update carries an incremental change bundle to be merged and relayed.
	Update MessageType = 2
	// Awareness carries ephemeral presence data (cursors, selections). It is
	// relayed to peers but never merged into document state.
	Awareness MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case SyncStep1:
		return "sync-step-1"
	case SyncStep2:
		return "sync-step-2"
	case Update:
		return "update"
	case Awareness:
		return "awareness"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownType = errors.New("unknown message type")
)

type Message struct {
	Type    MessageType
	Payload []byte
}

// Decode parses a single frame. The payload slice aliases the input frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}
	t := MessageType(frame[0])
	switch t {
	case SyncStep1, SyncStep2, Update, Awareness:
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, frame[0])
	}
	return Message{Type: t, Payload: frame[1:]}, nil
}

// Encode frames the message for the wire.
func (m Message) Encode() []byte {
	out := make([]byte, 0, 1+len(m.Payload))
	out = append(out, byte(m.Type))
	return append(out, m.Payload...)
}
