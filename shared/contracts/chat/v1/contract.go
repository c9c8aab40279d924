// Package v1 defines the Hearth chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins a room (client -> server) and is echoed back.
	TypeRoomJoin = "room_join"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly accepted message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeMessageDelete requests deleting a message (client -> server).
	TypeMessageDelete = "message_delete"
	// TypeMessageDeleted broadcasts a completed deletion (server -> room members).
	TypeMessageDeleted = "message_deleted"

	// TypeMessageSeen marks a message as seen (client -> server, echoed to room).
	TypeMessageSeen = "message_seen"

	// TypeLobbyUpdated broadcasts a lobby summary change (server -> all sessions).
	TypeLobbyUpdated = "lobby_updated"

	// TypeTypingStarted / TypeTypingStopped relay typing state to room members.
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"

	// TypeRoomHistoryFetch requests a room history window (client -> server).
	TypeRoomHistoryFetch = "room_history_fetch"
	// TypeRoomHistoryChunk returns a window of history (server -> client).
	TypeRoomHistoryChunk = "room_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageDelete,
		TypeMessageDeleted,
		TypeMessageSeen,
		TypeLobbyUpdated,
		TypeTypingStarted,
		TypeTypingStopped,
		TypeRoomHistoryFetch,
		TypeRoomHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
// Identity is established upstream (auth is an external collaborator);
// the gateway trusts the ids it is handed here.
type HelloPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// HelloAckPayload carries the session id assigned by the server.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// RoomJoinPayload requests membership in a room.
// Kind is "direct" or "tribe"; empty defaults to "direct".
type RoomJoinPayload struct {
	RoomID string `json:"room_id"`
	Kind   string `json:"kind,omitempty"`
}

// ReplyRefPayload references the message a send replies to.
type ReplyRefPayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// MessageSendPayload requests sending a message into a room.
type MessageSendPayload struct {
	RoomID   string           `json:"room_id"`
	Body     string           `json:"body"`
	Kind     string           `json:"kind,omitempty"` // "text" (default) or "file"
	FileURL  string           `json:"file_url,omitempty"`
	ReplyRef *ReplyRefPayload `json:"reply_ref,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical id.
type MessageAckPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// MessageNewPayload is broadcast when a new message is accepted.
type MessageNewPayload struct {
	RoomID     string           `json:"room_id"`
	MessageID  string           `json:"message_id"`
	SenderID   string           `json:"sender_id"`
	SenderName string           `json:"sender_name,omitempty"`
	Body       string           `json:"body"`
	Kind       string           `json:"kind"`
	FileURL    string           `json:"file_url,omitempty"`
	ReplyRef   *ReplyRefPayload `json:"reply_ref,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// MessageDeletePayload requests deletion of a message.
// Scope is "for_self" or "for_everyone".
type MessageDeletePayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Scope     string `json:"scope"`
}

// MessageDeletedPayload is broadcast after a successful deletion.
type MessageDeletedPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// MessageSeenPayload marks a message as seen by the sender of the event.
type MessageSeenPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// LobbyUpdatedPayload is broadcast process-wide so room lists stay current.
type LobbyUpdatedPayload struct {
	RoomID        string    `json:"room_id"`
	LastMessage   string    `json:"last_message"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// TypingPayload relays typing state inside a room.
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// RoomHistoryFetchPayload requests a history window for a room.
type RoomHistoryFetchPayload struct {
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit,omitempty"`
	Skip   int    `json:"skip,omitempty"`
}

// RoomHistoryChunkPayload returns messages for a history fetch request.
type RoomHistoryChunkPayload struct {
	RoomID   string              `json:"room_id"`
	Messages []MessageNewPayload `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
