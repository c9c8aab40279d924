package chat

import (
	"log/slog"
	"sync"

	v1 "hearth/shared/contracts/chat/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log  *slog.Logger
	ID   string
	Kind RoomKind

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string, kind RoomKind) *Room {
	if log == nil {
		log = slog.Default()
	}
	return &Room{
		log:     log,
		ID:      id,
		Kind:    kind,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a client from membership and returns the remaining member
// count. It does not close the client; room switches reuse the connection and
// shutdown is owned by the gateway.
func (r *Room) Leave(sessionID string) int {
	if r == nil || sessionID == "" {
		return 0
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	remaining := len(r.members)
	r.mu.Unlock()

	r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID, "remaining", remaining)
	return remaining
}

// Len returns the current member count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fanouts an envelope to all members, including the sender.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			broadcastDropped.Inc()
		}
	}
}
