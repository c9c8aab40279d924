package chat

import (
	"log/slog"
	"sync"

	v1 "hearth/shared/contracts/chat/v1"
)

// Broadcaster is the publish contract the core consumes. Publish delivers an
// event to every connection joined to a room; PublishAll delivers to all
// connections process-wide (lobby list updates).
type Broadcaster interface {
	Publish(roomID string, env v1.Envelope)
	PublishAll(env v1.Envelope)
}

// Hub owns in-memory rooms and the process-wide session registry.
// It is intentionally minimal: persistence lives behind MessageStore.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Client),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle.
func (h *Hub) GetOrCreateRoom(roomID string, kind RoomKind) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	if kind == "" {
		kind = RoomDirect
	}
	r := NewRoom(h.log, roomID, kind)
	h.rooms[roomID] = r
	return r
}

// Register tracks a session for process-wide fanout.
func (h *Hub) Register(client *Client) {
	if client == nil || client.SessionID == "" {
		return
	}
	h.mu.Lock()
	h.sessions[client.SessionID] = client
	h.mu.Unlock()
}

// Unregister drops a session from process-wide fanout.
func (h *Hub) Unregister(sessionID string) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// Publish delivers the envelope to every member of roomID.
// Unknown rooms are a no-op: membership is created on join, and an event for
// a room with no local members has nobody to reach.
func (h *Hub) Publish(roomID string, env v1.Envelope) {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()

	r.Broadcast(env)
}

// PublishAll delivers the envelope to every registered session.
// Non-blocking, same drop policy as Room.Broadcast.
func (h *Hub) PublishAll(env v1.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.sessions {
		if c == nil {
			continue
		}

		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			broadcastDropped.Inc()
		}
	}
}
