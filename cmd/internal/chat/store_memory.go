package chat

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a dev/test implementation of MessageStore and LobbyStore.
// It mirrors the Postgres implementation's contracts (ordering, ErrNotFound)
// so the service behaves identically against either.
type MemoryStore struct {
	mu      sync.Mutex
	msgs    map[string]Message         // id -> message
	byRoom  map[string][]string        // room -> ids in insertion order
	lobbies map[string]LobbySummary    // room -> summary
	hidden  map[string]map[string]bool // room -> userID -> hidden
}

// NewMemoryStore constructs an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		msgs:    make(map[string]Message),
		byRoom:  make(map[string][]string),
		lobbies: make(map[string]LobbySummary),
		hidden:  make(map[string]map[string]bool),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// InsertMany appends the batch. Partial batches never persist: validation
// happens before any write.
func (s *MemoryStore) InsertMany(ctx context.Context, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ID == "" || m.RoomID == "" {
			return ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if _, ok := s.msgs[m.ID]; ok {
			continue
		}
		s.msgs[m.ID] = m
		s.byRoom[m.RoomID] = append(s.byRoom[m.RoomID], m.ID)
	}
	return nil
}

// FindByID returns the message or ErrNotFound.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

// FindByRoom returns room messages ordered by creation time (id as tie-breaker).
func (s *MemoryStore) FindByRoom(ctx context.Context, q RoomQuery) ([]Message, error) {
	if q.RoomID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := append([]string(nil), s.byRoom[q.RoomID]...)
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DeleteByID removes the record. Absent ids are a no-op.
func (s *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return nil
	}
	delete(s.msgs, id)

	ids := s.byRoom[m.RoomID]
	for i, v := range ids {
		if v == id {
			s.byRoom[m.RoomID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateSeen sets the seen flag or returns ErrNotFound.
func (s *MemoryStore) UpdateSeen(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return ErrNotFound
	}
	m.Seen = true
	s.msgs[id] = m
	return nil
}

// Upsert applies the update to the room's summary, honoring IfNewer.
func (s *MemoryStore) Upsert(ctx context.Context, roomID string, up LobbyUpdate) error {
	if roomID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.lobbies[roomID]
	sum.RoomID = roomID
	if !up.IfNewer || !sum.LastUpdated.After(up.LastUpdated) {
		sum.LastMessage = up.LastMessage
		sum.LastMessageID = up.LastMessageID
		sum.LastUpdated = up.LastUpdated
	}
	if up.ClearDeletedFor {
		sum.DeletedFor = nil
		delete(s.hidden, roomID)
	}
	s.lobbies[roomID] = sum
	return nil
}

// Get returns the room's summary or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, roomID string) (LobbySummary, error) {
	if err := ctx.Err(); err != nil {
		return LobbySummary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.lobbies[roomID]
	if !ok {
		return LobbySummary{}, ErrNotFound
	}
	return sum, nil
}

// MemoryRoles is a dev/test RoleStore.
type MemoryRoles struct {
	mu     sync.Mutex
	admins map[string]map[string]bool // room -> userID -> admin
}

// NewMemoryRoles constructs an empty role store.
func NewMemoryRoles() *MemoryRoles {
	return &MemoryRoles{admins: make(map[string]map[string]bool)}
}

// Grant marks userID as an admin of roomID.
func (r *MemoryRoles) Grant(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admins[roomID] == nil {
		r.admins[roomID] = make(map[string]bool)
	}
	r.admins[roomID][userID] = true
}

// IsRoomAdmin reports whether userID is an admin of roomID.
func (r *MemoryRoles) IsRoomAdmin(_ context.Context, roomID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admins[roomID][userID], nil
}

// NopObjectStore ignores object deletions (dev mode without object storage).
type NopObjectStore struct{}

func (NopObjectStore) DeleteObject(context.Context, string) error { return nil }

// NopNotifier drops notifications (dev mode without a notification backend).
type NopNotifier struct{}

func (NopNotifier) NotifyParticipants(context.Context, string, string, string) error { return nil }
