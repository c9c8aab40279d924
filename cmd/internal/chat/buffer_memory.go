package chat

import (
	"context"
	"sync"
	"time"
)

// MemoryBuffer is an in-process Buffer used for dev and tests.
// Entries are stored serialized, mirroring the Redis implementation, so both
// behave identically around remove-by-value matching.
type MemoryBuffer struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*memList
}

type memList struct {
	entries [][]byte
	expires time.Time
}

// MemoryBufferOption configures MemoryBuffer behavior.
type MemoryBufferOption func(*MemoryBuffer)

// WithMemoryBufferClock overrides the clock (tests).
func WithMemoryBufferClock(now func() time.Time) MemoryBufferOption {
	return func(b *MemoryBuffer) {
		if now != nil {
			b.now = now
		}
	}
}

// NewMemoryBuffer constructs an in-memory Buffer with the given TTL.
// A non-positive TTL falls back to the default.
func NewMemoryBuffer(ttl time.Duration, opts ...MemoryBufferOption) *MemoryBuffer {
	if ttl <= 0 {
		ttl = defaultBufferTTL
	}
	b := &MemoryBuffer{
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
		rooms: make(map[string]*memList),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Append adds the message to the tail of the room's list and refreshes the TTL.
func (b *MemoryBuffer) Append(ctx context.Context, roomID string, m Message) error {
	if roomID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := marshalEntry(m)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.live(roomID)
	if l == nil {
		l = &memList{}
		b.rooms[roomID] = l
	}
	l.entries = append(l.entries, raw)
	l.expires = b.now().Add(b.ttl)
	return nil
}

// ReadAll returns the full ordered list without removing it.
func (b *MemoryBuffer) ReadAll(ctx context.Context, roomID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.live(roomID)
	if l == nil {
		return nil, nil
	}

	out := make([]Message, 0, len(l.entries))
	for _, raw := range l.entries {
		m, err := unmarshalEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes the first entry whose message id matches. Missing entries
// are a no-op so repeated removes stay idempotent.
func (b *MemoryBuffer) Remove(ctx context.Context, roomID string, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.live(roomID)
	if l == nil {
		return nil
	}

	for i, raw := range l.entries {
		got, err := unmarshalEntry(raw)
		if err != nil {
			continue
		}
		if got.ID == m.ID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	if len(l.entries) == 0 {
		delete(b.rooms, roomID)
	}
	return nil
}

// Len returns the current entry count for the room.
func (b *MemoryBuffer) Len(ctx context.Context, roomID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.live(roomID)
	if l == nil {
		return 0, nil
	}
	return len(l.entries), nil
}

// Clear empties the room's list.
func (b *MemoryBuffer) Clear(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rooms, roomID)
	return nil
}

// live returns the room list if present and not expired. Expired lists are
// dropped lazily on access. Caller must hold b.mu.
func (b *MemoryBuffer) live(roomID string) *memList {
	l := b.rooms[roomID]
	if l == nil {
		return nil
	}
	if !l.expires.IsZero() && b.now().After(l.expires) {
		delete(b.rooms, roomID)
		return nil
	}
	return l
}
