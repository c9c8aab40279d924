package chat

import "context"

// Buffer is the volatile ordered per-room message buffer.
//
// Requirements:
//   - Append adds to the tail and refreshes the room's TTL.
//   - ReadAll is a non-destructive peek of the full ordered list.
//   - Remove deletes one exact entry by identity; absent entries are a no-op.
//   - Clear empties the list after a successful flush.
//
// All operations must be safe to interleave with each other at the storage
// layer; callers never hold a lock across calls. An Append racing a Clear is
// expected (last write wins on list structure) and must not corrupt entries.
type Buffer interface {
	Append(ctx context.Context, roomID string, m Message) error
	ReadAll(ctx context.Context, roomID string) ([]Message, error)
	Remove(ctx context.Context, roomID string, m Message) error
	Len(ctx context.Context, roomID string) (int, error)
	Clear(ctx context.Context, roomID string) error
}
