package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer is a Buffer backed by Redis lists.
//
// Mapping:
//   - Append  -> RPUSH + EXPIRE (TTL refresh)
//   - ReadAll -> LRANGE 0 -1
//   - Remove  -> LREM key 1 <entry bytes>
//   - Len     -> LLEN
//   - Clear   -> DEL
//
// Every operation is a single round trip (Append pipelines its two commands),
// so interleaved senders, flushers, and deleters stay safe without any
// client-side locking.
type RedisBuffer struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisBufferOption configures RedisBuffer behavior.
type RedisBufferOption func(*RedisBuffer) error

// WithBufferPrefix sets the key prefix (default "hearth:buf:direct:").
// Direct and tribe rooms use distinct prefixes so their buffers stay independent.
func WithBufferPrefix(prefix string) RedisBufferOption {
	return func(b *RedisBuffer) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return errors.New("chat: empty buffer prefix")
		}
		b.prefix = prefix
		return nil
	}
}

// WithBufferTTL sets the per-room list TTL (default 1h).
func WithBufferTTL(ttl time.Duration) RedisBufferOption {
	return func(b *RedisBuffer) error {
		if ttl <= 0 {
			return errors.New("chat: non-positive buffer ttl")
		}
		b.ttl = ttl
		return nil
	}
}

// NewRedisBuffer constructs a Redis-backed Buffer.
func NewRedisBuffer(rdb *redis.Client, opts ...RedisBufferOption) (*RedisBuffer, error) {
	b := &RedisBuffer{
		rdb:    rdb,
		prefix: "hearth:buf:direct:",
		ttl:    defaultBufferTTL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.rdb == nil {
		return nil, errors.New("chat: nil redis client")
	}
	return b, nil
}

func (b *RedisBuffer) key(roomID string) string {
	return b.prefix + roomID
}

// Append pushes the entry to the tail and refreshes the list TTL.
func (b *RedisBuffer) Append(ctx context.Context, roomID string, m Message) error {
	if roomID == "" {
		return ErrInvalidInput
	}

	raw, err := marshalEntry(m)
	if err != nil {
		return err
	}

	key := b.key(roomID)
	pipe := b.rdb.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	return nil
}

// ReadAll returns the full ordered list without removing it.
func (b *RedisBuffer) ReadAll(ctx context.Context, roomID string) ([]Message, error) {
	raws, err := b.rdb.LRange(ctx, b.key(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer read: %w", err)
	}

	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m, err := unmarshalEntry([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("buffer entry decode: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes one exact entry by value. LREM on an absent value is a no-op,
// which gives Remove its idempotency.
func (b *RedisBuffer) Remove(ctx context.Context, roomID string, m Message) error {
	raw, err := marshalEntry(m)
	if err != nil {
		return err
	}
	if err := b.rdb.LRem(ctx, b.key(roomID), 1, raw).Err(); err != nil {
		return fmt.Errorf("buffer remove: %w", err)
	}
	return nil
}

// Len returns the current entry count for the room.
func (b *RedisBuffer) Len(ctx context.Context, roomID string) (int, error) {
	n, err := b.rdb.LLen(ctx, b.key(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("buffer len: %w", err)
	}
	return int(n), nil
}

// Clear empties the room's list.
func (b *RedisBuffer) Clear(ctx context.Context, roomID string) error {
	if err := b.rdb.Del(ctx, b.key(roomID)).Err(); err != nil {
		return fmt.Errorf("buffer clear: %w", err)
	}
	return nil
}
