package chat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Integration tests are enabled when HEARTH_REDIS_ADDR is set.

func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("HEARTH_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: HEARTH_REDIS_ADDR is not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func mustNewTestRedisBuffer(t *testing.T, rdb *redis.Client) (*RedisBuffer, string) {
	t.Helper()

	prefix := "hearth:it:" + strings.ToLower(NewRandomHex(6)) + ":"
	buf, err := NewRedisBuffer(rdb, WithBufferPrefix(prefix), WithBufferTTL(time.Minute))
	if err != nil {
		t.Fatalf("new redis buffer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keys, _ := rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
	})
	return buf, prefix
}

func TestRedisBufferAppendReadRemove(t *testing.T) {
	t.Parallel()

	rdb := mustOpenTestRedis(t)
	buf, _ := mustNewTestRedisBuffer(t, rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room := "it-room-" + NewRandomHex(6)
	msgs := make([]Message, 0, 3)
	for i := 1; i <= 3; i++ {
		m := testMessage(fmt.Sprintf("it-m-%d", i), room, "u1", fmt.Sprintf("msg %d", i))
		msgs = append(msgs, m)
		if err := buf.Append(ctx, room, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if n, err := buf.Len(ctx, room); err != nil || n != 3 {
		t.Fatalf("len = %d, %v; want 3", n, err)
	}

	got, err := buf.ReadAll(ctx, room)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	for i := range got {
		if got[i].ID != msgs[i].ID {
			t.Fatalf("order broken at %d: got %q want %q", i, got[i].ID, msgs[i].ID)
		}
	}

	// Remove the middle entry by value; order of survivors holds.
	if err := buf.Remove(ctx, room, msgs[1]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = buf.ReadAll(ctx, room)
	if len(got) != 2 || got[0].ID != msgs[0].ID || got[1].ID != msgs[2].ID {
		t.Fatalf("survivors wrong: %+v", got)
	}

	// LREM on an absent value is a no-op.
	if err := buf.Remove(ctx, room, msgs[1]); err != nil {
		t.Fatalf("repeat remove: %v", err)
	}
	if n, _ := buf.Len(ctx, room); n != 2 {
		t.Fatalf("len after repeat remove = %d, want 2", n)
	}

	if err := buf.Clear(ctx, room); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := buf.Len(ctx, room); n != 0 {
		t.Fatalf("len after clear = %d, want 0", n)
	}
}

func TestRedisBufferPrefixIsolation(t *testing.T) {
	t.Parallel()

	rdb := mustOpenTestRedis(t)
	direct, _ := mustNewTestRedisBuffer(t, rdb)
	tribe, _ := mustNewTestRedisBuffer(t, rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Same room id, different keyspaces: the buffers never see each other.
	room := "it-room-" + NewRandomHex(6)
	if err := direct.Append(ctx, room, testMessage("it-d-1", room, "u1", "direct")); err != nil {
		t.Fatalf("append direct: %v", err)
	}
	if err := tribe.Append(ctx, room, testMessage("it-t-1", room, "u1", "tribe")); err != nil {
		t.Fatalf("append tribe: %v", err)
	}

	d, _ := direct.ReadAll(ctx, room)
	g, _ := tribe.ReadAll(ctx, room)
	if len(d) != 1 || d[0].ID != "it-d-1" {
		t.Fatalf("direct keyspace polluted: %+v", d)
	}
	if len(g) != 1 || g[0].ID != "it-t-1" {
		t.Fatalf("tribe keyspace polluted: %+v", g)
	}

	if err := direct.Clear(ctx, room); err != nil {
		t.Fatalf("clear direct: %v", err)
	}
	if n, _ := tribe.Len(ctx, room); n != 1 {
		t.Fatalf("clearing direct touched tribe: len = %d", n)
	}
}

func TestRedisBufferTTL(t *testing.T) {
	t.Parallel()

	rdb := mustOpenTestRedis(t)

	prefix := "hearth:it:" + strings.ToLower(NewRandomHex(6)) + ":"
	buf, err := NewRedisBuffer(rdb, WithBufferPrefix(prefix), WithBufferTTL(time.Second))
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room := "it-room-" + NewRandomHex(6)
	if err := buf.Append(ctx, room, testMessage("it-ttl-1", room, "u1", "fading")); err != nil {
		t.Fatalf("append: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if n, err := buf.Len(ctx, room); err != nil || n != 0 {
		t.Fatalf("len after ttl = %d, %v; want 0", n, err)
	}
}
