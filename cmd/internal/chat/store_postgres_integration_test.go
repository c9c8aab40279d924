package chat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when HEARTH_DATABASE_URL is set.
// This keeps local "go test ./..." fast and deterministic without Postgres.

func TestPostgresStoreInsertManyDedupe(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room := "it-room-" + NewRandomHex(6)
	batch := integrationBatch(room, 3)

	if err := store.InsertMany(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Flush-retry path: the identical batch again must be a clean no-op.
	if err := store.InsertMany(ctx, batch); err != nil {
		t.Fatalf("repeat insert: %v", err)
	}

	rows, err := store.FindByRoom(ctx, RoomQuery{RoomID: room})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("count = %d, want 3", len(rows))
	}
}

func TestPostgresStoreDeleteAndSeen(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room := "it-room-" + NewRandomHex(6)
	batch := integrationBatch(room, 2)
	if err := store.InsertMany(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.UpdateSeen(ctx, batch[0].ID); err != nil {
		t.Fatalf("seen: %v", err)
	}
	got, err := store.FindByID(ctx, batch[0].ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Seen {
		t.Fatal("seen flag not persisted")
	}

	if err := store.DeleteByID(ctx, batch[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.FindByID(ctx, batch[0].ID); !IsNotFound(err) {
		t.Fatalf("deleted row still found: %v", err)
	}
	// Absent ids stay a no-op.
	if err := store.DeleteByID(ctx, batch[0].ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if err := store.UpdateSeen(ctx, batch[0].ID); !IsNotFound(err) {
		t.Fatalf("seen on deleted row: %v", err)
	}
}

func TestPostgresLobbyStoreUpsertAndClear(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	lobby, err := NewPostgresLobbyStore(pool, WithLobbySchema(schema))
	if err != nil {
		t.Fatalf("new lobby store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room := "it-room-" + NewRandomHex(6)
	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := lobby.Get(ctx, room); !IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}

	up := LobbyUpdate{LastMessage: "hi", LastMessageID: "m1", LastUpdated: now, ClearDeletedFor: true}
	if err := lobby.Upsert(ctx, room, up); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sum, err := lobby.Get(ctx, room)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sum.LastMessageID != "m1" || sum.LastMessage != "hi" {
		t.Fatalf("summary mismatch: %+v", sum)
	}
	if len(sum.DeletedFor) != 0 {
		t.Fatalf("deleted_for not cleared: %v", sum.DeletedFor)
	}

	blank := LobbyUpdate{LastUpdated: now.Add(time.Minute)}
	if err := lobby.Upsert(ctx, room, blank); err != nil {
		t.Fatalf("blank upsert: %v", err)
	}
	sum, _ = lobby.Get(ctx, room)
	if sum.LastMessageID != "" || sum.LastMessage != "" {
		t.Fatalf("blank update did not blank: %+v", sum)
	}

	// Advance-only updates never move the summary backwards, even while
	// they still reset the hidden list.
	newest := LobbyUpdate{LastMessage: "newest", LastMessageID: "m2", LastUpdated: now.Add(time.Hour)}
	if err := lobby.Upsert(ctx, room, newest); err != nil {
		t.Fatalf("upsert newest: %v", err)
	}
	stale := LobbyUpdate{LastMessage: "stale", LastMessageID: "m1", LastUpdated: now, ClearDeletedFor: true, IfNewer: true}
	if err := lobby.Upsert(ctx, room, stale); err != nil {
		t.Fatalf("stale if-newer upsert: %v", err)
	}
	sum, _ = lobby.Get(ctx, room)
	if sum.LastMessageID != "m2" || sum.LastMessage != "newest" {
		t.Fatalf("if-newer upsert rewound summary: %+v", sum)
	}
	if !sum.LastUpdated.Equal(now.Add(time.Hour)) {
		t.Fatalf("if-newer upsert changed last_updated: %v", sum.LastUpdated)
	}

	ahead := LobbyUpdate{LastMessage: "ahead", LastMessageID: "m3", LastUpdated: now.Add(2 * time.Hour), IfNewer: true}
	if err := lobby.Upsert(ctx, room, ahead); err != nil {
		t.Fatalf("ahead if-newer upsert: %v", err)
	}
	sum, _ = lobby.Get(ctx, room)
	if sum.LastMessageID != "m3" {
		t.Fatalf("if-newer upsert did not advance: %+v", sum)
	}
}

func TestPostgresRoleStore(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	roles, err := NewPostgresRoleStore(pool, WithRoleSchema(schema))
	if err != nil {
		t.Fatalf("new role store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room := "it-room-" + NewRandomHex(6)

	ok, err := roles.IsRoomAdmin(ctx, room, "u1")
	if err != nil || ok {
		t.Fatalf("ungranted admin: %v, %v", ok, err)
	}

	admins := pgIdent(schema, "room_admins")
	if _, err := pool.Exec(ctx, `INSERT INTO `+admins+` (room_id, user_id) VALUES ($1, $2)`, room, "u1"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ok, err = roles.IsRoomAdmin(ctx, room, "u1")
	if err != nil || !ok {
		t.Fatalf("granted admin: %v, %v", ok, err)
	}
}

// ---- helpers ----

func integrationBatch(roomID string, n int) []Message {
	base := time.Now().UTC().Truncate(time.Microsecond)
	out := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Message{
			ID:        fmt.Sprintf("it-m-%s-%04d", NewRandomHex(4), i),
			RoomID:    roomID,
			SenderID:  "u1",
			Body:      fmt.Sprintf("msg %d", i),
			Kind:      KindText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HEARTH_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HEARTH_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse HEARTH_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "hearth_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	messages := pgIdent(schema, "messages")
	lobbies := pgIdent(schema, "lobbies")
	admins := pgIdent(schema, "room_admins")

	// Minimal schema required by the stores.
	// Must remain semantically aligned with infra/db/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  room_id         TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  sender_name     TEXT NOT NULL DEFAULT '',
  body            TEXT NOT NULL DEFAULT '',
  kind            TEXT NOT NULL CHECK (kind IN ('text', 'file')),
  file_url        TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL,
  seen            BOOLEAN NOT NULL DEFAULT FALSE,
  reply_to_id     TEXT,
  reply_to_sender TEXT,
  reply_preview   TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created
  ON %s (room_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS %s (
  room_id         TEXT PRIMARY KEY,
  last_message    TEXT NOT NULL DEFAULT '',
  last_message_id TEXT,
  last_updated    TIMESTAMPTZ,
  deleted_for     TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS %s (
  room_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  PRIMARY KEY (room_id, user_id)
);
`, messages, messages, lobbies, admins)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
