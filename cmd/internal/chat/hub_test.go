package chat

import (
	"testing"
	"time"

	v1 "hearth/shared/contracts/chat/v1"
)

func drainOne(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	default:
		t.Fatal("expected a queued envelope")
		return v1.Envelope{}
	}
}

func TestRoomJoinLeaveBroadcast(t *testing.T) {
	t.Parallel()

	room := NewRoom(nil, "r1", RoomDirect)
	a := NewClient("s-a", 4)
	b := NewClient("s-b", 4)

	room.Join(a)
	room.Join(b)
	if room.Len() != 2 {
		t.Fatalf("Len = %d, want 2", room.Len())
	}

	env := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: "r1", MessageID: "m1"}, time.Now().UTC())
	room.Broadcast(env)

	for _, c := range []*Client{a, b} {
		got := drainOne(t, c)
		if got.Type != v1.TypeMessageNew {
			t.Fatalf("type = %q, want message_new", got.Type)
		}
	}

	if remaining := room.Leave("s-a"); remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
	if remaining := room.Leave("s-b"); remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	// Leaving does not close the client; room switches reuse the connection.
	select {
	case <-a.Done():
		t.Fatal("Leave closed the client")
	default:
	}
}

func TestRoomBroadcastDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	room := NewRoom(nil, "r1", RoomDirect)
	c := NewClient("s-a", 1)
	room.Join(c)

	env := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: "r1"}, time.Now().UTC())
	room.Broadcast(env) // fills the queue
	room.Broadcast(env) // must not block
	room.Broadcast(env)

	if len(c.Send) != 1 {
		t.Fatalf("queued = %d, want 1 (rest dropped)", len(c.Send))
	}
}

func TestRoomBroadcastSkipsClosedClients(t *testing.T) {
	t.Parallel()

	room := NewRoom(nil, "r1", RoomDirect)
	c := NewClient("s-a", 4)
	room.Join(c)
	c.Close()

	env := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: "r1"}, time.Now().UTC())
	room.Broadcast(env)

	if len(c.Send) != 0 {
		t.Fatalf("closed client received %d envelopes", len(c.Send))
	}
}

func TestNilRoomIsSafe(t *testing.T) {
	t.Parallel()

	var r *Room
	r.Join(NewClient("s-a", 1))
	if r.Len() != 0 {
		t.Fatal("nil room Len != 0")
	}
	if r.Leave("s-a") != 0 {
		t.Fatal("nil room Leave != 0")
	}
	r.Broadcast(v1.Envelope{}) // must not panic
}

func TestHubPublish(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	room := hub.GetOrCreateRoom("r1", RoomDirect)
	if again := hub.GetOrCreateRoom("r1", RoomTribe); again != room {
		t.Fatal("GetOrCreateRoom not stable")
	}

	member := NewClient("s-member", 4)
	outsider := NewClient("s-outsider", 4)
	room.Join(member)
	hub.Register(member)
	hub.Register(outsider)

	env := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: "r1"}, time.Now().UTC())
	hub.Publish("r1", env)

	if len(member.Send) != 1 {
		t.Fatalf("member queued = %d, want 1", len(member.Send))
	}
	if len(outsider.Send) != 0 {
		t.Fatalf("outsider queued = %d, want 0", len(outsider.Send))
	}

	// Unknown rooms are a no-op.
	hub.Publish("r-missing", env)
}

func TestHubPublishAll(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	a := NewClient("s-a", 4)
	b := NewClient("s-b", 4)
	hub.Register(a)
	hub.Register(b)

	env := newEnvelope(v1.TypeLobbyUpdated, v1.LobbyUpdatedPayload{RoomID: "r1"}, time.Now().UTC())
	hub.PublishAll(env)

	if len(a.Send) != 1 || len(b.Send) != 1 {
		t.Fatalf("queued = %d/%d, want 1/1", len(a.Send), len(b.Send))
	}

	hub.Unregister("s-a")
	hub.PublishAll(env)
	if len(a.Send) != 1 {
		t.Fatalf("unregistered session still receiving: %d", len(a.Send))
	}
	if len(b.Send) != 2 {
		t.Fatalf("registered session missed fanout: %d", len(b.Send))
	}
}
