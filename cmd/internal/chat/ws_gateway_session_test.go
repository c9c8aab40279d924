package chat

// End-to-end gateway tests over a real WebSocket dial. Everything runs
// against in-memory backends, so no external services are required.

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "hearth/shared/contracts/chat/v1"
)

type gatewaySessionFixture struct {
	store *MemoryStore
	buf   *MemoryBuffer
	srv   *httptest.Server
}

func newGatewaySessionFixture(t *testing.T) *gatewaySessionFixture {
	t.Helper()

	t.Setenv("HEARTH_WS_ORIGIN_REQUIRED", "false")

	f := &gatewaySessionFixture{
		store: NewMemoryStore(),
		buf:   NewMemoryBuffer(time.Hour),
	}

	hub := NewHub(nil)

	direct, err := NewService(nil, Deps{
		Buffer:         f.buf,
		Messages:       f.store,
		Lobby:          f.store,
		Roles:          NewMemoryRoles(),
		Rooms:          hub,
		FlushThreshold: 10,
	})
	if err != nil {
		t.Fatalf("NewService direct: %v", err)
	}
	tribe, err := NewService(nil, Deps{
		Buffer:         NewMemoryBuffer(time.Hour),
		Messages:       f.store,
		Lobby:          f.store,
		Roles:          NewMemoryRoles(),
		Rooms:          hub,
		FlushThreshold: 10,
	})
	if err != nil {
		t.Fatalf("NewService tribe: %v", err)
	}

	f.srv = httptest.NewServer(NewWSGateway(nil, hub, direct, tribe))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *gatewaySessionFixture) dial(ctx context.Context, t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeClientEnvelope(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", typ, err)
	}
	data, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		t.Fatalf("marshal %s envelope: %v", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil skips unrelated server events until one of the wanted type
// arrives. An error envelope fails the test immediately.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal waiting for %s: %v", typ, err)
		}
		if env.Type == v1.TypeError {
			t.Fatalf("server error while waiting for %s: %s", typ, string(env.Payload))
		}
		if env.Type == typ {
			return env
		}
	}
}

func helloAndJoin(ctx context.Context, t *testing.T, conn *websocket.Conn, userID, roomID string) {
	t.Helper()

	writeClientEnvelope(ctx, t, conn, v1.TypeHello, v1.HelloPayload{UserID: userID})
	readUntil(ctx, t, conn, v1.TypeHelloAck)

	writeClientEnvelope(ctx, t, conn, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID})
	readUntil(ctx, t, conn, v1.TypeRoomJoin)
}

func sendAndAck(ctx context.Context, t *testing.T, conn *websocket.Conn, roomID, body string) string {
	t.Helper()

	writeClientEnvelope(ctx, t, conn, v1.TypeMessageSend, v1.MessageSendPayload{RoomID: roomID, Body: body})
	env := readUntil(ctx, t, conn, v1.TypeMessageAck)

	var ack v1.MessageAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.MessageID == "" {
		t.Fatal("ack missing message id")
	}
	return ack.MessageID
}

// waitForDurable polls until the room holds want durable rows. Disconnect
// cleanup runs on the server's read-loop goroutine after the close frame.
func (f *gatewaySessionFixture) waitForDurable(t *testing.T, roomID string, want int) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		rows, err := f.store.FindByRoom(context.Background(), RoomQuery{RoomID: roomID})
		if err == nil && len(rows) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("durable count = %d, want %d", len(rows), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewayDisconnectFlushesEmptiedRoom(t *testing.T) {
	f := newGatewaySessionFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(ctx, t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	room := "sess-room-" + NewRandomHex(4)
	helloAndJoin(ctx, t, conn, "sess-user-a", room)

	sendAndAck(ctx, t, conn, room, "first")
	sendAndAck(ctx, t, conn, room, "second")

	// Below threshold: nothing durable yet.
	rows, err := f.store.FindByRoom(ctx, RoomQuery{RoomID: room})
	if err != nil {
		t.Fatalf("FindByRoom: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("durable count before disconnect = %d, want 0", len(rows))
	}
	if n, _ := f.buf.Len(ctx, room); n != 2 {
		t.Fatalf("buffer len = %d, want 2", n)
	}

	if err := conn.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("close: %v", err)
	}

	f.waitForDurable(t, room, 2)
	if n, _ := f.buf.Len(context.Background(), room); n != 0 {
		t.Fatalf("buffer len after disconnect = %d, want 0", n)
	}
}

func TestGatewayDisconnectSkipsFlushWhileRoomOccupied(t *testing.T) {
	f := newGatewaySessionFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room := "sess-room-" + NewRandomHex(4)

	connA := f.dial(ctx, t)
	defer connA.Close(websocket.StatusNormalClosure, "")
	helloAndJoin(ctx, t, connA, "sess-user-a", room)

	connB := f.dial(ctx, t)
	defer connB.Close(websocket.StatusNormalClosure, "")
	helloAndJoin(ctx, t, connB, "sess-user-b", room)

	sendAndAck(ctx, t, connA, room, "still buffered")

	if err := connA.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("close A: %v", err)
	}

	// B is still in the room, so A's departure must not force a flush.
	sendAndAck(ctx, t, connB, room, "keepalive")
	time.Sleep(100 * time.Millisecond)

	if n, _ := f.buf.Len(context.Background(), room); n != 2 {
		t.Fatalf("buffer len = %d, want 2 (no flush while occupied)", n)
	}
	rows, _ := f.store.FindByRoom(context.Background(), RoomQuery{RoomID: room})
	if len(rows) != 0 {
		t.Fatalf("durable count = %d, want 0", len(rows))
	}
}

func TestGatewayRoomSwitchFlushesEmptiedRoom(t *testing.T) {
	f := newGatewaySessionFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(ctx, t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	roomA := "sess-room-a-" + NewRandomHex(4)
	roomB := "sess-room-b-" + NewRandomHex(4)

	helloAndJoin(ctx, t, conn, "sess-user-a", roomA)
	sendAndAck(ctx, t, conn, roomA, "left behind")

	writeClientEnvelope(ctx, t, conn, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomB})
	readUntil(ctx, t, conn, v1.TypeRoomJoin)

	f.waitForDurable(t, roomA, 1)
	if n, _ := f.buf.Len(context.Background(), roomA); n != 0 {
		t.Fatalf("old room buffer len = %d, want 0", n)
	}

	// The switched session keeps working in the new room.
	sendAndAck(ctx, t, conn, roomB, "hello b")
}
