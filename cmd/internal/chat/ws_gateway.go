package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "hearth/shared/contracts/chat/v1"
)

const (
	wsSubprotocolV1 = "hearth.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Hearth chat.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the direct or tribe chat service. The
// disconnect handler owns the forced buffer flush when a room empties out.
type WSGateway struct {
	log    *slog.Logger
	hub    *Hub
	direct *Service
	tribe  *Service

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, direct, tribe *Service) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, direct: direct, tribe: tribe}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("HEARTH_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HEARTH_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HEARTH_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HEARTH_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HEARTH_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("HEARTH_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HEARTH_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HEARTH_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HEARTH_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HEARTH_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := uuid.NewString()
	client := NewClient(sessionID, g.sendQueueSize)
	g.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    *Room
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	// Disconnect flush is part of cleanup: a room left empty gets its buffer
	// forced into durable storage regardless of length.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				remaining := joined.Leave(sessionID)
				if remaining == 0 {
					g.svcFor(joined.Kind).FlushOnDisconnect(joined.ID)
				}
				joined = nil
			}
			g.hub.Unregister(sessionID)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeRoomJoin:
			if client.UserID == "" {
				g.trySendError(ctx, client, "not_identified", "hello first")
				continue readLoop
			}
			room, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

			// Membership stability: leave the old room before switching.
			// An emptied room gets its disconnect flush here too.
			if joined != nil && joined.ID != room.ID {
				if joined.Leave(sessionID) == 0 {
					g.svcFor(joined.Kind).FlushOnDisconnect(joined.ID)
				}
			}
			joined = room

		case v1.TypeMessageSend:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onSend(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageDelete:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onDelete(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageSeen:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onSeen(ctx, joined, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeTypingStarted, v1.TypeTypingStopped:
			if joined == nil {
				continue readLoop
			}
			g.onTyping(client, joined, env.Type)

		case v1.TypeRoomHistoryFetch:
			if joined == nil {
				g.trySendError(ctx, client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, client, joined, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) svcFor(kind RoomKind) *Service {
	if kind == RoomTribe && g.tribe != nil {
		return g.tribe
	}
	return g.direct
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if err := validateIdentityRef(p.UserID); err != nil {
		return err
	}
	client.UserID = strings.TrimSpace(p.UserID)
	client.DisplayName = strings.TrimSpace(p.DisplayName)

	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID}, time.Now().UTC())
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello ack")
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return nil, errors.New("missing room_id")
	}
	kind := RoomKind(p.Kind)
	switch kind {
	case "", RoomDirect:
		kind = RoomDirect
	case RoomTribe:
	default:
		return nil, fmt.Errorf("unknown room kind: %q", p.Kind)
	}

	room := g.hub.GetOrCreateRoom(roomID, kind)
	room.Join(client)

	echo := newEnvelope(v1.TypeRoomJoin, v1.RoomJoinPayload{
		RoomID: room.ID,
		Kind:   string(room.Kind),
	}, time.Now().UTC())

	if !g.enqueue(ctx, client, echo) {
		room.Leave(client.SessionID)
		return nil, errors.New("backpressure: join echo")
	}

	return room, nil
}

func (g *WSGateway) onSend(ctx context.Context, client *Client, room *Room, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomID) == "" || p.RoomID != room.ID {
		return errors.New("invalid room_id")
	}

	var ref *ReplyRef
	if p.ReplyRef != nil {
		ref = &ReplyRef{
			MessageID: p.ReplyRef.MessageID,
			SenderID:  p.ReplyRef.SenderID,
			Preview:   p.ReplyRef.Preview,
		}
	}

	msg, err := g.svcFor(room.Kind).Send(ctx, SendInput{
		RoomID:   room.ID,
		Sender:   Identity{ID: client.UserID, Name: client.DisplayName},
		Body:     p.Body,
		Kind:     MessageKind(p.Kind),
		FileURL:  p.FileURL,
		ReplyRef: ref,
	})
	if err != nil {
		return err
	}

	// The ack carries the assigned id; the broadcast already went out with
	// the same id inside Service.Send.
	ack := newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
	}, msg.CreatedAt)

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *WSGateway) onDelete(ctx context.Context, client *Client, room *Room, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.RoomID) == "" || p.RoomID != room.ID {
		return errors.New("invalid room_id")
	}

	return g.svcFor(room.Kind).Delete(ctx, DeleteInput{
		RoomID:      room.ID,
		MessageID:   strings.TrimSpace(p.MessageID),
		RequesterID: client.UserID,
		Scope:       DeleteScope(p.Scope),
	})
}

func (g *WSGateway) onSeen(ctx context.Context, room *Room, env v1.Envelope) error {
	var p v1.MessageSeenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.RoomID != room.ID {
		return errors.New("invalid room_id")
	}
	return g.svcFor(room.Kind).MarkSeen(ctx, room.ID, strings.TrimSpace(p.MessageID))
}

func (g *WSGateway) onTyping(client *Client, room *Room, typ string) {
	room.Broadcast(newEnvelope(typ, v1.TypingPayload{
		RoomID: room.ID,
		UserID: client.UserID,
	}, time.Now().UTC()))
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, room *Room, env v1.Envelope) error {
	var p v1.RoomHistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if p.RoomID != room.ID {
		return errors.New("not a member of room_id")
	}

	msgs, err := g.svcFor(room.Kind).History(ctx, RoomQuery{
		RoomID:     room.ID,
		Descending: true,
		Limit:      p.Limit,
		Skip:       p.Skip,
	})
	if err != nil {
		return err
	}

	out := make([]v1.MessageNewPayload, 0, len(msgs))
	for _, m := range msgs {
		var ref *v1.ReplyRefPayload
		if m.ReplyRef != nil {
			ref = &v1.ReplyRefPayload{
				MessageID: m.ReplyRef.MessageID,
				SenderID:  m.ReplyRef.SenderID,
				Preview:   m.ReplyRef.Preview,
			}
		}
		out = append(out, v1.MessageNewPayload{
			RoomID:     m.RoomID,
			MessageID:  m.ID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Body:       m.Body,
			Kind:       string(m.Kind),
			FileURL:    m.FileURL,
			ReplyRef:   ref,
			CreatedAt:  m.CreatedAt,
		})
	}

	chunk := newEnvelope(v1.TypeRoomHistoryChunk, v1.RoomHistoryChunkPayload{
		RoomID:   room.ID,
		Messages: out,
	}, time.Now().UTC())

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func errorCode(err error) string {
	switch {
	case IsInvalidInput(err):
		return "invalid_input"
	case IsNotFound(err):
		return "not_found"
	case IsWindowExpired(err):
		return "window_expired"
	case IsStorage(err):
		return "storage_failure"
	default:
		return "operation_failed"
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
