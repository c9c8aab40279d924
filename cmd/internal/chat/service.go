package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	v1 "hearth/shared/contracts/chat/v1"
)

// Identity is the sender reference carried by a send request.
type Identity struct {
	ID   string
	Name string
}

// SendInput describes an accepted-or-rejected message send.
type SendInput struct {
	RoomID   string
	Sender   Identity
	Body     string
	Kind     MessageKind
	FileURL  string
	ReplyRef *ReplyRef
}

// DeleteInput describes a delete request.
type DeleteInput struct {
	RoomID      string
	MessageID   string
	RequesterID string
	Scope       DeleteScope
}

// Deps are the collaborators a Service needs. Buffer, Messages, Lobby, and
// Rooms are required; the rest default to no-ops so dev mode works without
// the corresponding backends.
type Deps struct {
	Buffer   Buffer
	Messages MessageStore
	Lobby    LobbyStore
	Roles    RoleStore
	Objects  ObjectStore
	Notifier NotificationSink
	Rooms    Broadcaster

	// Buffered messages per room before a threshold flush (default 10).
	FlushThreshold int
}

// Service implements the send path, the flush triggers, and the delete
// reconciler for one buffer/durable-store pair. Direct rooms and tribe rooms
// each get their own Service wired over independent buffers.
//
// No in-process lock spans the send, flush, and delete actors; correctness
// comes from the buffer operations being safe to interleave.
type Service struct {
	log     *slog.Logger
	buf     Buffer
	store   MessageStore
	lobby   LobbyStore
	roles   RoleStore
	objects ObjectStore
	notify  NotificationSink
	rooms   Broadcaster
	flusher *Flusher

	now   func() time.Time
	newID func(time.Time) (string, error)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the service clock (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDFunc overrides message id assignment (tests).
func WithIDFunc(fn func(time.Time) (string, error)) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs a Service from its collaborators.
func NewService(log *slog.Logger, deps Deps, opts ...ServiceOption) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Buffer == nil || deps.Messages == nil || deps.Lobby == nil || deps.Rooms == nil {
		return nil, OpError{Op: "chat.NewService", Kind: ErrInvalidInput, Msg: "missing required dependency"}
	}
	if deps.Objects == nil {
		deps.Objects = NopObjectStore{}
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}

	s := &Service{
		log:     log,
		buf:     deps.Buffer,
		store:   deps.Messages,
		lobby:   deps.Lobby,
		roles:   deps.Roles,
		objects: deps.Objects,
		notify:  deps.Notifier,
		rooms:   deps.Rooms,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   NewMessageID,
	}
	s.flusher = NewFlusher(log, deps.Buffer, deps.Messages, deps.Lobby, deps.FlushThreshold)

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Send accepts a message through the buffered path.
//
// Order is load-bearing: buffer append is the only terminal step; broadcast
// happens before any durability step; lobby update, notifications, and the
// threshold flush are best-effort. A send therefore appears to succeed the
// moment the buffer accepted it.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "chat.Send"

	msg, err := s.buildMessage(op, in)
	if err != nil {
		sendsRejected.Inc()
		return Message{}, err
	}

	if err := s.buf.Append(ctx, msg.RoomID, msg); err != nil {
		sendsRejected.Inc()
		return Message{}, storageErr(op, err)
	}
	sendsAccepted.Inc()

	s.broadcastNew(msg)
	s.updateLobby(ctx, msg)
	s.bestEffort(ctx, "notify", func(ctx context.Context) error {
		return s.notify.NotifyParticipants(ctx, msg.RoomID, msg.SenderID, msg.Preview())
	})

	if _, err := s.flusher.FlushIfFull(ctx, msg.RoomID); err != nil {
		// Recoverable: the batch stays buffered for the next trigger.
		s.log.Warn("chat.flush.fail", "room_id", msg.RoomID, "err", err)
	}

	return msg, nil
}

// SendDirect writes a message straight to durable storage, bypassing the
// buffer (tribe announcement paths). It still updates the lobby and clears
// stale per-user deletion markers, identically to the buffered path.
func (s *Service) SendDirect(ctx context.Context, in SendInput) (Message, error) {
	const op = "chat.SendDirect"

	msg, err := s.buildMessage(op, in)
	if err != nil {
		sendsRejected.Inc()
		return Message{}, err
	}

	if err := s.store.InsertMany(ctx, []Message{msg}); err != nil {
		sendsRejected.Inc()
		return Message{}, storageErr(op, err)
	}
	sendsAccepted.Inc()

	s.broadcastNew(msg)
	s.updateLobby(ctx, msg)
	s.bestEffort(ctx, "notify", func(ctx context.Context) error {
		return s.notify.NotifyParticipants(ctx, msg.RoomID, msg.SenderID, msg.Preview())
	})

	return msg, nil
}

// Delete reconciles a delete request against the buffer and durable storage.
//
// The buffer scan is best-effort: a flush completing between the client's
// request and the scan moves the target into durable storage, where the
// fallback below finds it. That race is tolerated, not prevented.
func (s *Service) Delete(ctx context.Context, in DeleteInput) error {
	const op = "chat.Delete"

	if in.RoomID == "" || in.MessageID == "" || in.RequesterID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing room, message or requester id"}
	}
	scope := in.Scope
	if scope == "" {
		scope = DeleteForSelf
	}
	if scope != DeleteForSelf && scope != DeleteForEveryone {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "bad scope"}
	}

	// Fast path: recent messages are most likely still buffered. Only the
	// requester's own messages qualify here.
	entries, err := s.buf.ReadAll(ctx, in.RoomID)
	if err != nil {
		deletesByOutcome.WithLabelValues("error").Inc()
		return storageErr(op, err)
	}
	for _, e := range entries {
		if e.ID != in.MessageID || e.SenderID != in.RequesterID {
			continue
		}
		if err := s.buf.Remove(ctx, in.RoomID, e); err != nil {
			deletesByOutcome.WithLabelValues("error").Inc()
			return storageErr(op, err)
		}
		if err := s.recomputeLobby(ctx, op, in.RoomID, e.ID); err != nil {
			deletesByOutcome.WithLabelValues("error").Inc()
			return err
		}
		deletesByOutcome.WithLabelValues("buffer").Inc()
		s.broadcastDeleted(in.RoomID, e.ID)
		return nil
	}

	msg, err := s.store.FindByID(ctx, in.MessageID)
	if IsNotFound(err) {
		deletesByOutcome.WithLabelValues("not_found").Inc()
		return OpError{Op: op, Kind: ErrNotFound, Msg: "message absent from buffer and durable storage"}
	}
	if err != nil {
		deletesByOutcome.WithLabelValues("error").Inc()
		return storageErr(op, err)
	}

	if scope == DeleteForEveryone {
		if age := s.now().Sub(msg.CreatedAt); age > deleteWindow {
			admin := false
			if s.roles != nil {
				admin, err = s.roles.IsRoomAdmin(ctx, in.RoomID, in.RequesterID)
				if err != nil {
					deletesByOutcome.WithLabelValues("error").Inc()
					return storageErr(op, err)
				}
			}
			if !admin {
				deletesByOutcome.WithLabelValues("window_expired").Inc()
				return OpError{Op: op, Kind: ErrWindowExpired}
			}
		}
	}

	if msg.Kind == KindFile && scope == DeleteForEveryone && msg.FileURL != "" {
		// File-store inconsistency is an accepted, logged risk.
		s.bestEffort(ctx, "object.delete", func(ctx context.Context) error {
			return s.objects.DeleteObject(ctx, msg.FileURL)
		})
	}

	if err := s.store.DeleteByID(ctx, in.MessageID); err != nil {
		deletesByOutcome.WithLabelValues("error").Inc()
		return storageErr(op, err)
	}
	if err := s.recomputeLobby(ctx, op, in.RoomID, in.MessageID); err != nil {
		deletesByOutcome.WithLabelValues("error").Inc()
		return err
	}
	deletesByOutcome.WithLabelValues("durable").Inc()
	s.broadcastDeleted(in.RoomID, in.MessageID)
	return nil
}

// MarkSeen sets the seen flag on a durable message and echoes the event to
// the room.
func (s *Service) MarkSeen(ctx context.Context, roomID, messageID string) error {
	const op = "chat.MarkSeen"

	if roomID == "" || messageID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing room or message id"}
	}
	if err := s.store.UpdateSeen(ctx, messageID); err != nil {
		if IsNotFound(err) {
			return OpError{Op: op, Kind: ErrNotFound}
		}
		return storageErr(op, err)
	}

	s.rooms.Publish(roomID, newEnvelope(v1.TypeMessageSeen, v1.MessageSeenPayload{
		RoomID:    roomID,
		MessageID: messageID,
	}, s.now()))
	return nil
}

// History returns durable room history with clamped limits.
func (s *Service) History(ctx context.Context, q RoomQuery) ([]Message, error) {
	const op = "chat.History"

	if q.RoomID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing room id"}
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Skip < 0 {
		q.Skip = 0
	}

	msgs, err := s.store.FindByRoom(ctx, q)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return msgs, nil
}

// FlushOnDisconnect force-flushes a room when its last participant leaves.
// Failures are logged only; the buffer TTL and later triggers bound the risk.
func (s *Service) FlushOnDisconnect(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectFlushTimeout)
	defer cancel()

	if err := s.flusher.Flush(ctx, roomID); err != nil {
		s.log.Warn("chat.disconnect_flush.fail", "room_id", roomID, "err", err)
	}
}

// ---- internals ----

func (s *Service) buildMessage(op string, in SendInput) (Message, error) {
	roomID := strings.TrimSpace(in.RoomID)
	if roomID == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing room id"}
	}
	if err := validateIdentityRef(in.Sender.ID); err != nil {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	kind := in.Kind
	if kind == "" {
		kind = KindText
	}
	if kind != KindText && kind != KindFile {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "bad message kind"}
	}

	body := strings.TrimSpace(in.Body)
	if body == "" && kind != KindFile {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty body"}
	}
	if len([]rune(body)) > maxMessageChars {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "body too long"}
	}
	if kind == KindFile && strings.TrimSpace(in.FileURL) == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "file message without file url"}
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Message{}, storageErr(op, err)
	}

	return Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   strings.TrimSpace(in.Sender.ID),
		SenderName: strings.TrimSpace(in.Sender.Name),
		Body:       body,
		Kind:       kind,
		FileURL:    strings.TrimSpace(in.FileURL),
		CreatedAt:  now,
		ReplyRef:   in.ReplyRef,
	}, nil
}

// recomputeLobby repairs the lobby summary after a delete. If the deleted
// message was the one referenced as last message, the summary moves to the
// next-most-recent survivor (remaining buffer tail, then durable storage) or
// goes blank when none remains.
func (s *Service) recomputeLobby(ctx context.Context, op, roomID, deletedID string) error {
	sum, err := s.lobby.Get(ctx, roomID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return storageErr(op, err)
	}
	if sum.LastMessageID != deletedID {
		return nil
	}

	var next *Message
	entries, err := s.buf.ReadAll(ctx, roomID)
	if err != nil {
		// Falls through to durable storage; the buffer survivor, if any, is lost
		// to this recompute but lands on the next flush.
		s.log.Warn("chat.best_effort.fail", "step", "lobby.recompute.buffer_read", "room_id", roomID, "err", err)
	} else if len(entries) > 0 {
		next = &entries[len(entries)-1]
	}
	if next == nil {
		rows, err := s.store.FindByRoom(ctx, RoomQuery{RoomID: roomID, Descending: true, Limit: 1})
		if err != nil {
			return storageErr(op, err)
		}
		if len(rows) > 0 {
			next = &rows[0]
		}
	}

	up := LobbyUpdate{LastUpdated: s.now()}
	if next != nil {
		up = LobbyUpdate{
			LastMessage:   next.Preview(),
			LastMessageID: next.ID,
			LastUpdated:   next.CreatedAt,
		}
	}
	if err := s.lobby.Upsert(ctx, roomID, up); err != nil {
		return storageErr(op, err)
	}
	s.publishLobby(roomID, up)
	return nil
}

func (s *Service) broadcastNew(m Message) {
	var ref *v1.ReplyRefPayload
	if m.ReplyRef != nil {
		ref = &v1.ReplyRefPayload{
			MessageID: m.ReplyRef.MessageID,
			SenderID:  m.ReplyRef.SenderID,
			Preview:   m.ReplyRef.Preview,
		}
	}
	s.rooms.Publish(m.RoomID, newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{
		RoomID:     m.RoomID,
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		Kind:       string(m.Kind),
		FileURL:    m.FileURL,
		ReplyRef:   ref,
		CreatedAt:  m.CreatedAt,
	}, m.CreatedAt))
}

func (s *Service) broadcastDeleted(roomID, messageID string) {
	s.rooms.Publish(roomID, newEnvelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		RoomID:    roomID,
		MessageID: messageID,
	}, s.now()))
}

// updateLobby is the best-effort post-accept lobby step: upsert the summary
// (clearing per-user hidden markers) and announce it process-wide.
func (s *Service) updateLobby(ctx context.Context, m Message) {
	up := LobbyUpdate{
		LastMessage:     m.Preview(),
		LastMessageID:   m.ID,
		LastUpdated:     m.CreatedAt,
		ClearDeletedFor: true,
		IfNewer:         true,
	}
	s.bestEffort(ctx, "lobby.update", func(ctx context.Context) error {
		if err := s.lobby.Upsert(ctx, m.RoomID, up); err != nil {
			return err
		}
		s.publishLobby(m.RoomID, up)
		return nil
	})
}

func (s *Service) publishLobby(roomID string, up LobbyUpdate) {
	s.rooms.PublishAll(newEnvelope(v1.TypeLobbyUpdated, v1.LobbyUpdatedPayload{
		RoomID:        roomID,
		LastMessage:   up.LastMessage,
		LastMessageID: up.LastMessageID,
		LastUpdated:   up.LastUpdated,
	}, s.now()))
}

// bestEffort runs a non-terminal step with a bounded timeout. Failures are
// logged and never surfaced as a failure of the operation the user invoked.
// The step survives caller cancellation so an abrupt disconnect cannot skip it.
func (s *Service) bestEffort(parent context.Context, step string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), bestEffortTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.log.Warn("chat.best_effort.fail", "step", step, "err", err)
	}
}

// newEnvelope wraps a payload into the canonical wire envelope.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}
}
