package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	v1 "hearth/shared/contracts/chat/v1"
)

// NATSRelay is a Broadcaster that fans events out to the local Hub and
// re-publishes them to NATS so other instances can do the same. Remote
// frames are folded back into the local hub only; they are never
// re-published (origin tagging breaks the loop).
//
// Subjects: <prefix>.room.<roomID> for room events, <prefix>.lobby for
// process-wide lobby updates. Room ids must therefore be NATS-token safe;
// ULID/uuid/hex room ids all qualify.
type NATSRelay struct {
	log      *slog.Logger
	hub      *Hub
	nc       *nats.Conn
	prefix   string
	instance string

	roomSub  *nats.Subscription
	lobbySub *nats.Subscription
}

type relayFrame struct {
	Origin string      `json:"origin"`
	RoomID string      `json:"room_id,omitempty"`
	All    bool        `json:"all,omitempty"`
	Env    v1.Envelope `json:"env"`
}

// RelayOption configures NATSRelay behavior.
type RelayOption func(*NATSRelay) error

// WithRelayPrefix sets the subject prefix (default "hearth.chat").
func WithRelayPrefix(prefix string) RelayOption {
	return func(r *NATSRelay) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" || strings.ContainsAny(prefix, " \t>*") {
			return errors.New("chat: invalid relay prefix")
		}
		r.prefix = prefix
		return nil
	}
}

// NewNATSRelay constructs a relay and subscribes to the remote-event subjects.
func NewNATSRelay(log *slog.Logger, hub *Hub, nc *nats.Conn, opts ...RelayOption) (*NATSRelay, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil || nc == nil {
		return nil, errors.New("chat: nil hub or nats conn")
	}

	r := &NATSRelay{
		log:      log,
		hub:      hub,
		nc:       nc,
		prefix:   "hearth.chat",
		instance: NewRandomHex(8),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	var err error
	r.roomSub, err = nc.Subscribe(r.prefix+".room.>", r.onRemote)
	if err != nil {
		return nil, fmt.Errorf("relay subscribe rooms: %w", err)
	}
	r.lobbySub, err = nc.Subscribe(r.prefix+".lobby", r.onRemote)
	if err != nil {
		_ = r.roomSub.Unsubscribe()
		return nil, fmt.Errorf("relay subscribe lobby: %w", err)
	}
	return r, nil
}

// Publish delivers locally and re-publishes for other instances.
func (r *NATSRelay) Publish(roomID string, env v1.Envelope) {
	r.hub.Publish(roomID, env)
	r.emit(r.prefix+".room."+roomID, relayFrame{Origin: r.instance, RoomID: roomID, Env: env})
}

// PublishAll delivers locally and re-publishes for other instances.
func (r *NATSRelay) PublishAll(env v1.Envelope) {
	r.hub.PublishAll(env)
	r.emit(r.prefix+".lobby", relayFrame{Origin: r.instance, All: true, Env: env})
}

// Close drops the subscriptions. The NATS connection is owned by the caller.
func (r *NATSRelay) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.roomSub != nil {
		errs = append(errs, r.roomSub.Unsubscribe())
	}
	if r.lobbySub != nil {
		errs = append(errs, r.lobbySub.Unsubscribe())
	}
	return errors.Join(errs...)
}

func (r *NATSRelay) emit(subject string, frame relayFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		r.log.Warn("chat.relay.encode.fail", "subject", subject, "err", err)
		return
	}
	// Cross-instance fanout is best-effort, same policy as local broadcast
	// backpressure drops.
	if err := r.nc.Publish(subject, raw); err != nil {
		r.log.Warn("chat.relay.publish.fail", "subject", subject, "err", err)
	}
}

func (r *NATSRelay) onRemote(msg *nats.Msg) {
	var frame relayFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		r.log.Warn("chat.relay.decode.fail", "subject", msg.Subject, "err", err)
		return
	}
	if frame.Origin == r.instance {
		return
	}
	if err := frame.Env.Validate(); err != nil {
		r.log.Warn("chat.relay.envelope.invalid", "subject", msg.Subject, "err", err)
		return
	}

	if frame.All {
		r.hub.PublishAll(frame.Env)
		return
	}
	r.hub.Publish(frame.RoomID, frame.Env)
}
