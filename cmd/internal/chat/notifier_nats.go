package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSNotifier publishes notification records to a NATS subject per room.
// A separate notification service consumes these and fans out to push
// providers; losing one is acceptable, the send path never blocks on it.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

type notifyRecord struct {
	RoomID    string    `json:"room_id"`
	ExcludeID string    `json:"exclude_user_id,omitempty"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// NewNATSNotifier builds a notifier over an existing connection.
// The connection is owned by the caller.
func NewNATSNotifier(nc *nats.Conn, subjectPrefix string) (*NATSNotifier, error) {
	if nc == nil {
		return nil, OpError{Op: "chat.NewNATSNotifier", Kind: ErrInvalidInput, Msg: "nil nats conn"}
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "hearth.chat"
	}
	return &NATSNotifier{nc: nc, subject: prefix + ".notify"}, nil
}

func (n *NATSNotifier) NotifyParticipants(ctx context.Context, roomID, excludeUserID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := json.Marshal(notifyRecord{
		RoomID:    roomID,
		ExcludeID: excludeUserID,
		Text:      text,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, b)
}
