package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"
)

// MessageKind tags the message content type.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

// DeleteScope selects how far a deletion reaches.
type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "for_self"
	DeleteForEveryone DeleteScope = "for_everyone"
)

// RoomKind distinguishes 1:1 rooms from group ("tribe") rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomTribe  RoomKind = "tribe"
)

// ReplyRef references the message a send replies to.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// Message is the canonical message value shared by the buffer, durable
// storage, and broadcast payloads. The id is assigned once by the send path,
// before any broadcast or persistence, and never regenerated.
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"room_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind"`
	FileURL    string      `json:"file_url,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	Seen       bool        `json:"seen,omitempty"`
	ReplyRef   *ReplyRef   `json:"reply_ref,omitempty"`
}

const previewMaxChars = 80

// Preview returns the short lobby preview text for the message.
func (m Message) Preview() string {
	if m.Kind == KindFile && strings.TrimSpace(m.Body) == "" {
		return "[file]"
	}
	body := strings.TrimSpace(m.Body)
	r := []rune(body)
	if len(r) > previewMaxChars {
		return string(r[:previewMaxChars])
	}
	return body
}

// validateIdentityRef checks a sender/requester id is a well-formed
// identity reference. Identity itself is established upstream.
func validateIdentityRef(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing sender id")
	}
	if len(id) > 128 {
		return errors.New("sender id too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("malformed sender id")
		}
	}
	return nil
}

// marshalEntry serializes a message into its buffer-entry form.
// The same bytes are used for append and remove so Redis LREM can match by value.
func marshalEntry(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalEntry(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
