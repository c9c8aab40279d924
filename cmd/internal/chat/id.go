package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID used as the message id.
// ULIDs are lexicographically sortable, which keeps log ordering readable
// and lets ids double as creation-order tie-breakers.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewEnvelopeID returns a ULID used as a wire envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return NewMessageID(now)
}
