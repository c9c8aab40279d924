package chat

import (
	"context"
	"time"
)

// MessageStore is the durable message collection. Append-only except for the
// seen flag and deletion. Once a record is flushed or written directly, the
// store owns persistence.
type MessageStore interface {
	// InsertMany bulk-inserts a flush batch (or a single direct write).
	InsertMany(ctx context.Context, msgs []Message) error
	// FindByID returns ErrNotFound when the id is absent.
	FindByID(ctx context.Context, id string) (Message, error)
	// FindByRoom returns messages per the query; see RoomQuery.
	FindByRoom(ctx context.Context, q RoomQuery) ([]Message, error)
	// DeleteByID removes a record. Deleting an absent id is not an error.
	DeleteByID(ctx context.Context, id string) error
	// UpdateSeen sets the seen flag. Returns ErrNotFound for absent ids.
	UpdateSeen(ctx context.Context, id string) error
	Close() error
}

// RoomQuery selects messages for a room, ordered by creation time.
type RoomQuery struct {
	RoomID     string
	Descending bool
	Limit      int
	Skip       int
}

// LobbySummary is the denormalized per-room record used to render room lists
// without scanning full message history.
type LobbySummary struct {
	RoomID        string
	LastMessage   string
	LastMessageID string
	LastUpdated   time.Time
	DeletedFor    []string
}

// LobbyUpdate is applied verbatim by Upsert. A zero LastMessageID blanks the
// summary. ClearDeletedFor empties the per-user hidden list; a new message
// makes a room visible again for everyone who had hidden it.
//
// IfNewer makes the update advance-only: the last-message fields are kept
// unchanged when the stored summary's LastUpdated is already past this
// update's. ClearDeletedFor still applies either way. The delete reconciler
// leaves IfNewer unset because it must be able to move the summary backwards.
type LobbyUpdate struct {
	LastMessage     string
	LastMessageID   string
	LastUpdated     time.Time
	ClearDeletedFor bool
	IfNewer         bool
}

// LobbyStore holds one summary record per room.
type LobbyStore interface {
	Upsert(ctx context.Context, roomID string, up LobbyUpdate) error
	// Get returns ErrNotFound when no summary exists yet.
	Get(ctx context.Context, roomID string) (LobbySummary, error)
}

// RoleStore answers room-admin lookups. Consulted only by the
// delete-window override.
type RoleStore interface {
	IsRoomAdmin(ctx context.Context, roomID, userID string) (bool, error)
}

// ObjectStore deletes stored objects backing file-type messages.
// Failures are logged and never block message-record deletion.
type ObjectStore interface {
	DeleteObject(ctx context.Context, url string) error
}

// NotificationSink appends best-effort notification records for room
// participants. No return value is consumed beyond the error for logging.
type NotificationSink interface {
	NotifyParticipants(ctx context.Context, roomID, excludeUserID, text string) error
}
