package chat

import (
	"context"
	"log/slog"
)

// Flusher moves buffered messages into durable storage.
//
// Triggers:
//   - threshold: after every accepted send, when the buffer length reaches
//     the batch size (FlushIfFull).
//   - disconnect: unconditionally when a room's last participant leaves
//     (Flush).
//
// Failure policy: a failed bulk insert leaves the buffer untouched so the
// next trigger retries the same batch. Flush never re-broadcasts; messages
// were already broadcast at send time.
type Flusher struct {
	log       *slog.Logger
	buf       Buffer
	store     MessageStore
	lobby     LobbyStore
	threshold int
}

// NewFlusher constructs a Flusher. A non-positive threshold falls back to
// the default batch size.
func NewFlusher(log *slog.Logger, buf Buffer, store MessageStore, lobby LobbyStore, threshold int) *Flusher {
	if log == nil {
		log = slog.Default()
	}
	if threshold <= 0 {
		threshold = defaultFlushBatchSize
	}
	return &Flusher{
		log:       log,
		buf:       buf,
		store:     store,
		lobby:     lobby,
		threshold: threshold,
	}
}

// FlushIfFull flushes when the room's buffer has reached the batch size.
// It reports whether a flush ran.
func (f *Flusher) FlushIfFull(ctx context.Context, roomID string) (bool, error) {
	n, err := f.buf.Len(ctx, roomID)
	if err != nil {
		return false, err
	}
	if n < f.threshold {
		return false, nil
	}
	return true, f.Flush(ctx, roomID)
}

// Flush drains the room's buffer into the durable store in one batch.
//
// An append racing the final Clear can lose its entry; the source system
// accepts the same window and the buffer TTL bounds the exposure.
func (f *Flusher) Flush(ctx context.Context, roomID string) error {
	msgs, err := f.buf.ReadAll(ctx, roomID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := f.store.InsertMany(ctx, msgs); err != nil {
		// Buffer stays intact; the next threshold or disconnect trigger retries.
		flushFailures.Inc()
		return err
	}

	// Advance-only: a direct durable write may already have moved the
	// summary past the buffered tail.
	last := msgs[len(msgs)-1]
	if err := f.lobby.Upsert(ctx, roomID, LobbyUpdate{
		LastMessage:     last.Preview(),
		LastMessageID:   last.ID,
		LastUpdated:     last.CreatedAt,
		ClearDeletedFor: true,
		IfNewer:         true,
	}); err != nil {
		f.log.Warn("chat.flush.lobby_reset.fail", "room_id", roomID, "err", err)
	}

	if err := f.buf.Clear(ctx, roomID); err != nil {
		f.log.Warn("chat.flush.clear.fail", "room_id", roomID, "err", err)
	}

	flushBatches.Inc()
	flushMessages.Add(float64(len(msgs)))
	f.log.Info("chat.flush", "room_id", roomID, "count", len(msgs))
	return nil
}
