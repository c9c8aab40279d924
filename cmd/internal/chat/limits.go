package chat

import "time"

// Core pipeline limits.
const (
	// Buffered messages per room before a threshold flush.
	defaultFlushBatchSize = 10

	// TTL on a room's buffer list so orphaned rooms self-clean.
	defaultBufferTTL = time.Hour

	// Age limit for delete-for-everyone by non-admins.
	deleteWindow = 7 * time.Minute

	// Bounded timeout applied to best-effort steps (lobby update, notify).
	bestEffortTimeout = 3 * time.Second

	// Bounded timeout for the disconnect-triggered flush.
	disconnectFlushTimeout = 5 * time.Second
)

// Transport limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes).
	maxMessageChars = 4000
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
