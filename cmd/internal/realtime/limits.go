package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max chat message length (runes).
	maxMessageChars = 4000

	// Text broadcast in place of an empty chat message.
	emptyMessageText = "no-message"

	// Messages replayed to a newly registered connection.
	defaultReplayLimit = 50
	maxReplayLimit     = 500
)

const (
	// Heartbeat defaults (can be overridden by RELAY_WS_HEARTBEAT_*).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
