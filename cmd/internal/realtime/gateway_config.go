package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig holds the websocket gateway knobs.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// Exclusive and HistoryReplay are Registry options; they live here so
	// all RELAY_WS_* knobs load in one place.
	Exclusive     bool
	HistoryReplay int
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		HistoryReplay:     defaultReplayLimit,
	}
}

// LoadGatewayConfigFromEnv reads RELAY_WS_* over the defaults.
// Malformed values fall back to the default.
func LoadGatewayConfigFromEnv() GatewayConfig {
	def := DefaultGatewayConfig()

	cfg := GatewayConfig{
		// NOTE: InsecureSkipVerify is a dev-only knob. It is not an origin policy.
		DevInsecure:       envBoolWS("RELAY_WS_DEV_INSECURE", false),
		OriginRequired:    envBoolWS("RELAY_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:    envCSVWS("RELAY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:      envDurationWS("RELAY_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:   envDurationWS("RELAY_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:     envIntWS("RELAY_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatInterval: envDurationWS("RELAY_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  envDurationWS("RELAY_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:        envIntWS("RELAY_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:        envDurationWS("RELAY_WS_RATE_WINDOW", def.RateWindow),
		Exclusive:         envBoolWS("RELAY_WS_EXCLUSIVE", false),
		HistoryReplay:     envIntWS("RELAY_WS_HISTORY_REPLAY", def.HistoryReplay),
	}
	return cfg.normalized()
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.HistoryReplay < 0 {
		c.HistoryReplay = 0
	}
	if c.HistoryReplay > maxReplayLimit {
		c.HistoryReplay = maxReplayLimit
	}
	return c
}

// RegistryOptions returns the Registry options carried by this config.
func (c GatewayConfig) RegistryOptions() []RegistryOption {
	return []RegistryOption{WithExclusive(c.Exclusive), WithReplay(c.HistoryReplay)}
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
	if err != nil || n < 0 {
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
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
