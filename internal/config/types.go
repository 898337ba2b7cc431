package config

// Config is the root of the wabridge configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Listen is the HTTP API bind address. Not hot-reloadable.
	Listen string `json:"listen"`

	// AuthToken protects every endpoint except /health.
	// Empty means the API refuses protected requests with 503.
	AuthToken string `json:"auth_token"`

	Session  SessionConfig   `json:"session"`
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Limits   LimitsConfig    `json:"limits"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Breaker  BreakerConfig   `json:"breaker"`
	Alerts   *AlertsConfig   `json:"alerts,omitempty"`
	Maintain *MaintainConfig `json:"maintenance,omitempty"`
}

// SessionConfig controls the single upstream session.
//
// Exactly one of GroupJID or GroupName must be set. When GroupName is used,
// the id is resolved once per connection and cached.
type SessionConfig struct {
	// AuthDir is where the protocol agent persists credential material;
	// it is handed to the agent on every connect. Wiped on
	// POST /reconnect {wipe_auth:true}.
	AuthDir string `json:"auth_dir"`

	GroupJID  string `json:"group_jid,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	// SupervisorJID, when set, must be a participant/admin of the
	// destination group or sends are rejected.
	SupervisorJID string `json:"supervisor_jid,omitempty"`

	ReconnectBase string `json:"reconnect_base,omitempty"` // default "2s"
	ReconnectMax  string `json:"reconnect_max,omitempty"`  // default "60s"
	ChallengeTTL  string `json:"challenge_ttl,omitempty"`  // default "120s"

	// AgentURL is the websocket endpoint of the protocol agent process
	// that owns the wire-level session cryptography.
	AgentURL string `json:"agent_url,omitempty"` // default "ws://127.0.0.1:3500/ws"

	// NetcheckURL is probed by GET /netcheck. Default points at the
	// upstream network's web endpoint.
	NetcheckURL string `json:"netcheck_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wabridge.db" }
//
// When omitted or driver is "none", rate limiting falls back to in-process
// token buckets and idempotency records do not survive restarts.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LimitsConfig sets per-window send capacities, applied independently to the
// channel scope and the destination-group scope. Hot-reloadable.
//
// Defaults are deliberately conservative; the upstream network penalizes
// bursty automated traffic. Raise them knowingly.
type LimitsConfig struct {
	PerMinute int `json:"per_minute,omitempty"` // default 3
	PerHour   int `json:"per_hour,omitempty"`   // default 20

	// Channel names the rate-limit scope shared by all senders on this
	// bridge. Default "whatsapp_web".
	Channel string `json:"channel,omitempty"`
}

type DispatchConfig struct {
	ChunkSize int `json:"chunk_size,omitempty"` // default 3500 runes
	MaxChunks int `json:"max_chunks,omitempty"` // default 10

	RetryMax      int    `json:"retry_max,omitempty"`       // default 3
	RetryBase     string `json:"retry_base,omitempty"`      // default "1s"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "30s"

	IdempotencyTTL string `json:"idempotency_ttl,omitempty"` // default "24h"

	// Jitter bounds between chunks of one request.
	JitterMin string `json:"jitter_min,omitempty"` // default "400ms"
	JitterMax string `json:"jitter_max,omitempty"` // default "900ms"
}

type BreakerConfig struct {
	Threshold int    `json:"threshold,omitempty"` // default 5
	OpenFor   string `json:"open_for,omitempty"`  // default "300s"
}

// AlertsConfig controls the Telegram operator alert channel.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// MaintainConfig controls scheduled pruning.
type MaintainConfig struct {
	// PruneSchedule is a cron spec (default "*/10 * * * *").
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// PublicationRetention bounds the audit log (default "720h").
	PublicationRetention string `json:"publication_retention,omitempty"`
}
