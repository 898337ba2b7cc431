package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// CounterIncr adds N tokens to one window counter. Key encodes scope and
// window bucket (e.g. "rate:whatsapp_web:min:2026-08-29-10-05"); ExpiresAt
// is when the bucket can be garbage collected.
type CounterIncr struct {
	Key       string
	N         int64
	ExpiresAt time.Time
}

// IdempotencyRecord caches the outcome of a completed send.
type IdempotencyRecord struct {
	MessageIDs []string
	GroupJID   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Publication records one gateway request outcome.
// Keep it compact and schema-stable.
type Publication struct {
	At            time.Time
	Channel       string
	Status        string // sent | failed | rate_limited | circuit_open
	ExternalID    string // comma-joined message ids
	Attempts      int
	CorrelationID string
	Error         string
}
