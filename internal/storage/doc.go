// Package storage provides the optional durable store behind the bridge.
//
// It persists three things:
//   - Rate-limit window counters (shared across restarts)
//   - Idempotency records (at-most-once effective delivery)
//   - A publication audit log (one row per gateway request outcome)
//
// When storage is disabled, rate limiting and idempotency fall back to
// in-process state owned by their respective packages.
package storage
