package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wabridge/pkg/logx"
)

// Store is the persistence API used by the rate limiter, the dispatch
// gateway, and the maintenance service.
type Store interface {
	// GetCounters returns current counts for the given keys. Missing or
	// expired keys count as 0.
	GetCounters(ctx context.Context, keys []string) (map[string]int64, error)
	// IncrCounters applies all increments. It is "atomic enough": a rare
	// concurrent race may cause a slightly-early rejection upstream, never
	// a capacity breach beyond one token.
	IncrCounters(ctx context.Context, incrs []CounterIncr) error

	PutIdempotency(ctx context.Context, key string, rec IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)

	AppendPublication(ctx context.Context, p Publication) error

	// PruneExpired removes dead counters and idempotency records, and
	// publications older than retention (0 keeps all publications).
	PruneExpired(ctx context.Context, now time.Time, retention time.Duration) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
