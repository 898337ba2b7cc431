// Package ratelimit admits or rejects token consumption across two
// overlapping fixed windows (minute, hour) for two scopes at once (the
// channel and the destination group). Admission is all-or-nothing.
//
// Two backends sit behind one interface: a durable counter store (survives
// restarts, shared across instances) and an in-process token-bucket
// fallback. The composite Limiter prefers the store and degrades to the
// buckets when the store is unreachable or unconfigured, warning once.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"wabridge/internal/storage"
	logx "wabridge/pkg/logx"
)

// Scope is the (channel, destination-group) pair limits are evaluated
// against.
type Scope struct {
	Channel  string
	GroupJID string
}

// Config sets per-window capacities. Zero disables the window.
type Config struct {
	PerMinute int
	PerHour   int
}

func (c Config) withDefaults() Config {
	if c.PerMinute == 0 {
		c.PerMinute = 3
	}
	if c.PerHour == 0 {
		c.PerHour = 20
	}
	return c
}

// Result reports an admission decision. Limit names the first window that
// would overflow (e.g. "channel:minute") when OK is false.
type Result struct {
	OK    bool
	Limit string
}

// Admitter is the capability interface both backends implement.
type Admitter interface {
	// Allow consumes n tokens from all four window counters, or none.
	Allow(ctx context.Context, scope Scope, n int) (Result, error)
	// Apply swaps capacities at runtime.
	Apply(cfg Config)
}

// Limiter composes the durable backend with the volatile fallback.
type Limiter struct {
	durable  Admitter // nil when storage is disabled
	volatile Admitter

	log      logx.Logger
	warnOnce sync.Once
}

func New(store storage.Store, cfg Config, log logx.Logger) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		volatile: newVolatile(cfg),
		log:      log,
	}
	if store != nil {
		l.durable = newDurable(store, cfg)
	}
	return l
}

func (l *Limiter) Allow(ctx context.Context, scope Scope, n int) (Result, error) {
	if n <= 0 {
		return Result{OK: true}, nil
	}
	if l.durable != nil {
		res, err := l.durable.Allow(ctx, scope, n)
		if err == nil {
			return res, nil
		}
		l.warnOnce.Do(func() {
			l.log.Warn("durable rate-limit store unavailable; using in-process buckets", logx.Err(err))
		})
	}
	return l.volatile.Allow(ctx, scope, n)
}

func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	if l.durable != nil {
		l.durable.Apply(cfg)
	}
	l.volatile.Apply(cfg)
}

const (
	windowMinute = time.Minute
	windowHour   = time.Hour
)
