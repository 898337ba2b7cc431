package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wabridge/internal/storage"
)

// durable evaluates fixed windows against the counter store.
//
// Keys encode the window bucket (UTC), so counters expire naturally:
//
//	rate:ch:<channel>:min:2026-08-29-10-05
//	rate:grp:<group>:hr:2026-08-29-10
//
// The read-then-increment pair is not atomic; under a rare race the
// consequence is a slightly-early rejection, never a breach beyond one
// token per concurrent caller.
type durable struct {
	store storage.Store

	mu  sync.Mutex
	cfg Config

	now func() time.Time
}

func newDurable(store storage.Store, cfg Config) *durable {
	return &durable{store: store, cfg: cfg, now: time.Now}
}

func (d *durable) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

type windowKey struct {
	key    string
	limit  string // e.g. "channel:minute"
	cap    int
	expire time.Time
}

func (d *durable) keys(scope Scope, now time.Time) []windowKey {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	minBucket := now.UTC().Format("2006-01-02-15-04")
	hrBucket := now.UTC().Format("2006-01-02-15")

	// Buckets outlive their window by one period so a straggling read near
	// the boundary still sees them.
	minExpire := now.Add(2 * windowMinute)
	hrExpire := now.Add(2 * windowHour)

	var out []windowKey
	if cfg.PerMinute > 0 {
		out = append(out,
			windowKey{fmt.Sprintf("rate:ch:%s:min:%s", scope.Channel, minBucket), "channel:minute", cfg.PerMinute, minExpire},
			windowKey{fmt.Sprintf("rate:grp:%s:min:%s", scope.GroupJID, minBucket), "group:minute", cfg.PerMinute, minExpire},
		)
	}
	if cfg.PerHour > 0 {
		out = append(out,
			windowKey{fmt.Sprintf("rate:ch:%s:hr:%s", scope.Channel, hrBucket), "channel:hour", cfg.PerHour, hrExpire},
			windowKey{fmt.Sprintf("rate:grp:%s:hr:%s", scope.GroupJID, hrBucket), "group:hour", cfg.PerHour, hrExpire},
		)
	}
	return out
}

func (d *durable) Allow(ctx context.Context, scope Scope, n int) (Result, error) {
	wks := d.keys(scope, d.now())
	if len(wks) == 0 {
		return Result{OK: true}, nil
	}

	keys := make([]string, len(wks))
	for i, wk := range wks {
		keys[i] = wk.key
	}
	counts, err := d.store.GetCounters(ctx, keys)
	if err != nil {
		return Result{}, err
	}

	for _, wk := range wks {
		if counts[wk.key]+int64(n) > int64(wk.cap) {
			return Result{OK: false, Limit: wk.limit}, nil
		}
	}

	incrs := make([]storage.CounterIncr, len(wks))
	for i, wk := range wks {
		incrs[i] = storage.CounterIncr{Key: wk.key, N: int64(n), ExpiresAt: wk.expire}
	}
	if err := d.store.IncrCounters(ctx, incrs); err != nil {
		return Result{}, err
	}
	return Result{OK: true}, nil
}
