package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// volatile is the in-process fallback: continuous-refill token buckets,
// one (minute, hour) pair per channel and one per group, so each scope is
// budgeted independently the same way the durable counters are. Tokens
// accrue at capacity/window and cap at capacity. State dies with the
// process.
type volatile struct {
	mu       sync.Mutex
	cfg      Config
	channels map[string]*windowPair
	groups   map[string]*windowPair
}

type windowPair struct {
	min, hr *rate.Limiter
}

func newVolatile(cfg Config) *volatile {
	return &volatile{
		cfg:      cfg,
		channels: map[string]*windowPair{},
		groups:   map[string]*windowPair{},
	}
}

func (v *volatile) Apply(cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cfg == v.cfg {
		return
	}
	v.cfg = cfg
	// Rebuild lazily; existing buckets are dropped rather than resized so
	// new capacities start from a full bucket.
	v.channels = map[string]*windowPair{}
	v.groups = map[string]*windowPair{}
}

func bucket(capacity int, window time.Duration) *rate.Limiter {
	if capacity <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(capacity)/window.Seconds()), capacity)
}

func (v *volatile) pairLocked(m map[string]*windowPair, key string) *windowPair {
	p := m[key]
	if p == nil {
		p = &windowPair{
			min: bucket(v.cfg.PerMinute, windowMinute),
			hr:  bucket(v.cfg.PerHour, windowHour),
		}
		m[key] = p
	}
	return p
}

func (v *volatile) get(scope Scope) (ch, grp *windowPair) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pairLocked(v.channels, scope.Channel), v.pairLocked(v.groups, scope.GroupJID)
}

func (v *volatile) Allow(ctx context.Context, scope Scope, n int) (Result, error) {
	ch, grp := v.get(scope)
	now := time.Now()

	// All-or-nothing: reserve on each bucket; if any reservation would
	// require waiting, cancel everything and reject.
	type lim struct {
		l     *rate.Limiter
		limit string
	}
	lims := []lim{
		{ch.min, "channel:minute"},
		{grp.min, "group:minute"},
		{ch.hr, "channel:hour"},
		{grp.hr, "group:hour"},
	}

	taken := make([]*rate.Reservation, 0, len(lims))
	cancelAll := func() {
		for _, r := range taken {
			r.CancelAt(now)
		}
	}
	for _, lm := range lims {
		if lm.l == nil {
			continue
		}
		r := lm.l.ReserveN(now, n)
		if !r.OK() || r.DelayFrom(now) > 0 {
			if r.OK() {
				r.CancelAt(now)
			}
			cancelAll()
			return Result{OK: false, Limit: lm.limit}, nil
		}
		taken = append(taken, r)
	}
	return Result{OK: true}, nil
}
