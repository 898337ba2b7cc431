// Package breaker implements the three-state circuit breaker that protects
// the upstream network from abusive send patterns.
//
// Transitions are evaluated lazily on Allow(); no background timer runs.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Config struct {
	Threshold    int           // consecutive failures before tripping; default 5
	OpenDuration time.Duration // default 300s
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 300 * time.Second
	}
	return c
}

// Breaker is a process-local singleton; it is not shared across instances.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state     State
	fails     int
	openUntil time.Time
	probing   bool // a half-open trial send is in flight

	onTransition func(from, to State)

	now func() time.Time
}

type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransition installs a hook called (outside the lock) on state change.
func WithTransition(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), state: StateClosed, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow admits one send. In half_open exactly one caller wins the trial
// slot; everyone else gets ErrOpen until the trial reports its outcome.
func (b *Breaker) Allow() error {
	var notify func()
	b.mu.Lock()
	now := b.now()

	if b.state == StateOpen && !now.Before(b.openUntil) {
		notify = b.transitionLocked(StateHalfOpen)
	}

	var err error
	switch b.state {
	case StateClosed:
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.probing {
			err = ErrOpen
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

// RecordSuccess reports a successful send previously admitted by Allow.
func (b *Breaker) RecordSuccess() {
	var notify func()
	b.mu.Lock()
	b.fails = 0
	b.probing = false
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// RecordFailure reports a failed send. The caller is responsible for only
// reporting failures that reflect the upstream network rejecting the send;
// local validation errors never reach the breaker.
func (b *Breaker) RecordFailure() {
	var notify func()
	b.mu.Lock()
	now := b.now()

	switch b.state {
	case StateHalfOpen:
		// Failed trial: re-open a full window, never a shortened one.
		b.probing = false
		b.openUntil = now.Add(b.cfg.OpenDuration)
		notify = b.transitionLocked(StateOpen)
	case StateClosed:
		b.fails++
		if b.fails >= b.cfg.Threshold {
			b.openUntil = now.Add(b.cfg.OpenDuration)
			notify = b.transitionLocked(StateOpen)
		}
	case StateOpen:
		// A send that was in flight when the breaker tripped; nothing to do.
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	if b.onTransition == nil || from == to {
		return nil
	}
	fn := b.onTransition
	return func() { fn(from, to) }
}

// Snapshot is the health view of the breaker.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{State: b.state, ConsecutiveFailures: b.fails}
	if b.state == StateOpen {
		s.OpenUntil = b.openUntil
	}
	return s
}
