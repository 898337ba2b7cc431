package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "wabridge/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
//   - Named goroutines (for logging/debug)
//   - Panic recovery
//   - Graceful stop with timeout-aware waiting
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Counters are best-effort operational metrics.
	started uint64
	active  int64

	log      logx.Logger
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Counters reports best-effort goroutine counts (not a sync primitive).
func (s *Supervisor) Counters() (active int64, started uint64) {
	return atomic.LoadInt64(&s.active), atomic.LoadUint64(&s.started)
}

// Go runs fn in a supervised goroutine. Panics are recovered and logged;
// a non-nil error return is logged at warn level.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()

		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("goroutine exited with error", logx.String("name", name), logx.Err(err))
		}
	}()
}

// GoRestart runs fn like Go, but restarts it (with a small fixed delay)
// until the supervisor context is cancelled. Used for long-lived loops
// that must survive transient failures.
func (s *Supervisor) GoRestart(name string, delay time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if delay <= 0 {
		delay = time.Second
	}
	s.Go(name, func(ctx context.Context) error {
		for {
			err := runRecovered(ctx, fn)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				s.log.Warn("goroutine restarting",
					logx.String("name", name), logx.Duration("delay", delay), logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	})
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stop cancels the supervisor context and waits for all goroutines,
// bounded by ctx's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor stop timed out: %w", ctx.Err())
	}
}
