// Package retry classifies send failures and runs the bounded
// exponential-backoff loop around transient ones.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// Permanent marks an error as non-retryable.
//
// Wrap validation errors and explicit upstream rejections with Permanent so
// the executor fails fast instead of burning attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Transient reports whether err looks like a temporary network/service
// condition worth retrying. Anything marked Permanent is not transient;
// otherwise timeouts, connection resets/refusals, and context deadline
// overruns are.
func Transient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	// Unclassified errors default to transient: the upstream client wraps
	// its protocol-level rejections with Permanent, so what remains here is
	// socket-ish.
	return true
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first; default 3
	Base        time.Duration // default 1s
	Cap         time.Duration // default 30s
	Jitter      time.Duration // uniform [0, Jitter) added per delay; default 500ms
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 500 * time.Millisecond
	}
	return p
}

// Delay computes the pause before attempt+1 (attempt is 1-based):
// min(cap, base * 2^(attempt-1)) plus uniform jitter.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if rng != nil {
		d += time.Duration(rng.Int63n(int64(p.Jitter)))
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. It returns the last error and the attempts used.
func Do(ctx context.Context, p Policy, rng *rand.Rand, fn func(ctx context.Context) error) (attempts int, err error) {
	p = p.withDefaults()
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !Transient(err) || attempt == p.MaxAttempts {
			return attempt, err
		}
		t := time.NewTimer(p.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
	return p.MaxAttempts, err
}
