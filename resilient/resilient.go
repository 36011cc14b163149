// Package resilient wraps unreliable operations with bounded retries,
// a per-attempt timeout, and exponential backoff.
//
// Every external dependency of atelier (embedding backend, SQLite under
// contention, outbound HTTP) is assumed to fail transiently. Instead of
// ad-hoc retry loops at each call site, callers describe a Policy once and
// run operations through Do or Call:
//
//	p := resilient.Policy{MaxAttempts: 3, AttemptTimeout: 5 * time.Second, BaseBackoff: time.Second}
//	err := resilient.Do(ctx, p, "embed", func(ctx context.Context) error {
//	    return client.Ping(ctx)
//	})
//
// Do never logs and never touches shared state; callers decide what an
// exhausted operation means for them.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds the execution of one unreliable operation.
type Policy struct {
	// MaxAttempts is the total number of tries, first call included.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// AttemptTimeout bounds each individual attempt via context deadline.
	// Zero disables the per-attempt timeout.
	AttemptTimeout time.Duration

	// BaseBackoff is the wait after the first failed attempt. Attempt k
	// waits base * 2^(k-1) unless FixedBackoff is set. Zero means no wait.
	BaseBackoff time.Duration

	// FixedBackoff disables doubling: every wait is exactly BaseBackoff.
	FixedBackoff bool
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the wait before attempt k+1, where k counts from 1.
func (p Policy) backoff(k int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	if p.FixedBackoff {
		return p.BaseBackoff
	}
	return p.BaseBackoff * (1 << uint(k-1))
}

// ErrExhausted is returned when all attempts of an operation failed.
// Unwrap exposes the final cause so callers can errors.Is/As through it.
type ErrExhausted struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("resilient: %s exhausted after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *ErrExhausted) Unwrap() error { return e.Cause }

// Do executes fn under the policy. Each attempt receives a context bounded
// by AttemptTimeout; a timed-out attempt is abandoned, not interrupted,
// unless fn cooperates with its context. Cancellation of the parent ctx
// stops retrying immediately; the returned *ErrExhausted then reports the
// attempts actually made and its cause matches ctx.Err() via errors.Is.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	max := p.attempts()

	for attempt := 1; attempt <= max; attempt++ {
		lastErr = runAttempt(ctx, p, fn)
		if lastErr == nil {
			return nil
		}

		// Parent gone: retrying cannot help.
		if cerr := ctx.Err(); cerr != nil {
			if !errors.Is(lastErr, cerr) {
				lastErr = errors.Join(lastErr, cerr)
			}
			return &ErrExhausted{Op: op, Attempts: attempt, Cause: lastErr}
		}

		if attempt < max {
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				return &ErrExhausted{Op: op, Attempts: attempt, Cause: err}
			}
		}
	}

	return &ErrExhausted{Op: op, Attempts: max, Cause: lastErr}
}

// Call is Do for operations that produce a value. On exhaustion the zero
// value is returned alongside *ErrExhausted.
func Call[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func runAttempt(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
