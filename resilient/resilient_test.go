package resilient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	// WHAT: An operation that succeeds immediately is called exactly once.
	// WHY: The wrapper must not add calls or latency on the happy path.
	var calls int32
	err := Do(context.Background(), Policy{MaxAttempts: 3}, "ok", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	// WHAT: A flaky operation failing twice then succeeding returns nil.
	// WHY: Bounded retry is the whole point; two transient failures within
	// the attempt budget must not surface to the caller.
	var calls int32
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}, "flaky",
		func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errBoom
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustionWrapsFinalCause(t *testing.T) {
	// WHAT: After MaxAttempts failures, Do returns *ErrExhausted naming the
	// operation and unwrapping to the final cause.
	// WHY: Callers dispatch on the cause (errors.Is) without parsing strings.
	var calls int32
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}, "doomed",
		func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errBoom
		})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	var ex *ErrExhausted
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want *ErrExhausted", err)
	}
	if ex.Op != "doomed" || ex.Attempts != 3 {
		t.Fatalf("ErrExhausted = %+v", ex)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("errors.Is(err, errBoom) = false, err = %v", err)
	}
}

func TestDo_ExponentialBackoff(t *testing.T) {
	// WHAT: Attempt k waits base * 2^(k-1): 3 attempts with 20ms base take
	// at least 20+40 = 60ms.
	// WHY: The backoff schedule is part of the contract, not an internal
	// detail — downstream dependencies size their own limits around it.
	start := time.Now()
	_ = Do(context.Background(), Policy{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond}, "slow",
		func(ctx context.Context) error { return errBoom })
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 60ms", elapsed)
	}
}

func TestDo_FixedBackoff(t *testing.T) {
	// WHAT: With FixedBackoff, waits do not double.
	// WHY: The embedding policy uses a 1s fixed schedule; doubling there
	// would triple the pipeline's worst-case latency.
	start := time.Now()
	_ = Do(context.Background(), Policy{MaxAttempts: 3, BaseBackoff: 20 * time.Millisecond, FixedBackoff: true}, "fixed",
		func(ctx context.Context) error { return errBoom })
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 40ms", elapsed)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("elapsed = %v, suggests doubling backoff", elapsed)
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	// WHAT: An attempt exceeding AttemptTimeout fails with DeadlineExceeded
	// and is retried; a later fast attempt still succeeds.
	// WHY: One hung dependency call must not hang the pipeline.
	var calls int32
	err := Do(context.Background(), Policy{MaxAttempts: 2, AttemptTimeout: 30 * time.Millisecond},
		"hang-once", func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDo_ParentCancelStopsRetries(t *testing.T) {
	// WHAT: Cancelling the parent context stops the retry loop.
	// WHY: Shutdown must not wait out the full backoff schedule.
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Policy{MaxAttempts: 5, BaseBackoff: time.Second}, "cancelled",
			func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				return errBoom
			})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		var ex *ErrExhausted
		if !errors.As(err, &ex) {
			t.Fatalf("error = %v, want *ErrExhausted", err)
		}
		if ex.Attempts != 1 {
			t.Fatalf("Attempts = %d, want 1 (only one attempt ran)", ex.Attempts)
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("errors.Is(err, context.Canceled) = false, err = %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Do did not return after cancel")
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Fatalf("calls = %d, want 1", c)
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	// WHAT: Call returns the produced value on success and the zero value
	// plus *ErrExhausted on failure.
	v, err := Call(context.Background(), Policy{MaxAttempts: 2}, "value",
		func(ctx context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", v, err)
	}

	v, err = Call(context.Background(), Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond}, "novalue",
		func(ctx context.Context) (int, error) { return 7, errBoom })
	if err == nil || v != 0 {
		t.Fatalf("got (%d, %v), want (0, *ErrExhausted)", v, err)
	}
}
