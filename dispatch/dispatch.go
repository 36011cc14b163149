// Package dispatch routes named RPC methods to registered handlers with a
// timeout-and-retry envelope: attempts that exceed their deadline are
// retried with exponential backoff, while handler failures surface
// immediately (re-running a handler that already failed only repeats the
// failure).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler implements one RPC method.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// ErrMethodNotFound reports a call to an unregistered method.
type ErrMethodNotFound struct {
	Method string
}

func (e *ErrMethodNotFound) Error() string {
	return fmt.Sprintf("dispatch: method %q not found", e.Method)
}

// ErrGatewayTimeout reports that every attempt of a call ran out of time.
type ErrGatewayTimeout struct {
	Method   string
	Attempts int
}

func (e *ErrGatewayTimeout) Error() string {
	return fmt.Sprintf("dispatch: %s timed out after %d attempts", e.Method, e.Attempts)
}

// ErrHandlerFailed wraps a handler error. These are not retried.
type ErrHandlerFailed struct {
	Method string
	Cause  error
}

func (e *ErrHandlerFailed) Error() string {
	return fmt.Sprintf("dispatch: %s: %v", e.Method, e.Cause)
}

func (e *ErrHandlerFailed) Unwrap() error { return e.Cause }

// Config configures a Dispatcher.
type Config struct {
	// MaxAttempts bounds timeout retries per call. Default: 3.
	MaxAttempts int
	// AttemptTimeout is the per-attempt deadline. Default: 5 s.
	AttemptTimeout time.Duration
	// BaseBackoff is the pre-retry delay, doubled each attempt.
	// Default: 100 ms.
	BaseBackoff time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dispatcher is the method table. Registration normally happens at
// startup; the mutex makes late registration safe too.
type Dispatcher struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:      cfg,
		handlers: map[string]Handler{},
	}
}

// Register binds a handler to a method name, replacing any previous one.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

type attemptResult struct {
	value any
	err   error
}

// Call invokes a method. An unknown method returns *ErrMethodNotFound. A
// handler error returns *ErrHandlerFailed at once. An attempt that
// exceeds its deadline is retried with doubled backoff until MaxAttempts,
// then *ErrGatewayTimeout. Cancelling ctx aborts the call between
// attempts and while waiting on one.
func (d *Dispatcher) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, &ErrMethodNotFound{Method: method}
	}

	backoff := d.cfg.BaseBackoff
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		value, err, timedOut := d.runAttempt(ctx, h, params)
		switch {
		case timedOut:
			d.cfg.Logger.Warn("rpc attempt timed out",
				"method", method, "attempt", attempt, "timeout", d.cfg.AttemptTimeout)
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			return nil, &ErrHandlerFailed{Method: method, Cause: err}
		default:
			return value, nil
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return nil, &ErrGatewayTimeout{Method: method, Attempts: d.cfg.MaxAttempts}
}

// runAttempt runs the handler once under the attempt deadline. The
// handler runs in its own goroutine so a hung one cannot block the
// caller past the deadline; it keeps its context's cancellation as the
// signal to stop whatever it is doing.
func (d *Dispatcher) runAttempt(ctx context.Context, h Handler, params map[string]any) (any, error, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		value, err := h(attemptCtx, params)
		done <- attemptResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err, false
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled, not a per-attempt timeout.
			return nil, ctx.Err(), false
		}
		return nil, nil, true
	}
}
