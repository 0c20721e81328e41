// Package retry provides exponential-backoff helpers for transient failures:
// a generic one-shot WithRetry for RPC calls, and a Backoff state machine for
// long-lived reconnect loops.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including the first)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Ceiling for the growing delay
	Multiplier   float64       // Growth factor per attempt
}

// DefaultConfig is suitable for short RPC operations.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable decides whether an error should trigger another attempt.
type IsRetryable func(error) bool

// WithRetry executes fn until it succeeds, the error is not retryable, the
// attempt budget is spent, or the context is done.
func WithRetry[T any](ctx context.Context, config Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	if config.MaxAttempts <= 0 {
		return zero, fmt.Errorf("invalid retry config: MaxAttempts must be positive, got %d", config.MaxAttempts)
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// WithSimpleRetry is WithRetry with DefaultConfig.
func WithSimpleRetry[T any](ctx context.Context, fn func() (T, error), isRetryable IsRetryable) (T, error) {
	return WithRetry(ctx, DefaultConfig, isRetryable, fn)
}

// State is the phase of a Backoff-driven reconnect loop.
type State int

const (
	// StateConnecting means an attempt is in progress or about to start.
	StateConnecting State = iota
	// StateConnected means the last attempt succeeded.
	StateConnected
	// StateBackingOff means the loop is sleeping before the next attempt.
	StateBackingOff
	// StateGivenUp means the attempt budget is exhausted.
	StateGivenUp
)

// Backoff drives a reconnect loop with a bounded retry counter and a
// monotonically increasing delay. It replaces recursive retry callbacks with
// an explicit state machine: callers alternate Failure/Wait until Success or
// StateGivenUp. Zero value is not usable; construct with NewBackoff.
type Backoff struct {
	cfg      Config
	state    State
	attempts int
	delay    time.Duration
}

// NewBackoff returns a Backoff in StateConnecting.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, state: StateConnecting, delay: cfg.InitialDelay}
}

// State returns the current phase.
func (b *Backoff) State() State { return b.state }

// Success records a successful attempt and resets the counter and delay, so a
// long-lived connection that later drops starts over with the full budget.
func (b *Backoff) Success() {
	b.state = StateConnected
	b.attempts = 0
	b.delay = b.cfg.InitialDelay
}

// Failure records a failed attempt. It returns false once the budget is
// exhausted, moving to StateGivenUp.
func (b *Backoff) Failure() bool {
	b.attempts++
	if b.attempts >= b.cfg.MaxAttempts {
		b.state = StateGivenUp
		return false
	}
	b.state = StateBackingOff
	return true
}

// Wait sleeps the current delay (respecting ctx) and doubles it up to the
// ceiling, then transitions back to StateConnecting.
func (b *Backoff) Wait(ctx context.Context) error {
	if b.state != StateBackingOff {
		return nil
	}
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
	if b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	b.state = StateConnecting
	return nil
}
