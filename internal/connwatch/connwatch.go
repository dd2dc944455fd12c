// Package connwatch provides the two retry primitives the agent uses for
// its external dependencies:
//
//  1. [Retry]: a bounded, blocking retry with a fixed delay between
//     attempts. Used once at startup to bring the network link up.
//  2. [Cooldown]: a non-blocking gate that limits how often a failed
//     operation may be retried. The coordinator consults it every tick
//     to decide whether a broker reconnect attempt is due.
//
// Neither primitive starts goroutines. Both are explicit about their
// attempt counts and delays rather than hiding retries inside a client
// library.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProbeFunc performs one attempt. Return nil on success.
type ProbeFunc func(ctx context.Context) error

// ErrExhausted is returned by [Retry] when every attempt failed. The
// error from the final attempt is wrapped alongside it.
var ErrExhausted = errors.New("retry budget exhausted")

// RetryConfig controls [Retry].
type RetryConfig struct {
	// Name identifies the dependency in log output (e.g., "link").
	Name string

	// MaxAttempts is the total number of attempts, including the
	// first (default: 5).
	MaxAttempts int

	// Delay is the fixed pause between attempts (default: 2s).
	Delay time.Duration

	// AttemptTimeout limits how long each individual attempt may take.
	// Zero means the attempt is bounded only by ctx.
	AttemptTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// DefaultRetryConfig returns the startup link bring-up budget: five
// attempts two seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		Delay:       2 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Retry calls probe until it succeeds or cfg.MaxAttempts attempts have
// failed, sleeping cfg.Delay between attempts. It returns the number of
// attempts made. There is no sleep after the final failure.
//
// Cancelling ctx aborts the wait between attempts and returns ctx's error.
func Retry(ctx context.Context, cfg RetryConfig, probe ProbeFunc) (int, error) {
	if probe == nil {
		panic("connwatch: Retry probe must not be nil")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = attemptOnce(ctx, cfg.AttemptTimeout, probe)
		if err == nil {
			logger.Info("dependency ready",
				"dependency", cfg.Name,
				"after_attempts", attempt,
			)
			return attempt, nil
		}

		if attempt == cfg.MaxAttempts {
			logger.Warn("retry budget exhausted",
				"dependency", cfg.Name,
				"attempts", attempt,
				"error", err,
			)
			return attempt, fmt.Errorf("%s: %w after %d attempts: %w", cfg.Name, ErrExhausted, attempt, err)
		}

		logger.Debug("attempt failed, retrying",
			"dependency", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"next_delay", cfg.Delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, cfg.Delay) {
			return attempt, ctx.Err()
		}
	}
	return cfg.MaxAttempts, err
}

// attemptOnce calls probe with an optional per-attempt timeout.
func attemptOnce(ctx context.Context, timeout time.Duration, probe ProbeFunc) error {
	if timeout <= 0 {
		return probe(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probe(attemptCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Cooldown rate-limits retries of a failed operation without blocking.
// After a failure is recorded at time t, [Cooldown.Fire] refuses until
// t+Period. A successful operation clears the gate with [Cooldown.Reset].
//
// Cooldown is not safe for concurrent use; it belongs to the goroutine
// that performs the guarded operation. The zero value is open with a
// zero period.
type Cooldown struct {
	period time.Duration
	next   time.Time
	armed  bool
}

// NewCooldown returns an open gate that enforces period between attempts.
func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{period: period}
}

// Period returns the enforced gap between attempts.
func (c *Cooldown) Period() time.Duration {
	return c.period
}

// Arm records a failure at now. The next attempt is allowed at now+Period.
// Arming an already-armed gate pushes the deadline out.
func (c *Cooldown) Arm(now time.Time) {
	c.next = now.Add(c.period)
	c.armed = true
}

// Ready reports whether an attempt is allowed at now.
func (c *Cooldown) Ready(now time.Time) bool {
	return !c.armed || !now.Before(c.next)
}

// Remaining returns how long until an attempt is allowed, or zero.
func (c *Cooldown) Remaining(now time.Time) time.Duration {
	if c.Ready(now) {
		return 0
	}
	return c.next.Sub(now)
}

// Fire reports whether an attempt may be made at now. When it returns
// true the gate re-arms itself for now+Period, so at most one attempt is
// permitted per period no matter how often Fire is called. The caller
// should Reset the gate once the attempt succeeds.
func (c *Cooldown) Fire(now time.Time) bool {
	if !c.Ready(now) {
		return false
	}
	c.Arm(now)
	return true
}

// Reset opens the gate.
func (c *Cooldown) Reset() {
	c.armed = false
	c.next = time.Time{}
}
