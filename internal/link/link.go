// Package link brings up and observes the device's network link.
//
// The [Supervisor] owns the startup bring-up policy (a bounded number of
// attempts with a fixed delay) and answers diagnostic questions about the
// link afterwards. The link itself is an external collaborator behind the
// [Link] interface; [Interface] is the Linux implementation.
//
// There is no mid-run re-bring-up. A link that drops after startup is
// noticed indirectly, through broker I/O failures, and recovers when the
// OS network stack restores it.
package link

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/roost/internal/connwatch"
)

// UnknownAddress is reported by [Supervisor.CurrentAddress] when the
// link has no usable address.
const UnknownAddress = "0.0.0.0"

// Bring-up budget. DefaultAttemptTimeout bounds a single [Link.Up]
// call, so a hung bring-up command cannot stall boot indefinitely.
const (
	DefaultAttempts       = 5
	DefaultBackoff        = 2 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// ErrNoAddress is returned by a [Link] that is up but has no IPv4 address.
var ErrNoAddress = errors.New("link has no IPv4 address")

// Link is the link-layer collaborator.
type Link interface {
	// Up attempts to bring the link up. It returns nil once the link has
	// an address. Up is called repeatedly by the Supervisor and must be
	// safe to call when the link is already up.
	Up(ctx context.Context) error

	// Address returns the current IPv4 address of the link.
	Address() (string, error)
}

// Supervisor applies the bring-up policy to a [Link].
type Supervisor struct {
	link   Link
	retry  connwatch.RetryConfig
	logger *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBudget overrides the attempt count and delay between attempts.
func WithBudget(attempts int, backoff time.Duration) Option {
	return func(s *Supervisor) {
		s.retry.MaxAttempts = attempts
		s.retry.Delay = backoff
	}
}

// WithAttemptTimeout overrides how long a single bring-up attempt may run.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.retry.AttemptTimeout = d
	}
}

// NewSupervisor creates a Supervisor with the default budget of
// [DefaultAttempts] attempts [DefaultBackoff] apart, each limited to
// [DefaultAttemptTimeout].
func NewSupervisor(l Link, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		link:   l,
		logger: logger,
		retry: connwatch.RetryConfig{
			Name:           "link",
			MaxAttempts:    DefaultAttempts,
			Delay:          DefaultBackoff,
			AttemptTimeout: DefaultAttemptTimeout,
			Logger:         logger,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect brings the link up, blocking for at most the configured budget.
// It returns false only after every attempt has failed or ctx is done.
func (s *Supervisor) Connect(ctx context.Context) bool {
	attempts, err := connwatch.Retry(ctx, s.retry, s.link.Up)
	if err != nil {
		s.logger.Error("link bring-up failed",
			"subsystem", "link",
			"attempts", attempts,
			"error", err,
		)
		return false
	}
	s.logger.Info("link up",
		"subsystem", "link",
		"address", s.CurrentAddress(),
		"attempts", attempts,
	)
	return true
}

// CurrentAddress returns the link's IPv4 address, or [UnknownAddress] if
// it cannot be determined. It never fails.
func (s *Supervisor) CurrentAddress() string {
	addr, err := s.link.Address()
	if err != nil || addr == "" {
		return UnknownAddress
	}
	return addr
}

// Connected reports whether the link currently has an address.
func (s *Supervisor) Connected() bool {
	addr, err := s.link.Address()
	return err == nil && addr != "" && addr != UnknownAddress
}
