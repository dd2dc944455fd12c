// Package coordinator runs the agent's single cooperative loop. Each tick
// refreshes diagnostics, services the broker session, executes at most
// one queued control request and samples the sensor when the interval
// has elapsed. Every subsystem call is bounded and each step runs under
// recover.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/nugget/roost/internal/connwatch"
	"github.com/nugget/roost/internal/indicator"
	"github.com/nugget/roost/internal/metrics"
	"github.com/nugget/roost/internal/mqtt"
	"github.com/nugget/roost/internal/sensor"
	"github.com/nugget/roost/internal/status"
)

// Loop timing defaults.
const (
	DefaultIdle        = 100 * time.Millisecond
	DefaultCooldown    = 2 * time.Second
	DefaultPumpTimeout = 50 * time.Millisecond
)

// Step names, used in logs and the tick_step_panics_total metric.
const (
	StepDiagnostics = "diagnostics"
	StepBroker      = "broker"
	StepControl     = "control"
	StepSample      = "sample"
)

// Telemetry is the broker session. *mqtt.Channel satisfies it.
type Telemetry interface {
	Connected() bool
	Connect(ctx context.Context) error
	Pump(timeout time.Duration) error
	PublishReading(ctx context.Context, r *sensor.Reading) error
	Drop(cause error)
}

// Sampler produces validated readings. *sensor.Sampler satisfies it.
type Sampler interface {
	Read(ctx context.Context) *sensor.Reading
}

// Control is the queued request executor. *api.Server satisfies it.
type Control interface {
	Poll() bool
}

// Link reports link health and the network address. *link.Supervisor
// satisfies it.
type Link interface {
	Connected() bool
	CurrentAddress() string
}

// IntervalSource provides the live sampling interval. *config.Store
// satisfies it.
type IntervalSource interface {
	Interval() time.Duration
}

// Deps are the subsystems the coordinator drives. Control and Indicator
// may be nil.
type Deps struct {
	Link      Link
	Telemetry Telemetry
	Sampler   Sampler
	Control   Control
	Interval  IntervalSource
	Status    *status.Tracker
	Indicator indicator.Indicator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIdle sets the pause between ticks.
func WithIdle(d time.Duration) Option {
	return func(c *Coordinator) { c.idle = d }
}

// WithCooldown sets the minimum gap between broker connect attempts.
func WithCooldown(d time.Duration) Option {
	return func(c *Coordinator) { c.reconnect = connwatch.NewCooldown(d) }
}

// Coordinator owns the tick loop. Apart from [Coordinator.RequestRetick]
// its methods must be called from a single goroutine.
type Coordinator struct {
	link      Link
	telemetry Telemetry
	sampler   Sampler
	control   Control
	interval  IntervalSource
	status    *status.Tracker
	indicator indicator.Indicator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now         func() time.Time
	idle        time.Duration
	pumpTimeout time.Duration
	reconnect   *connwatch.Cooldown

	lastSample time.Time
	retick     atomic.Bool
	failures   int
}

// New creates a Coordinator.
func New(d Deps, opts ...Option) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := d.Status
	if st == nil {
		st = status.NewTracker(nil, logger)
	}
	c := &Coordinator{
		link:        d.Link,
		telemetry:   d.Telemetry,
		sampler:     d.Sampler,
		control:     d.Control,
		interval:    d.Interval,
		status:      st,
		indicator:   d.Indicator,
		metrics:     d.Metrics,
		logger:      logger,
		now:         time.Now,
		idle:        DefaultIdle,
		pumpTimeout: DefaultPumpTimeout,
		reconnect:   connwatch.NewCooldown(DefaultCooldown),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestRetick makes the next tick sample regardless of how long ago
// the last sample was. Safe to call from any goroutine.
func (c *Coordinator) RequestRetick() {
	c.retick.Store(true)
}

// Run ticks until ctx is cancelled. The caller is responsible for the
// clean broker disconnect afterwards.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		"subsystem", "coordinator",
		"idle", c.idle,
		"reconnect_cooldown", c.reconnect.Period(),
		"interval", c.interval.Interval(),
	)
	c.setIndicator(true)

	timer := time.NewTimer(c.idle)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			c.logger.Info("coordinator stopped", "subsystem", "coordinator")
			return nil
		}

		c.Tick(ctx)

		timer.Reset(c.idle)
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped", "subsystem", "coordinator")
			return nil
		case <-timer.C:
		}
	}
}

// Tick runs one iteration of the loop.
func (c *Coordinator) Tick(ctx context.Context) {
	now := c.now()
	c.step(StepDiagnostics, func() { c.refreshDiagnostics() })
	c.step(StepBroker, func() { c.serviceBroker(ctx, now) })
	if c.control != nil {
		c.step(StepControl, func() { c.control.Poll() })
	}
	c.step(StepSample, func() { c.maybeSample(ctx, now) })
}

// step runs fn, containing any panic.
func (c *Coordinator) step(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.metrics.StepPanic(name)
			c.logger.Error("tick step panicked",
				"subsystem", "coordinator",
				"step", name,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

func (c *Coordinator) refreshDiagnostics() {
	linkUp := c.link.Connected()
	addr := c.link.CurrentAddress()
	brokerUp := c.telemetry.Connected()

	c.status.SetLink(linkUp, addr)
	c.status.SetBroker(brokerUp)
	c.metrics.SetConnections(linkUp, brokerUp)
}

// serviceBroker pumps a live session or, when the session is down and
// the cooldown allows, makes one connect attempt.
func (c *Coordinator) serviceBroker(ctx context.Context, now time.Time) {
	if c.telemetry.Connected() {
		err := c.telemetry.Pump(c.pumpTimeout)
		if err == nil {
			return
		}
		c.logger.Warn("broker session failed",
			"subsystem", "coordinator",
			"error", err,
		)
		if !errors.Is(err, mqtt.ErrConnectionLost) {
			c.telemetry.Drop(err)
		}
		c.reconnect.Arm(now)
		return
	}

	if !c.reconnect.Fire(now) {
		return
	}

	err := c.telemetry.Connect(ctx)
	c.metrics.ConnectAttempt(err == nil)
	if err != nil {
		c.logger.Warn("broker connect failed",
			"subsystem", "coordinator",
			"retry_in", c.reconnect.Remaining(now),
			"error", err,
		)
		return
	}
	c.reconnect.Reset()
}

// maybeSample reads the sensor once the interval has elapsed. A failed
// read is not retried until the next interval; it toggles the fault
// indicator instead.
func (c *Coordinator) maybeSample(ctx context.Context, now time.Time) {
	forced := c.retick.Swap(false)
	if !forced && !c.lastSample.IsZero() && now.Sub(c.lastSample) < c.interval.Interval() {
		return
	}
	c.lastSample = now

	r := c.sampler.Read(ctx)
	if r == nil {
		c.failures++
		c.metrics.Sample(false, 0, 0)
		c.toggleIndicator()
		c.logger.Warn("sensor sample failed",
			"subsystem", "coordinator",
			"consecutive_failures", c.failures,
		)
		return
	}

	c.failures = 0
	c.metrics.Sample(true, r.TemperatureC, r.Humidity)
	c.setIndicator(true)
	c.status.RecordReading(ctx, r)
	c.logger.Debug("sensor sampled",
		"subsystem", "coordinator",
		"temperature_c", r.TemperatureC,
		"humidity", r.Humidity,
		"forced", forced,
	)

	if !c.telemetry.Connected() {
		c.logger.Debug("broker down, reading not published", "subsystem", "coordinator")
		return
	}

	if err := c.telemetry.PublishReading(ctx, r); err != nil {
		c.metrics.Publish(false)
		c.logger.Warn("telemetry publish failed",
			"subsystem", "coordinator",
			"error", err,
		)
		c.telemetry.Drop(err)
		c.reconnect.Arm(now)
		return
	}
	c.metrics.Publish(true)
	c.status.RecordPublished(ctx, r)
}

func (c *Coordinator) setIndicator(on bool) {
	if c.indicator == nil {
		return
	}
	if err := c.indicator.Set(on); err != nil {
		c.logger.Debug("indicator write failed", "subsystem", "coordinator", "error", err)
	}
}

func (c *Coordinator) toggleIndicator() {
	if c.indicator == nil {
		return
	}
	if err := c.indicator.Toggle(); err != nil {
		c.logger.Debug("indicator write failed", "subsystem", "coordinator", "error", err)
	}
}
