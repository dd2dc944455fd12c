// Package command applies remote configuration commands received on the
// device's MQTT command topic ({base}/{device}/cmd).
//
// The only command is an interval update:
//
//	{"interval": 10, "persist": true}
//
// Malformed payloads are logged and discarded. A payload without an
// interval is ignored. Everything runs on the goroutine that pumps the
// telemetry channel.
package command

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nugget/roost/internal/config"
	"github.com/nugget/roost/internal/metrics"
	"github.com/nugget/roost/internal/mqtt"
)

// Subscriber is the part of the telemetry channel the command channel
// needs. *mqtt.Channel satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, handler mqtt.Handler) error
	CommandTopic() string
}

// IntervalSetter is the part of the config store commands mutate.
// *config.Store satisfies it.
type IntervalSetter interface {
	SetInterval(seconds int, persist bool) (*config.Config, error)
}

// Channel handles inbound commands.
type Channel struct {
	sub     Subscriber
	store   IntervalSetter
	retick  func()
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a command Channel. retick is called after every applied
// interval change so the coordinator samples on its next tick instead of
// waiting out the old interval. It may be nil.
func New(sub Subscriber, store IntervalSetter, retick func(), m *metrics.Metrics, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{sub: sub, store: store, retick: retick, metrics: m, logger: logger}
}

// Subscribe registers the command topic. The registration survives
// broker reconnects; an error here only means the broker subscription
// will be made on the next connect.
func (c *Channel) Subscribe(ctx context.Context) error {
	return c.sub.Subscribe(ctx, c.sub.CommandTopic(), c.Handle)
}

// Handle processes one command message.
func (c *Channel) Handle(topic string, payload []byte) {
	u, err := config.DecodeUpdate(payload)
	if err != nil {
		c.metrics.Command("rejected")
		c.logger.Warn("command rejected",
			"subsystem", "command",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		return
	}
	if u.Interval == nil {
		c.metrics.Command("ignored")
		c.logger.Debug("command without interval ignored", "subsystem", "command", "topic", topic)
		return
	}

	cfg, err := c.store.SetInterval(*u.Interval, u.Persist)
	switch {
	case errors.Is(err, config.ErrPersistenceFailed):
		// The live value still applies.
		c.logger.Warn("command applied but not persisted",
			"subsystem", "command",
			"requested", *u.Interval,
			"error", err,
		)
	case err != nil:
		c.metrics.Command("rejected")
		c.logger.Error("command failed", "subsystem", "command", "requested", *u.Interval, "error", err)
		return
	}

	c.metrics.Command("applied")
	c.metrics.SetInterval(cfg.ReadingIntervalSec)
	c.logger.Info("interval changed by command",
		"subsystem", "command",
		"requested", *u.Interval,
		"interval_s", cfg.ReadingIntervalSec,
		"persist", u.Persist,
	)
	if c.retick != nil {
		c.retick()
	}
}
