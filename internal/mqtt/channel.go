package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/roost/internal/config"
	"github.com/nugget/roost/internal/sensor"
)

// QoS used for every publish and subscription: at least once.
const qosAtLeastOnce byte = 1

// inboundQueueSize bounds messages buffered between pumps. Commands
// arrive at human rates; a full queue means something is flooding us.
const inboundQueueSize = 64

var (
	// ErrNotConnected is returned for operations that need a live
	// session when the channel is not Connected. No I/O is attempted.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionLost is returned by [Channel.Pump] when the transport
	// reported that the session dropped.
	ErrConnectionLost = errors.New("mqtt: connection lost")
)

// State is the broker session state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler processes one inbound message. It runs on the goroutine that
// called [Channel.Pump].
type Handler func(topic string, payload []byte)

// Settings configure a Channel.
type Settings struct {
	DeviceID  string
	BaseTopic string
	// Combined selects the single-message telemetry payload instead of
	// one message per channel.
	Combined bool
	// OpTimeout bounds connect, publish and subscribe calls (default 5s).
	OpTimeout time.Duration
}

type inbound struct {
	gen uint64
	msg Message
}

type subscription struct {
	filter  string
	handler Handler
}

// Channel is the telemetry session state machine.
type Channel struct {
	client   Client
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	state atomic.Int32

	// gen identifies the current session. Transport callbacks carry the
	// generation they were registered with; anything from an older
	// session is ignored.
	gen     atomic.Uint64
	lostGen atomic.Uint64
	lostMu  sync.Mutex
	lostErr error

	queue   chan inbound
	dropped atomic.Int64

	// subs is only touched from the owning goroutine.
	subs []subscription
}

// NewChannel creates a disconnected Channel over client.
func NewChannel(client Client, settings Settings, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.OpTimeout <= 0 {
		settings.OpTimeout = 5 * time.Second
	}
	return &Channel{
		client:   client,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		queue:    make(chan inbound, inboundQueueSize),
	}
}

// State returns the current session state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Connected reports whether the session is up.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

func (c *Channel) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("mqtt session state", "subsystem", "mqtt", "from", prev.String(), "to", s.String())
	}
}

// StatusTopic is where presence and the will are published.
func (c *Channel) StatusTopic() string {
	return Topic(c.settings.BaseTopic, c.settings.DeviceID, LeafStatus)
}

// CommandTopic is the inbound command topic for this device.
func (c *Channel) CommandTopic() string {
	return Topic(c.settings.BaseTopic, c.settings.DeviceID, LeafCommand)
}

// Connect opens a new session: will registered in CONNECT, retained
// "online" published, every registered subscription restored. Any
// failure leaves the channel Disconnected and is returned. Calling
// Connect on a live session replaces it.
func (c *Channel) Connect(ctx context.Context) error {
	if c.State() != StateDisconnected {
		c.teardown()
	}

	gen := c.gen.Add(1)
	c.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.settings.OpTimeout)
	defer cancel()

	opts := ConnectOptions{
		Will: Will{
			Topic:   c.StatusTopic(),
			Payload: statusPayload(c.settings.DeviceID, StatusOffline, c.now()),
			QoS:     qosAtLeastOnce,
			Retain:  true,
		},
		OnMessage: func(m Message) { c.enqueue(gen, m) },
		OnLost:    func(err error) { c.markLost(gen, err) },
	}

	if err := c.client.Connect(ctx, opts); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}

	online := statusPayload(c.settings.DeviceID, StatusOnline, c.now())
	if err := c.client.Publish(ctx, c.StatusTopic(), online, qosAtLeastOnce, true); err != nil {
		c.teardown()
		return fmt.Errorf("publish online status: %w", err)
	}

	for _, s := range c.subs {
		if err := c.client.Subscribe(ctx, s.filter, qosAtLeastOnce); err != nil {
			c.teardown()
			return fmt.Errorf("subscribe %s: %w", s.filter, err)
		}
	}

	c.setState(StateConnected)
	c.logger.Info("mqtt connected",
		"subsystem", "mqtt",
		"device_id", c.settings.DeviceID,
		"status_topic", c.StatusTopic(),
		"subscriptions", len(c.subs),
	)
	return nil
}

// PublishReading publishes r as telemetry. It does not change session
// state on failure; the caller decides whether to [Channel.Drop].
func (c *Channel) PublishReading(ctx context.Context, r *sensor.Reading) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if r == nil {
		return errors.New("publish: nil reading")
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.OpTimeout)
	defer cancel()

	for _, m := range readingMessages(c.settings.BaseTopic, c.settings.DeviceID, c.settings.Combined, r) {
		c.logger.Log(ctx, config.LevelTrace, "mqtt publish",
			"subsystem", "mqtt",
			"topic", m.topic,
			"payload", string(m.payload),
		)
		if err := c.client.Publish(ctx, m.topic, m.payload, qosAtLeastOnce, false); err != nil {
			return fmt.Errorf("publish %s: %w", m.topic, err)
		}
	}
	return nil
}

// Subscribe registers handler for filter. The registration survives
// reconnects. If the session is up the broker subscription is made now;
// an error from that leaves the handler registered for the next connect.
func (c *Channel) Subscribe(ctx context.Context, filter string, handler Handler) error {
	replaced := false
	for i := range c.subs {
		if c.subs[i].filter == filter {
			c.subs[i].handler = handler
			replaced = true
			break
		}
	}
	if !replaced {
		c.subs = append(c.subs, subscription{filter: filter, handler: handler})
	}

	if c.State() != StateConnected {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.OpTimeout)
	defer cancel()
	if err := c.client.Subscribe(ctx, filter, qosAtLeastOnce); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// Pump dispatches queued inbound messages to their handlers on the
// calling goroutine until the queue is empty or timeout elapses. It
// returns [ErrConnectionLost] (and moves to Disconnected) if the
// transport reported a dropped session. Messages the session delivered
// before it dropped are dispatched first.
func (c *Channel) Pump(timeout time.Duration) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	deadline := time.Now().Add(timeout)
	current := c.gen.Load()
	for {
		select {
		case in := <-c.queue:
			if in.gen == current {
				c.dispatch(in.msg)
			}
		default:
			return c.checkLost()
		}
		if !time.Now().Before(deadline) {
			return c.checkLost()
		}
	}
}

func (c *Channel) checkLost() error {
	if c.lostGen.Load() != c.gen.Load() {
		return nil
	}
	c.lostMu.Lock()
	cause := c.lostErr
	c.lostMu.Unlock()

	c.drainCurrent()
	c.teardown()
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	return ErrConnectionLost
}

// drainCurrent dispatches whatever the current session already queued.
// It never blocks and handles at most one queue's worth.
func (c *Channel) drainCurrent() {
	current := c.gen.Load()
	for n := cap(c.queue); n > 0; n-- {
		select {
		case in := <-c.queue:
			if in.gen == current {
				c.dispatch(in.msg)
			}
		default:
			return
		}
	}
}

func (c *Channel) dispatch(m Message) {
	for _, s := range c.subs {
		if !topicMatches(s.filter, m.Topic) {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("mqtt handler panicked",
						"subsystem", "mqtt",
						"topic", m.Topic,
						"panic", p,
					)
				}
			}()
			s.handler(m.Topic, m.Payload)
		}()
	}
}

// enqueue is called from transport goroutines.
func (c *Channel) enqueue(gen uint64, m Message) {
	if gen != c.gen.Load() {
		return
	}
	c.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
		"subsystem", "mqtt",
		"topic", m.Topic,
		"payload", string(m.Payload),
	)
	select {
	case c.queue <- inbound{gen: gen, msg: m}:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("mqtt inbound queue full, message dropped",
			"subsystem", "mqtt",
			"topic", m.Topic,
			"dropped_total", n,
		)
	}
}

// markLost is called from transport goroutines.
func (c *Channel) markLost(gen uint64, err error) {
	if gen != c.gen.Load() {
		return
	}
	c.lostMu.Lock()
	c.lostErr = err
	c.lostMu.Unlock()
	c.lostGen.Store(gen)
	c.logger.Warn("mqtt connection lost", "subsystem", "mqtt", "error", err)
}

// Drop tears down the session after a failure the caller detected,
// such as a failed publish. It is a no-op when already Disconnected.
func (c *Channel) Drop(cause error) {
	if c.State() == StateDisconnected {
		return
	}
	c.logger.Warn("mqtt session dropped", "subsystem", "mqtt", "error", cause)
	c.teardown()
}

// teardown closes the transport and invalidates the session generation
// so late callbacks from it are ignored.
func (c *Channel) teardown() {
	c.gen.Add(1)
	if err := c.client.Disconnect(); err != nil {
		c.logger.Debug("mqtt disconnect", "subsystem", "mqtt", "error", err)
	}
	c.setState(StateDisconnected)
}

// DisconnectClean publishes a retained "offline" status and closes the
// session. A clean DISCONNECT suppresses the will, so the explicit
// publish keeps subscribers' view of the device correct. All errors are
// swallowed; this runs during shutdown.
func (c *Channel) DisconnectClean(ctx context.Context) {
	if c.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.OpTimeout)
	defer cancel()

	offline := statusPayload(c.settings.DeviceID, StatusOffline, c.now())
	if err := c.client.Publish(ctx, c.StatusTopic(), offline, qosAtLeastOnce, true); err != nil {
		c.logger.Warn("mqtt offline publish failed", "subsystem", "mqtt", "error", err)
	} else {
		c.logger.Info("mqtt offline status published", "subsystem", "mqtt")
	}
	c.teardown()
}
