package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/roost/internal/link"
	"github.com/nugget/roost/internal/metrics"
	"github.com/nugget/roost/internal/mqtt"
	"github.com/nugget/roost/internal/sensor"
	"github.com/nugget/roost/internal/status"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is advanced by the test.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeTelemetry records calls and lets tests script failures.
type fakeTelemetry struct {
	connected bool

	connectErr  error
	pumpErr     error
	publishErr  error
	onPump      func()
	connectedAt []time.Time
	clock       *fakeClock

	connects  int
	pumps     int
	drops     int
	published []*sensor.Reading
}

func (f *fakeTelemetry) Connected() bool { return f.connected }

func (f *fakeTelemetry) Connect(ctx context.Context) error {
	f.connects++
	if f.clock != nil {
		f.connectedAt = append(f.connectedAt, f.clock.Now())
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTelemetry) Pump(timeout time.Duration) error {
	f.pumps++
	if f.onPump != nil {
		f.onPump()
	}
	if f.pumpErr != nil {
		f.connected = false
		return f.pumpErr
	}
	return nil
}

func (f *fakeTelemetry) PublishReading(ctx context.Context, r *sensor.Reading) error {
	if !f.connected {
		return mqtt.ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, r)
	return nil
}

func (f *fakeTelemetry) Drop(cause error) {
	f.drops++
	f.connected = false
}

// scriptedSampler returns its results in order, then repeats the last.
type scriptedSampler struct {
	results []*sensor.Reading
	calls   int
	panics  bool
}

func (s *scriptedSampler) Read(ctx context.Context) *sensor.Reading {
	s.calls++
	if s.panics {
		panic("sensor bus fault")
	}
	if len(s.results) == 0 {
		return nil
	}
	i := min(s.calls-1, len(s.results)-1)
	return s.results[i]
}

type fakeControl struct{ polls int }

func (f *fakeControl) Poll() bool {
	f.polls++
	return false
}

type fakeLink struct {
	up   bool
	addr string
}

func (f fakeLink) Connected() bool        { return f.up }
func (f fakeLink) CurrentAddress() string { return f.addr }

type fixedInterval struct{ d time.Duration }

func (f *fixedInterval) Interval() time.Duration { return f.d }

type fakeIndicator struct {
	on      bool
	sets    int
	toggles int
}

func (f *fakeIndicator) Set(on bool) error { f.sets++; f.on = on; return nil }
func (f *fakeIndicator) Toggle() error     { f.toggles++; f.on = !f.on; return nil }
func (f *fakeIndicator) On() bool          { return f.on }

type harness struct {
	clock     *fakeClock
	telemetry *fakeTelemetry
	sampler   *scriptedSampler
	control   *fakeControl
	interval  *fixedInterval
	indicator *fakeIndicator
	tracker   *status.Tracker
	metrics   *metrics.Metrics
	coord     *Coordinator
}

func newHarness(t *testing.T, results ...*sensor.Reading) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:     clock,
		telemetry: &fakeTelemetry{connected: true, clock: clock},
		sampler:   &scriptedSampler{results: results},
		control:   &fakeControl{},
		interval:  &fixedInterval{d: 30 * time.Second},
		indicator: &fakeIndicator{},
		tracker:   status.NewTracker(nil, quietLogger()),
		metrics:   metrics.New(),
	}
	h.coord = New(Deps{
		Link:      fakeLink{up: true, addr: "192.168.1.40"},
		Telemetry: h.telemetry,
		Sampler:   h.sampler,
		Control:   h.control,
		Interval:  h.interval,
		Status:    h.tracker,
		Indicator: h.indicator,
		Metrics:   h.metrics,
		Logger:    quietLogger(),
	}, WithClock(clock.Now))
	return h
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestTick_TwoFailuresThenOnePublish(t *testing.T) {
	good := &sensor.Reading{TemperatureC: 21.5, Humidity: 48.0, CapturedAt: time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)}
	h := newHarness(t, nil, nil, good)

	for i := 0; i < 3; i++ {
		h.coord.Tick(t.Context())
		h.clock.Advance(30 * time.Second)
	}

	if h.sampler.calls != 3 {
		t.Fatalf("sampler calls = %d, want 3", h.sampler.calls)
	}
	if len(h.telemetry.published) != 1 {
		t.Fatalf("publishes = %d, want exactly 1", len(h.telemetry.published))
	}
	got := h.telemetry.published[0]
	if got.TemperatureC != 21.5 || got.Humidity != 48.0 {
		t.Errorf("published %+v, want 21.5/48.0", got)
	}

	snap := h.tracker.Snapshot()
	if snap.LastReading != good || snap.LastPublished != good {
		t.Errorf("snapshot last_reading=%v last_published=%v", snap.LastReading, snap.LastPublished)
	}
}

func TestTick_RespectsInterval(t *testing.T) {
	good := &sensor.Reading{TemperatureC: 20, Humidity: 50}
	h := newHarness(t, good)

	// 100ms ticks for just under one interval: only the boot sample.
	for i := 0; i < 299; i++ {
		h.coord.Tick(t.Context())
		h.clock.Advance(100 * time.Millisecond)
	}
	if h.sampler.calls != 1 {
		t.Fatalf("sampler calls = %d, want 1", h.sampler.calls)
	}

	h.clock.Advance(100 * time.Millisecond)
	h.coord.Tick(t.Context())
	if h.sampler.calls != 2 {
		t.Errorf("sampler calls after full interval = %d, want 2", h.sampler.calls)
	}
}

func TestTick_IntervalChangeTakesEffectNextTick(t *testing.T) {
	h := newHarness(t, &sensor.Reading{TemperatureC: 20, Humidity: 50})

	h.coord.Tick(t.Context())
	h.clock.Advance(8 * time.Second)
	h.coord.Tick(t.Context())
	if h.sampler.calls != 1 {
		t.Fatalf("sampler calls = %d, want 1", h.sampler.calls)
	}

	h.interval.d = 7 * time.Second
	h.clock.Advance(100 * time.Millisecond)
	h.coord.Tick(t.Context())
	if h.sampler.calls != 2 {
		t.Errorf("sampler calls after shortening interval = %d, want 2", h.sampler.calls)
	}
}

func TestTick_FailuresToggleIndicatorOncePerSample(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d failures", n), func(t *testing.T) {
			h := newHarness(t) // sampler always fails

			for i := 0; i < n; i++ {
				// Several ticks per interval; only one samples.
				for j := 0; j < 5; j++ {
					h.coord.Tick(t.Context())
					h.clock.Advance(time.Second)
				}
				h.clock.Advance(30 * time.Second)
			}

			if h.indicator.toggles != n {
				t.Errorf("toggles = %d, want %d", h.indicator.toggles, n)
			}
			if len(h.telemetry.published) != 0 {
				t.Errorf("published %d readings, want 0", len(h.telemetry.published))
			}
		})
	}
}

func TestTick_SuccessSetsIndicatorSteady(t *testing.T) {
	h := newHarness(t, nil, &sensor.Reading{TemperatureC: 20, Humidity: 50})

	h.coord.Tick(t.Context())
	h.clock.Advance(30 * time.Second)
	h.coord.Tick(t.Context())

	if !h.indicator.On() || h.indicator.sets == 0 {
		t.Errorf("indicator on=%v sets=%d, want steady on", h.indicator.On(), h.indicator.sets)
	}
}

func TestTick_RetickForcesSample(t *testing.T) {
	h := newHarness(t, &sensor.Reading{TemperatureC: 20, Humidity: 50})

	h.coord.Tick(t.Context())
	h.clock.Advance(time.Second)
	h.coord.Tick(t.Context())
	if h.sampler.calls != 1 {
		t.Fatalf("sampler calls = %d, want 1", h.sampler.calls)
	}

	// A command handled during Pump requests a re-tick; the same tick's
	// sample step honors it.
	h.telemetry.onPump = func() { h.coord.RequestRetick() }
	h.clock.Advance(time.Second)
	h.coord.Tick(t.Context())
	if h.sampler.calls != 2 {
		t.Fatalf("sampler calls after retick = %d, want 2", h.sampler.calls)
	}

	h.telemetry.onPump = nil
	h.clock.Advance(time.Second)
	h.coord.Tick(t.Context())
	if h.sampler.calls != 2 {
		t.Errorf("retick should be one-shot, calls = %d", h.sampler.calls)
	}
}

func TestTick_ReconnectAtMostOncePerCooldown(t *testing.T) {
	h := newHarness(t)
	h.telemetry.pumpErr = mqtt.ErrConnectionLost
	h.telemetry.connectErr = errors.New("connection refused")

	// Ten seconds of 100ms ticks.
	for i := 0; i < 100; i++ {
		h.coord.Tick(t.Context())
		h.clock.Advance(100 * time.Millisecond)
	}

	if h.telemetry.pumps != 1 {
		t.Errorf("pumps = %d, want 1", h.telemetry.pumps)
	}
	// Loss at t=0; attempts at 2s, 4s, 6s and 8s.
	if h.telemetry.connects != 4 {
		t.Errorf("connect attempts = %d, want 4", h.telemetry.connects)
	}
	for i := 1; i < len(h.telemetry.connectedAt); i++ {
		if gap := h.telemetry.connectedAt[i].Sub(h.telemetry.connectedAt[i-1]); gap < DefaultCooldown {
			t.Errorf("attempts %d and %d only %v apart", i-1, i, gap)
		}
	}
	if !strings.Contains(scrape(t, h.metrics), `roost_broker_connect_attempts_total{result="failed"} 4`) {
		t.Error("metrics missing four failed connect attempts")
	}
}

func TestTick_RepeatedPumpFailuresReconnectEachCooldown(t *testing.T) {
	h := newHarness(t)
	h.telemetry.pumpErr = mqtt.ErrConnectionLost // every session dies on its first pump

	for i := 0; i < 100; i++ {
		h.coord.Tick(t.Context())
		h.clock.Advance(100 * time.Millisecond)
	}

	if h.telemetry.connects == 0 {
		t.Fatal("no reconnect attempts")
	}
	for i := 1; i < len(h.telemetry.connectedAt); i++ {
		if gap := h.telemetry.connectedAt[i].Sub(h.telemetry.connectedAt[i-1]); gap < DefaultCooldown {
			t.Errorf("attempts %d and %d only %v apart", i-1, i, gap)
		}
	}
	if h.telemetry.connects > 5 {
		t.Errorf("connect attempts = %d in 10s, want at most 5", h.telemetry.connects)
	}
}

func TestTick_PublishFailureDropsAndWaitsForCooldown(t *testing.T) {
	h := newHarness(t, &sensor.Reading{TemperatureC: 20, Humidity: 50})
	h.telemetry.publishErr = errors.New("write: broken pipe")

	h.coord.Tick(t.Context())
	if h.telemetry.drops != 1 {
		t.Fatalf("drops = %d, want 1", h.telemetry.drops)
	}
	h.telemetry.publishErr = nil

	h.clock.Advance(100 * time.Millisecond)
	h.coord.Tick(t.Context())
	if h.telemetry.connects != 0 {
		t.Fatalf("reconnected %d times inside the cooldown", h.telemetry.connects)
	}

	h.clock.Advance(DefaultCooldown)
	h.coord.Tick(t.Context())
	if h.telemetry.connects != 1 || !h.telemetry.Connected() {
		t.Errorf("connects = %d connected = %v, want one successful reconnect", h.telemetry.connects, h.telemetry.Connected())
	}

	if snap := h.tracker.Snapshot(); snap.LastPublished != nil {
		t.Errorf("last_published = %+v, want nil after failed publish", snap.LastPublished)
	}
}

func TestTick_DisconnectedSkipsPublish(t *testing.T) {
	h := newHarness(t, &sensor.Reading{TemperatureC: 20, Humidity: 50})
	h.telemetry.connected = false
	h.telemetry.connectErr = errors.New("no route to host")

	h.coord.Tick(t.Context())

	if h.sampler.calls != 1 {
		t.Errorf("sampler calls = %d, want 1", h.sampler.calls)
	}
	if len(h.telemetry.published) != 0 {
		t.Error("published while disconnected")
	}
	if snap := h.tracker.Snapshot(); snap.LastReading == nil {
		t.Error("last_reading not recorded while broker down")
	}
}

func TestTick_PanickingStepIsContained(t *testing.T) {
	h := newHarness(t)
	h.sampler.panics = true

	for i := 0; i < 3; i++ {
		h.coord.Tick(t.Context())
		h.clock.Advance(30 * time.Second)
	}

	if h.control.polls != 3 {
		t.Errorf("control polls = %d, want 3", h.control.polls)
	}
	if !strings.Contains(scrape(t, h.metrics), `roost_tick_step_panics_total{step="sample"} 3`) {
		t.Error("metrics missing three sample step panics")
	}
}

func TestTick_PollsControlOncePerTick(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.coord.Tick(t.Context())
	}
	if h.control.polls != 10 {
		t.Errorf("polls = %d, want 10", h.control.polls)
	}
}

func TestTick_Diagnostics(t *testing.T) {
	h := newHarness(t)
	h.coord.Tick(t.Context())

	snap := h.tracker.Snapshot()
	if !snap.LinkConnected || snap.Address != "192.168.1.40" || !snap.BrokerConnected {
		t.Errorf("snapshot = %+v", snap)
	}

	h.coord.link = fakeLink{addr: link.UnknownAddress}
	h.telemetry.connected = false
	h.telemetry.connectErr = errors.New("refused")
	h.coord.Tick(t.Context())

	snap = h.tracker.Snapshot()
	if snap.LinkConnected || snap.BrokerConnected {
		t.Errorf("snapshot = %+v, want link and broker down", snap)
	}
}

func TestTick_DiagnosticsUseLinkHealth(t *testing.T) {
	h := newHarness(t)
	// Address still assigned while the link reports itself down.
	h.coord.link = fakeLink{up: false, addr: "192.168.1.40"}
	h.coord.Tick(t.Context())

	snap := h.tracker.Snapshot()
	if snap.LinkConnected {
		t.Errorf("LinkConnected = true, want false when the link is down")
	}
	if snap.Address != "192.168.1.40" {
		t.Errorf("Address = %q, want 192.168.1.40", snap.Address)
	}
	if !strings.Contains(scrape(t, h.metrics), "roost_link_connected 0") {
		t.Error("link gauge should read 0 when the link is down")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.coord.idle = time.Millisecond
	h.coord.now = time.Now

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
