// Package status tracks the device's diagnostic snapshot: link and
// broker health plus the two most recent readings (last sampled, last
// successfully published). The coordinator is the only writer; the
// control endpoint and metrics read copies.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/roost/internal/sensor"
)

// TimeFormat is the wire format for every timestamp the agent emits:
// RFC 3339 in UTC with second precision.
const TimeFormat = "2006-01-02T15:04:05Z"

// Timestamp formats t in [TimeFormat].
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Persistence namespace and keys in the state store.
const (
	namespace        = "status"
	keyLastReading   = "last_reading"
	keyLastPublished = "last_published"
)

// ReadingView is the JSON form of a reading in status responses and in
// the state store.
type ReadingView struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

// View converts r for output. A nil reading yields nil (JSON null).
func View(r *sensor.Reading) *ReadingView {
	if r == nil {
		return nil
	}
	return &ReadingView{
		Temperature: r.TemperatureC,
		Humidity:    r.Humidity,
		Timestamp:   Timestamp(r.CapturedAt),
	}
}

func (v *ReadingView) reading() (*sensor.Reading, bool) {
	t, err := time.Parse(TimeFormat, v.Timestamp)
	if err != nil {
		return nil, false
	}
	return &sensor.Reading{TemperatureC: v.Temperature, Humidity: v.Humidity, CapturedAt: t}, true
}

// Snapshot is a point-in-time copy of the device's diagnostics.
type Snapshot struct {
	LinkConnected   bool
	BrokerConnected bool
	Address         string
	LastReading     *sensor.Reading
	LastPublished   *sensor.Reading
	Uptime          time.Duration
}

// Persister is the subset of the state store the tracker needs.
// *opstate.Store satisfies it.
type Persister interface {
	Get(ctx context.Context, namespace, key string) (string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// Tracker owns the live snapshot. It is safe for concurrent use.
type Tracker struct {
	store  Persister
	logger *slog.Logger

	mu      sync.RWMutex
	snap    Snapshot
	started time.Time
	now     func() time.Time
}

// NewTracker creates a Tracker. store may be nil, in which case readings
// are kept in memory only.
func NewTracker(store Persister, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}
}

// Restore loads the readings persisted by a previous run. Missing or
// unreadable entries are skipped.
func (t *Tracker) Restore(ctx context.Context) {
	if t.store == nil {
		return
	}
	last := t.load(ctx, keyLastReading)
	published := t.load(ctx, keyLastPublished)

	t.mu.Lock()
	t.snap.LastReading = last
	t.snap.LastPublished = published
	t.mu.Unlock()
}

func (t *Tracker) load(ctx context.Context, key string) *sensor.Reading {
	raw, err := t.store.Get(ctx, namespace, key)
	if err != nil {
		t.logger.Warn("status restore failed", "subsystem", "status", "key", key, "error", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var v ReadingView
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.logger.Warn("discarding corrupt status entry", "subsystem", "status", "key", key, "error", err)
		return nil
	}
	r, ok := v.reading()
	if !ok {
		t.logger.Warn("discarding corrupt status entry", "subsystem", "status", "key", key)
		return nil
	}
	return r
}

// SetLink records the link diagnostics.
func (t *Tracker) SetLink(connected bool, address string) {
	t.mu.Lock()
	t.snap.LinkConnected = connected
	t.snap.Address = address
	t.mu.Unlock()
}

// SetBroker records whether the broker session is up.
func (t *Tracker) SetBroker(connected bool) {
	t.mu.Lock()
	t.snap.BrokerConnected = connected
	t.mu.Unlock()
}

// RecordReading makes r the last sampled reading.
func (t *Tracker) RecordReading(ctx context.Context, r *sensor.Reading) {
	if r == nil {
		return
	}
	t.mu.Lock()
	t.snap.LastReading = r
	t.mu.Unlock()
	t.persist(ctx, keyLastReading, r)
}

// RecordPublished makes r the last successfully published reading.
func (t *Tracker) RecordPublished(ctx context.Context, r *sensor.Reading) {
	if r == nil {
		return
	}
	t.mu.Lock()
	t.snap.LastPublished = r
	t.mu.Unlock()
	t.persist(ctx, keyLastPublished, r)
}

// persist is best effort: losing a snapshot entry only costs diagnostics
// after the next restart.
func (t *Tracker) persist(ctx context.Context, key string, r *sensor.Reading) {
	if t.store == nil {
		return
	}
	data, err := json.Marshal(View(r))
	if err != nil {
		return
	}
	if err := t.store.Set(ctx, namespace, key, string(data)); err != nil {
		t.logger.Warn("status persist failed", "subsystem", "status", "key", key, "error", err)
	}
}

// Snapshot returns a copy of the current diagnostics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.snap
	s.Uptime = t.now().Sub(t.started).Truncate(time.Second)
	return s
}
