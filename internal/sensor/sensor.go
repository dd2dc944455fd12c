// Package sensor samples temperature and relative humidity and rejects
// readings that cannot be physically real.
//
// A [Sampler] wraps a [Driver]. Drivers are allowed to fail in any way:
// return errors, return garbage, or panic. The Sampler collapses every
// failure into a nil reading, so callers only ever see a validated
// [Reading] or nothing.
package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Reading is one validated sample. Readings are immutable once returned.
type Reading struct {
	TemperatureC float64
	Humidity     float64 // percent relative humidity
	CapturedAt   time.Time
}

// Driver is the hardware collaborator. Each call reads one channel.
type Driver interface {
	Temperature(ctx context.Context) (float64, error)
	Humidity(ctx context.Context) (float64, error)
}

// Range bounds physically plausible values. A reading outside the range
// is treated as a sensor fault.
type Range struct {
	MinTempC    float64
	MaxTempC    float64
	MinHumidity float64
	MaxHumidity float64
}

// DefaultRange covers the rated envelope of common DHT/SHT-class sensors.
func DefaultRange() Range {
	return Range{MinTempC: -40, MaxTempC: 80, MinHumidity: 0, MaxHumidity: 100}
}

func (r Range) check(temp, hum float64) error {
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return fmt.Errorf("temperature not finite: %v", temp)
	}
	if math.IsNaN(hum) || math.IsInf(hum, 0) {
		return fmt.Errorf("humidity not finite: %v", hum)
	}
	if temp < r.MinTempC || temp > r.MaxTempC {
		return fmt.Errorf("temperature %.2f outside [%.0f, %.0f]", temp, r.MinTempC, r.MaxTempC)
	}
	if hum < r.MinHumidity || hum > r.MaxHumidity {
		return fmt.Errorf("humidity %.2f outside [%.0f, %.0f]", hum, r.MinHumidity, r.MaxHumidity)
	}
	return nil
}

// Sampler validates driver output.
type Sampler struct {
	driver Driver
	rng    Range
	logger *slog.Logger
	now    func() time.Time
}

// NewSampler creates a Sampler. A zero Range is replaced by [DefaultRange].
func NewSampler(driver Driver, rng Range, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == (Range{}) {
		rng = DefaultRange()
	}
	return &Sampler{driver: driver, rng: rng, logger: logger, now: time.Now}
}

// Read samples both channels once. It returns nil if either channel
// fails, the values are not finite, or they fall outside the configured
// range. Read never panics and never retries; rate limiting is the
// caller's job.
func (s *Sampler) Read(ctx context.Context) (r *Reading) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Warn("sensor driver panicked",
				"subsystem", "sensor",
				"panic", p,
			)
			r = nil
		}
	}()

	temp, err := s.driver.Temperature(ctx)
	if err != nil {
		s.logger.Debug("temperature read failed", "subsystem", "sensor", "error", err)
		return nil
	}
	hum, err := s.driver.Humidity(ctx)
	if err != nil {
		s.logger.Debug("humidity read failed", "subsystem", "sensor", "error", err)
		return nil
	}
	if err := s.rng.check(temp, hum); err != nil {
		s.logger.Debug("reading rejected", "subsystem", "sensor", "error", err)
		return nil
	}

	return &Reading{
		TemperatureC: temp,
		Humidity:     hum,
		CapturedAt:   s.now().UTC(),
	}
}
