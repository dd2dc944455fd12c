// Package indicator drives the device's fault LED. The LED is steady on
// while sampling is healthy and changes state once for every failed
// sample, so a blinking LED means the sensor is failing.
package indicator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Indicator is a two-state visual signal.
type Indicator interface {
	// Set drives the indicator to on or off.
	Set(on bool) error
	// Toggle inverts the indicator.
	Toggle() error
	// On reports the last state written.
	On() bool
}

// LED is a Linux sysfs LED (/sys/class/leds/<name>). The kernel trigger
// must be "none" for brightness writes to stick; [NewLED] sets it.
type LED struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
	on bool
}

// NewLED claims the sysfs LED at dir. Failure to set the trigger is
// logged but not fatal; some LEDs have no trigger file.
func NewLED(dir string, logger *slog.Logger) *LED {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LED{dir: dir, logger: logger}
	if err := os.WriteFile(filepath.Join(dir, "trigger"), []byte("none"), 0o644); err != nil {
		logger.Debug("led trigger not set", "subsystem", "indicator", "led", dir, "error", err)
	}
	return l
}

// Set implements [Indicator].
func (l *LED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(on)
}

// Toggle implements [Indicator].
func (l *LED) Toggle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(!l.on)
}

func (l *LED) write(on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	path := filepath.Join(l.dir, "brightness")
	// Track the intended state even if the write fails, so toggles keep
	// alternating once the LED comes back.
	l.on = on
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// On implements [Indicator].
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Log is an [Indicator] for hardware without an LED. State changes are
// logged at debug level.
type Log struct {
	logger *slog.Logger

	mu sync.Mutex
	on bool
}

// NewLog returns a logging indicator.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Set implements [Indicator].
func (l *Log) Set(on bool) error {
	l.mu.Lock()
	l.on = on
	l.mu.Unlock()
	l.logger.Debug("indicator", "subsystem", "indicator", "on", on)
	return nil
}

// Toggle implements [Indicator].
func (l *Log) Toggle() error {
	l.mu.Lock()
	l.on = !l.on
	on := l.on
	l.mu.Unlock()
	l.logger.Debug("indicator toggled", "subsystem", "indicator", "on", on)
	return nil
}

// On implements [Indicator].
func (l *Log) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}
