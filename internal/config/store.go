package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrPersistenceFailed is returned by [Store.SetInterval] when the new
// interval is live in memory but could not be written to durable storage.
var ErrPersistenceFailed = errors.New("interval not persisted")

// ClampInterval raises seconds to [MinInterval]. There is no upper bound;
// see [IntervalDuration] for how very large values are handled.
func ClampInterval(seconds int) int {
	if seconds < MinInterval {
		return MinInterval
	}
	return seconds
}

// maxIntervalSec is the largest interval representable as a time.Duration.
const maxIntervalSec = math.MaxInt64 / int64(time.Second)

// IntervalDuration converts an interval in seconds to a duration,
// saturating instead of overflowing for absurdly large values.
func IntervalDuration(seconds int) time.Duration {
	if int64(seconds) > maxIntervalSec {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ClampInterval(seconds)) * time.Second
}

// Storage is the raw read/write primitive behind the config file.
type Storage interface {
	// ReadFile returns the current document. A missing document is
	// reported with an error satisfying errors.Is(err, fs.ErrNotExist).
	ReadFile() ([]byte, error)
	// WriteFile replaces the document.
	WriteFile(data []byte) error
}

// FileStorage is a [Storage] backed by a file on disk. Writes go to a
// temporary file in the same directory that is synced and renamed over
// the original, so a power cut leaves either the old or the new document.
type FileStorage struct {
	Path string
}

// ReadFile implements [Storage].
func (f FileStorage) ReadFile() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// WriteFile implements [Storage].
func (f FileStorage) WriteFile(data []byte) error {
	mode := fs.FileMode(0o600)
	if info, err := os.Stat(f.Path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("rename to %s: %w", f.Path, err)
	}
	return nil
}

// Store holds the live configuration and owns its durable copy. Reads
// and writes are safe for concurrent use, although in practice every
// mutation comes from the coordinator goroutine.
type Store struct {
	storage Storage
	format  Format
	logger  *slog.Logger

	mu  sync.RWMutex
	cfg *Config

	// writeMu serializes read-modify-write cycles on storage without
	// blocking readers of the in-memory config.
	writeMu sync.Mutex
}

// NewStore creates a Store over storage. The in-memory config starts as
// [Default] until [Store.Load] is called.
func NewStore(storage Storage, format Format, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage: storage,
		format:  format,
		logger:  logger,
		cfg:     Default(),
	}
}

// NewFileStore creates a Store for the config file at path, choosing the
// document format from its extension.
func NewFileStore(path string, logger *slog.Logger) *Store {
	return NewStore(FileStorage{Path: path}, FormatForPath(path), logger)
}

// SetLogger replaces the logger, typically once the configured log
// level and format are known.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Path returns the config file path for a file-backed store, or "".
func (s *Store) Path() string {
	if fs, ok := s.storage.(FileStorage); ok {
		return fs.Path
	}
	return ""
}

// Load reads the config document and makes it live. Any read or parse
// failure is logged and the defaults are used instead: a missing or
// corrupt config file never prevents boot.
func (s *Store) Load() *Config {
	cfg, err := s.read()
	if err != nil {
		s.logger.Warn("config unreadable, using defaults", "error", err)
		cfg = Default()
	} else if err := cfg.Validate(); err != nil {
		s.logger.Warn("config has unrecognized values, using component defaults for them", "error", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	return cfg.Clone()
}

func (s *Store) read() (*Config, error) {
	data, err := s.storage.ReadFile()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, s.format)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Config returns a copy of the live configuration.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// IntervalSeconds returns the live sampling interval in seconds.
func (s *Store) IntervalSeconds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.ReadingIntervalSec
}

// Interval returns the live sampling interval.
func (s *Store) Interval() time.Duration {
	return IntervalDuration(s.IntervalSeconds())
}

// SetInterval clamps seconds to [MinInterval] and makes it live. If
// persist is true the interval line of the config document is rewritten
// in place. The returned config always reflects the new value; a
// persistence failure is reported as an error wrapping
// [ErrPersistenceFailed] but does not roll back the live value.
func (s *Store) SetInterval(seconds int, persist bool) (*Config, error) {
	seconds = ClampInterval(seconds)

	s.mu.Lock()
	previous := s.cfg.ReadingIntervalSec
	s.cfg.ReadingIntervalSec = seconds
	cfg := s.cfg.Clone()
	s.mu.Unlock()

	s.logger.Info("sampling interval updated",
		"previous_s", previous,
		"interval_s", seconds,
		"persist", persist,
	)

	if !persist {
		return cfg, nil
	}

	if err := s.persistInterval(seconds); err != nil {
		s.logger.Error("interval persistence failed",
			"interval_s", seconds,
			"error", err,
		)
		return cfg, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return cfg, nil
}

// persistInterval performs the targeted single-line rewrite.
func (s *Store) persistInterval(seconds int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.storage.ReadFile()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
		doc = nil
	}

	out := rewriteInterval(doc, s.format, seconds)
	if doc != nil && bytes.Equal(out, doc) {
		return nil
	}
	if err := s.storage.WriteFile(out); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
