package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/roost/examples"
)

// runInit prepares a Roost working directory: the data directory plus
// example config files. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Roost in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// Both files hold broker and WiFi credentials.
	files := []struct {
		name    string
		content []byte
	}{
		{"config.yaml", examples.ConfigYAML},
		{"settings.example.toml", examples.SettingsTOML},
	}
	for _, f := range files {
		if err := writeIfMissing(w, filepath.Join(dir, f.name), f.content, 0o600); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml (broker, link, sensor) and run: roost serve")
	fmt.Fprintln(w, "settings.example.toml shows the equivalent CircuitPython-style keys.")
	return nil
}

// writeIfMissing creates path with content and mode, reporting the
// outcome on w. An existing file is left untouched.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
