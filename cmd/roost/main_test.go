package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/roost/internal/config"
	"github.com/nugget/roost/internal/link"
	"github.com/nugget/roost/internal/mqtt"
	"github.com/nugget/roost/internal/sensor"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown flag", []string{"-bogus"}, "unknown flag: -bogus"},
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"bad output format equals", []string{"--output=xml", "version"}, "unknown output format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: roost") {
			t.Errorf("run(%v) output missing usage line: %q", args, stdout.String())
		}
	}
}

func TestRun_VersionText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "Roost ") {
		t.Errorf("output = %q, want Roost prefix", out)
	}
	for _, key := range []string{"version:", "go_version:", "arch:"} {
		if !strings.Contains(out, key) {
			t.Errorf("output missing %q", key)
		}
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if info["version"] == "" {
		t.Error("version key missing")
	}
	if _, ok := info["uptime"]; ok {
		t.Error("version output should not carry runtime uptime")
	}
}

func TestRun_CheckConfigValid(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
reading_interval_seconds: 1
mqtt:
  host: broker.example
  publish_mode: combined
listen:
  api_key: secret
sensor:
  driver: sim
`)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "-o", "json", "check-config"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var summary map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &summary); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if summary["valid"] != true {
		t.Errorf("valid = %v, want true", summary["valid"])
	}
	// Clamped to the sensor floor.
	if summary["interval_s"] != float64(config.MinInterval) {
		t.Errorf("interval_s = %v, want %d", summary["interval_s"], config.MinInterval)
	}
	if summary["broker"] != "broker.example:1883" {
		t.Errorf("broker = %v", summary["broker"])
	}
	if summary["publish_mode"] != "combined" {
		t.Errorf("publish_mode = %v", summary["publish_mode"])
	}
	if summary["auth"] != true {
		t.Errorf("auth = %v, want true", summary["auth"])
	}
}

func TestRun_CheckConfigSettingsTOML(t *testing.T) {
	path := writeConfig(t, "settings.toml", `
MQTT_BROKER = "10.0.0.5"
MQTT_PORT = 8883
READING_INTERVAL_SECONDS = 45
`)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config=" + path, "check-config"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"10.0.0.5:8883", "interval_s:", "45"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_CheckConfigInvalid(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mqtt:
  protocol: "4"
sensor:
  driver: thermocouple
`)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "check-config"})
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{"mqtt.protocol", "sensor.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %s", err, want)
		}
	}
	// The summary is still printed.
	if !strings.Contains(stdout.String(), "config: "+path) {
		t.Errorf("summary missing: %q", stdout.String())
	}
}

func TestRun_CheckConfigMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", missing, "check-config"}); err == nil {
		t.Fatal("expected error for missing config, got nil")
	}
}

func TestRun_CheckConfigUnparseable(t *testing.T) {
	path := writeConfig(t, "config.yaml", "mqtt: [unterminated\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "check-config"})
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want load config prefix", err)
	}
}

func TestRun_InitDefaultsToArgument(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"init", dir}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml not created in %s: %v", dir, err)
	}
}

func TestRunServe_LinkUnavailable(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "config.yaml", `
link:
  interface: roost-test-missing0
device:
  data_dir: `+filepath.Join(dir, "data")+`
sensor:
  driver: sim
`)

	// A cancelled context ends the link retry budget immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	err := run(ctx, &stdout, &stderr, []string{"-config", path, "serve"})
	if err == nil {
		t.Fatal("expected error when link never comes up, got nil")
	}
	if !errors.Is(err, link.ErrNoAddress) {
		t.Errorf("error = %v, want wrapping link.ErrNoAddress", err)
	}
	if !strings.Contains(stdout.String(), "config loaded") {
		t.Errorf("log output missing config load line:\n%s", stdout.String())
	}
}

func TestResolveConfigPath_MissingFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, 0, "text")

	missing := filepath.Join(t.TempDir(), "config.yaml")
	if got := resolveConfigPath(missing, logger); got != missing {
		t.Errorf("resolveConfigPath = %q, want %q", got, missing)
	}
	if !strings.Contains(buf.String(), "using defaults") {
		t.Errorf("expected fallback warning, got %q", buf.String())
	}
}

func TestOpenTracker_PersistsAcrossRestarts(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, 0, "text")
	dataDir := filepath.Join(t.TempDir(), "data")
	ctx := context.Background()

	first := openTracker(ctx, dataDir, logger)
	if first.store == nil {
		t.Fatal("expected state store to open")
	}
	r := &sensor.Reading{TemperatureC: 21.5, Humidity: 48}
	first.RecordReading(ctx, r)
	first.RecordPublished(ctx, r)
	first.close()

	second := openTracker(ctx, dataDir, logger)
	defer second.close()
	snap := second.Snapshot()
	if snap.LastPublished == nil {
		t.Fatal("last published reading not restored")
	}
	if snap.LastPublished.TemperatureC != 21.5 || snap.LastPublished.Humidity != 48 {
		t.Errorf("restored reading = %+v", snap.LastPublished)
	}
}

func TestOpenTracker_UnwritableDirFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, 0, "text")

	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("file"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	h := openTracker(context.Background(), filepath.Join(blocker, "data"), logger)
	defer h.close()
	if h.store != nil {
		t.Error("expected in-memory tracker when data dir cannot be created")
	}
	if h.Tracker == nil {
		t.Fatal("tracker is nil")
	}
}

func TestNewDriver(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, 0, "text")

	if _, ok := newDriver(config.SensorConfig{Driver: config.DriverSimulated}, logger).(*sensor.Simulated); !ok {
		t.Error("sim driver did not produce *sensor.Simulated")
	}

	dev := filepath.Join(t.TempDir(), "iio:device0")
	d, ok := newDriver(config.SensorConfig{Driver: config.DriverIIO, IIODevice: dev}, logger).(sensor.IIO)
	if !ok {
		t.Fatal("iio driver did not produce sensor.IIO")
	}
	if d.Dir != dev {
		t.Errorf("IIO dir = %q, want %q", d.Dir, dev)
	}
}

func TestNewBrokerClient(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, 0, "text")
	cfg := config.Default().MQTT
	cfg.Host = "broker.example"

	if _, ok := newBrokerClient(cfg, "roost-01", logger).(*mqtt.PahoV5); !ok {
		t.Error("default protocol should use the v5 transport")
	}
	cfg.Protocol = config.ProtocolV3
	if _, ok := newBrokerClient(cfg, "roost-01", logger).(*mqtt.PahoV3); !ok {
		t.Error("protocol 3.1.1 should use the v3 transport")
	}
}
