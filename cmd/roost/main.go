// Roost is a sensor agent for small Linux devices.
//
// It samples a temperature/humidity sensor on a fixed interval,
// publishes readings to an MQTT broker with last-will presence, accepts
// interval changes over MQTT and a small HTTP control endpoint, and
// persists the interval back to its config file on request. All work is
// driven by a single cooperative loop (see package coordinator).
//
// Usage:
//
//	roost serve              Run the agent
//	roost init [dir]         Write example config files to dir
//	roost check-config       Load and validate the config, then exit
//	roost version            Print version and build information
//	roost -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/roost/internal/api"
	"github.com/nugget/roost/internal/buildinfo"
	"github.com/nugget/roost/internal/command"
	"github.com/nugget/roost/internal/config"
	"github.com/nugget/roost/internal/coordinator"
	"github.com/nugget/roost/internal/indicator"
	"github.com/nugget/roost/internal/link"
	"github.com/nugget/roost/internal/metrics"
	"github.com/nugget/roost/internal/mqtt"
	"github.com/nugget/roost/internal/opstate"
	"github.com/nugget/roost/internal/sensor"
	"github.com/nugget/roost/internal/status"
)

// shutdownTimeout bounds the offline publish and HTTP drain on exit.
const shutdownTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the roost command. Arguments are
// parsed by hand to keep package-level flag state out of tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// A non-zero exit lets the service manager restart the agent.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var cmdName string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && cmdName == "":
			cmdName = args[i]
		default:
			if cmdName != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmdName {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check-config":
		return runCheckConfig(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmdName)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Roost - sensor telemetry agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: roost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the agent")
	fmt.Fprintln(w, "  init [dir]     Write example config files (default: .)")
	fmt.Fprintln(w, "  check-config   Load and validate the config file")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ./settings.toml, ~/.config/roost/config.yaml,")
	fmt.Fprintln(w, "  /etc/roost/config.yaml")
	return nil
}

// runCheckConfig loads the config strictly: unlike serve, a missing or
// unparseable file is an error here.
func runCheckConfig(w io.Writer, configPath string, outputFmt string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	verr := cfg.Validate()

	summary := map[string]any{
		"path":         cfgPath,
		"valid":        verr == nil,
		"interval_s":   cfg.ReadingIntervalSec,
		"broker":       fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		"protocol":     cfg.MQTT.Protocol,
		"publish_mode": cfg.MQTT.PublishMode,
		"base_topic":   cfg.MQTT.BaseTopic,
		"listen_port":  cfg.Listen.Port,
		"auth":         cfg.Listen.APIKey != "",
		"sensor":       cfg.Sensor.Driver,
	}
	if verr != nil {
		summary["error"] = verr.Error()
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "config: %s\n", cfgPath)
		for _, k := range []string{"interval_s", "broker", "protocol", "publish_mode", "base_topic", "listen_port", "auth", "sensor"} {
			fmt.Fprintf(w, "  %-14s %v\n", k+":", summary[k])
		}
	}
	return verr
}

// runServe handles the "roost serve" subcommand.
//
// Boot order: config, logging, network link (fatal if it never comes
// up), device identity, state store, sensor, broker session, control
// endpoint, then the coordinator loop. The broker is not contacted
// during boot; the coordinator's first tick makes the first connect
// attempt.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context and the loop returns
//  2. A retained "offline" status is published and the session closed
//  3. The control endpoint drains
//  4. The state store is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Roost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath := resolveConfigPath(configPath, logger)
	store := config.NewFileStore(cfgPath, logger)
	cfg := store.Load()

	// Reconfigure logging now that the level, format and sink are known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		w, closeLog := config.NewLogWriter(stdout, cfg.LogFile)
		defer closeLog()
		logger = newLogger(w, level, cfg.LogFormat)
		store.SetLogger(logger)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"interval_s", cfg.ReadingIntervalSec,
		"broker", cfg.MQTT.Host,
		"port", cfg.MQTT.Port,
		"protocol", cfg.MQTT.Protocol,
		"publish_mode", cfg.MQTT.PublishMode,
		"listen_port", cfg.Listen.Port,
	)

	m := metrics.New()
	m.SetInterval(cfg.ReadingIntervalSec)

	// --- Network link ---
	iface := &link.Interface{
		Name:      cfg.Link.Interface,
		UpCommand: cfg.Link.UpCommand,
		SSID:      cfg.Link.SSID,
		Password:  cfg.Link.Password,
		Logger:    logger,
	}
	supervisor := link.NewSupervisor(iface, logger)
	if !supervisor.Connect(ctx) {
		return fmt.Errorf("network link unavailable after %d attempts: %w", link.DefaultAttempts, link.ErrNoAddress)
	}

	// --- Identity and local state ---
	deviceID := cfg.Device.ClientID
	if deviceID == "" {
		id, err := mqtt.LoadOrCreateInstanceID(cfg.Device.DataDir)
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}
		deviceID = id
	}
	logger.Info("device identity", "device_id", deviceID)

	tracker := openTracker(ctx, cfg.Device.DataDir, logger)
	defer tracker.close()

	// --- Sensor and indicator ---
	sampler := sensor.NewSampler(newDriver(cfg.Sensor, logger), sensor.Range{
		MinTempC:    cfg.Sensor.MinTempC,
		MaxTempC:    cfg.Sensor.MaxTempC,
		MinHumidity: cfg.Sensor.MinHumidity,
		MaxHumidity: cfg.Sensor.MaxHumidity,
	}, logger)

	var led indicator.Indicator = indicator.NewLog(logger)
	if cfg.Indicator.LED != "" {
		led = indicator.NewLED(cfg.Indicator.LED, logger)
	}

	// --- Broker session ---
	channel := mqtt.NewChannel(newBrokerClient(cfg.MQTT, deviceID, logger), mqtt.Settings{
		DeviceID:  deviceID,
		BaseTopic: cfg.MQTT.BaseTopic,
		Combined:  cfg.MQTT.PublishMode == config.ModeCombined,
		OpTimeout: time.Duration(cfg.MQTT.ConnectTimeoutSec) * time.Second,
	}, logger)

	// --- Control endpoint ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, deviceID, store, tracker.Tracker, logger)
	server.SetAPIKey(cfg.Listen.APIKey)
	server.SetMaxConns(cfg.Listen.MaxConns)
	server.SetMetrics(m)

	// --- Coordinator and commands ---
	coord := coordinator.New(coordinator.Deps{
		Link:      supervisor,
		Telemetry: channel,
		Sampler:   sampler,
		Control:   server,
		Interval:  store,
		Status:    tracker.Tracker,
		Indicator: led,
		Metrics:   m,
		Logger:    logger,
	})

	commands := command.New(channel, store, coord.RequestRetick, m, logger)
	if err := commands.Subscribe(ctx); err != nil {
		logger.Warn("command subscription deferred", "error", err)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("control endpoint failed", "error", err)
		}
	}()

	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	channel.DisconnectClean(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control endpoint shutdown", "error", err)
	}

	logger.Info("Roost stopped")
	return nil
}

// resolveConfigPath picks the config file to load and later rewrite. A
// missing file is not an error: the store falls back to defaults and a
// persisted interval change creates the file.
func resolveConfigPath(explicit string, logger *slog.Logger) string {
	path, err := config.FindConfig(explicit)
	if err == nil {
		return path
	}
	if explicit == "" {
		explicit = "config.yaml"
	}
	logger.Warn("config file not found, using defaults", "path", explicit, "error", err)
	return explicit
}

// trackerHandle pairs the status tracker with its backing store so the
// store can be closed on exit.
type trackerHandle struct {
	*status.Tracker
	store *opstate.Store
}

func (h trackerHandle) close() {
	if h.store != nil {
		h.store.Close()
	}
}

// openTracker restores the diagnostic snapshot from the state database.
// The database is optional; without it the snapshot starts empty and
// lives in memory only.
func openTracker(ctx context.Context, dataDir string, logger *slog.Logger) trackerHandle {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Warn("state directory unavailable, status kept in memory", "path", dataDir, "error", err)
		return trackerHandle{Tracker: status.NewTracker(nil, logger)}
	}
	dbPath := filepath.Join(dataDir, "roost.db")
	st, err := opstate.NewStore(dbPath)
	if err != nil {
		logger.Warn("state store unavailable, status kept in memory", "path", dbPath, "error", err)
		return trackerHandle{Tracker: status.NewTracker(nil, logger)}
	}

	t := status.NewTracker(st, logger)
	t.Restore(ctx)
	return trackerHandle{Tracker: t, store: st}
}

// newDriver selects the sensor driver.
func newDriver(cfg config.SensorConfig, logger *slog.Logger) sensor.Driver {
	if cfg.Driver == config.DriverSimulated {
		logger.Info("using simulated sensor")
		return sensor.NewSimulated(uint64(time.Now().UnixNano()))
	}
	if _, err := os.Stat(cfg.IIODevice); errors.Is(err, fs.ErrNotExist) {
		// Not fatal: the device may appear once the kernel module loads,
		// and each failed read toggles the fault indicator meanwhile.
		logger.Warn("IIO device not present", "path", cfg.IIODevice)
	}
	return sensor.IIO{Dir: cfg.IIODevice}
}

// newBrokerClient selects the MQTT transport for the configured
// protocol version.
func newBrokerClient(cfg config.BrokerSettings, clientID string, logger *slog.Logger) mqtt.Client {
	opts := mqtt.TransportOptions{
		Host:      cfg.Host,
		Port:      cfg.Port,
		TLS:       cfg.TLS,
		ClientID:  clientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		KeepAlive: time.Duration(cfg.KeepAliveSec) * time.Second,
	}
	if cfg.Protocol == config.ProtocolV3 {
		return mqtt.NewPahoV3(opts, logger)
	}
	return mqtt.NewPahoV5(opts, logger)
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
