// Package config handles Roost configuration loading and the durable
// update path for the one field that changes at runtime (the sampling
// interval).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Interval bounds and the defaults used when the config file is missing
// or unreadable.
const (
	// MinInterval is the sensor-imposed floor for the sampling interval
	// in seconds. DHT-class sensors return stale or failed reads when
	// polled faster than this.
	MinInterval = 3

	// DefaultInterval is the sampling interval used when none is configured.
	DefaultInterval = 30

	// DefaultBaseTopic is the MQTT topic prefix used when none is configured.
	DefaultBaseTopic = "iiot/test"
)

// MQTT protocol and publish mode values accepted in the config file.
const (
	ProtocolV5   = "5"
	ProtocolV3   = "3.1.1"
	ModeSplit    = "split"
	ModeCombined = "combined"
)

// Sensor driver names.
const (
	DriverIIO       = "iio"
	DriverSimulated = "sim"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ./settings.toml, ~/.config/roost/config.yaml,
// /etc/roost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml", "settings.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "roost", "config.yaml"))
	}

	paths = append(paths, "/etc/roost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Roost configuration.
type Config struct {
	// ReadingIntervalSec is the sampling interval in seconds. It is the
	// only field mutated at runtime and the only line ever rewritten in
	// the config file. Never below [MinInterval].
	ReadingIntervalSec int `yaml:"reading_interval_seconds"`

	Device    DeviceConfig    `yaml:"device"`
	Link      LinkConfig      `yaml:"link"`
	MQTT      BrokerSettings  `yaml:"mqtt"`
	Listen    ListenConfig    `yaml:"listen"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Indicator IndicatorConfig `yaml:"indicator"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	LogFile   string          `yaml:"log_file"`   // optional rotating file sink
}

// DeviceConfig identifies this device and where it keeps local state.
type DeviceConfig struct {
	// ClientID is the MQTT client id and the device_id in every payload.
	// If empty, a persistent instance id from DataDir is used.
	ClientID string `yaml:"client_id"`
	// DataDir holds the instance id and the snapshot database.
	DataDir string `yaml:"data_dir"`
}

// LinkConfig defines how the network link is brought up and observed.
type LinkConfig struct {
	// Interface is the network interface to watch (e.g. wlan0). If empty,
	// the first non-loopback interface with an IPv4 address is used.
	Interface string `yaml:"interface"`
	SSID      string `yaml:"ssid"`
	Password  string `yaml:"password"`
	// UpCommand is an optional argv run before each bring-up attempt,
	// e.g. ["nmcli", "device", "wifi", "connect", "$ROOST_WIFI_SSID"].
	UpCommand []string `yaml:"up_command"`
}

// BrokerSettings defines the MQTT broker connection.
type BrokerSettings struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	TLS               bool   `yaml:"tls"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	BaseTopic         string `yaml:"base_topic"`
	Protocol          string `yaml:"protocol"`     // "5" (default) or "3.1.1"
	PublishMode       string `yaml:"publish_mode"` // "split" (default) or "combined"
	KeepAliveSec      int    `yaml:"keepalive_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// Configured reports whether a broker host has been set.
func (b BrokerSettings) Configured() bool {
	return b.Host != ""
}

// ListenConfig defines the control endpoint settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// APIKey, when set, is required in the X-API-Key header of every
	// mutating request.
	APIKey string `yaml:"api_key"`
	// MaxConns caps concurrent HTTP connections (default 4).
	MaxConns int `yaml:"max_conns"`
}

// SensorConfig selects the sensor driver and the physically plausible
// range for readings. Values outside the range are discarded.
type SensorConfig struct {
	Driver      string  `yaml:"driver"`     // "iio" (default) or "sim"
	IIODevice   string  `yaml:"iio_device"` // sysfs directory of the IIO device
	MinTempC    float64 `yaml:"min_temp_c"`
	MaxTempC    float64 `yaml:"max_temp_c"`
	MinHumidity float64 `yaml:"min_humidity"`
	MaxHumidity float64 `yaml:"max_humidity"`
}

// IndicatorConfig defines the fault indicator LED.
type IndicatorConfig struct {
	// LED is a sysfs LED directory (e.g. /sys/class/leds/led0). If empty,
	// indicator changes are only logged.
	LED string `yaml:"led"`
}

// Default returns a default configuration. It is what the agent runs
// with when the config file is missing or corrupt.
func Default() *Config {
	return &Config{
		ReadingIntervalSec: DefaultInterval,
		Device: DeviceConfig{
			DataDir: "data",
		},
		MQTT: BrokerSettings{
			Port:              1883,
			BaseTopic:         DefaultBaseTopic,
			Protocol:          ProtocolV5,
			PublishMode:       ModeSplit,
			KeepAliveSec:      30,
			ConnectTimeoutSec: 5,
		},
		Listen: ListenConfig{
			Port:     8080,
			MaxConns: 4,
		},
		Sensor: SensorConfig{
			Driver:      DriverIIO,
			IIODevice:   "/sys/bus/iio/devices/iio:device0",
			MinTempC:    -40,
			MaxTempC:    80,
			MinHumidity: 0,
			MaxHumidity: 100,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.Link.UpCommand != nil {
		out.Link.UpCommand = append([]string(nil), c.Link.UpCommand...)
	}
	return &out
}

// Interval returns the sampling interval as a duration.
func (c *Config) Interval() time.Duration {
	return IntervalDuration(c.ReadingIntervalSec)
}

// applyDefaults fills zero values that a partial config file may have
// cleared. The interval is handled separately by [ClampInterval].
func (c *Config) applyDefaults() {
	d := Default()
	if c.Device.DataDir == "" {
		c.Device.DataDir = d.Device.DataDir
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = d.MQTT.Port
	}
	if strings.Trim(c.MQTT.BaseTopic, "/") == "" {
		c.MQTT.BaseTopic = d.MQTT.BaseTopic
	}
	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = d.MQTT.Protocol
	}
	if c.MQTT.PublishMode == "" {
		c.MQTT.PublishMode = d.MQTT.PublishMode
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = d.MQTT.KeepAliveSec
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		c.MQTT.ConnectTimeoutSec = d.MQTT.ConnectTimeoutSec
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Listen.MaxConns <= 0 {
		c.Listen.MaxConns = d.Listen.MaxConns
	}
	if c.Sensor.Driver == "" {
		c.Sensor.Driver = d.Sensor.Driver
	}
	if c.Sensor.IIODevice == "" {
		c.Sensor.IIODevice = d.Sensor.IIODevice
	}
	if c.Sensor.MinTempC == 0 && c.Sensor.MaxTempC == 0 {
		c.Sensor.MinTempC, c.Sensor.MaxTempC = d.Sensor.MinTempC, d.Sensor.MaxTempC
	}
	if c.Sensor.MinHumidity == 0 && c.Sensor.MaxHumidity == 0 {
		c.Sensor.MinHumidity, c.Sensor.MaxHumidity = d.Sensor.MinHumidity, d.Sensor.MaxHumidity
	}
	c.ReadingIntervalSec = ClampInterval(c.ReadingIntervalSec)
}

// Validate reports settings that are present but not understood. It is
// advisory: the agent still boots with an invalid config, and each
// component falls back to its default for a value it does not recognize.
func (c *Config) Validate() error {
	var problems []string

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q (valid: text, json)", c.LogFormat))
	}
	switch c.MQTT.Protocol {
	case ProtocolV5, ProtocolV3:
	default:
		problems = append(problems, fmt.Sprintf("mqtt.protocol %q (valid: %s, %s)", c.MQTT.Protocol, ProtocolV5, ProtocolV3))
	}
	switch c.MQTT.PublishMode {
	case ModeSplit, ModeCombined:
	default:
		problems = append(problems, fmt.Sprintf("mqtt.publish_mode %q (valid: %s, %s)", c.MQTT.PublishMode, ModeSplit, ModeCombined))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		problems = append(problems, fmt.Sprintf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		problems = append(problems, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Sensor.Driver {
	case DriverIIO, DriverSimulated:
	default:
		problems = append(problems, fmt.Sprintf("sensor.driver %q (valid: %s, %s)", c.Sensor.Driver, DriverIIO, DriverSimulated))
	}
	if c.Sensor.MinTempC >= c.Sensor.MaxTempC {
		problems = append(problems, "sensor.min_temp_c must be below sensor.max_temp_c")
	}
	if c.Sensor.MinHumidity >= c.Sensor.MaxHumidity {
		problems = append(problems, "sensor.min_humidity must be below sensor.max_humidity")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Format identifies the on-disk config document syntax.
type Format int

const (
	// FormatYAML is the native config.yaml format.
	FormatYAML Format = iota
	// FormatTOML is the flat CircuitPython settings.toml format.
	FormatTOML
)

// FormatForPath picks the document format from the file extension.
// Anything that is not .toml is treated as YAML.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes a config document. Keys absent from the document keep
// their [Default] values.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()

	switch format {
	case FormatTOML:
		if err := decodeSettings(data, cfg); err != nil {
			return nil, err
		}
	default:
		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Load reads configuration from a YAML or TOML file. Unlike
// [Store.Load] it reports errors, which makes it suitable for
// `roost check-config`.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, FormatForPath(path))
}
