package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// settingsFile mirrors the flat CircuitPython settings.toml layout that
// earlier firmware for this device used. Existing deployments can point
// Roost at that file unchanged.
type settingsFile struct {
	WiFiSSID     string  `toml:"CIRCUITPY_WIFI_SSID"`
	WiFiPassword string  `toml:"CIRCUITPY_WIFI_PASSWORD"`
	Broker       string  `toml:"MQTT_BROKER"`
	Port         flexInt `toml:"MQTT_PORT"`
	User         string  `toml:"MQTT_USER"`
	Password     string  `toml:"MQTT_PASSWORD"`
	ClientID     string  `toml:"MQTT_CLIENT_ID"`
	BaseTopic    string  `toml:"MQTT_BASE_TOPIC"`
	Interval     flexInt `toml:"READING_INTERVAL_SECONDS"`
	APIKey       string  `toml:"API_KEY"`
	HTTPPort     flexInt `toml:"HTTP_PORT"`
	LogLevel     string  `toml:"LOG_LEVEL"`
}

// flexInt accepts both TOML integers and quoted integers. CircuitPython
// settings files commonly quote every value.
type flexInt struct {
	value int
	set   bool
}

// UnmarshalTOML implements [toml.Unmarshaler].
func (f *flexInt) UnmarshalTOML(v any) error {
	switch n := v.(type) {
	case int64:
		f.value = int(n)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return fmt.Errorf("expected integer, got %q", n)
		}
		f.value = i
	default:
		return fmt.Errorf("expected integer, got %T", v)
	}
	f.set = true
	return nil
}

// decodeSettings overlays a settings.toml document onto cfg.
func decodeSettings(data []byte, cfg *Config) error {
	var s settingsFile
	if err := toml.Unmarshal(data, &s); err != nil {
		return err
	}

	if s.WiFiSSID != "" {
		cfg.Link.SSID = s.WiFiSSID
	}
	if s.WiFiPassword != "" {
		cfg.Link.Password = s.WiFiPassword
	}
	if s.Broker != "" {
		cfg.MQTT.Host = s.Broker
	}
	if s.Port.set {
		cfg.MQTT.Port = s.Port.value
	}
	cfg.MQTT.Username = s.User
	cfg.MQTT.Password = s.Password
	if s.ClientID != "" {
		cfg.Device.ClientID = s.ClientID
	}
	if s.BaseTopic != "" {
		cfg.MQTT.BaseTopic = s.BaseTopic
	}
	if s.Interval.set {
		cfg.ReadingIntervalSec = s.Interval.value
	}
	cfg.Listen.APIKey = s.APIKey
	if s.HTTPPort.set {
		cfg.Listen.Port = s.HTTPPort.value
	}
	if s.LogLevel != "" {
		cfg.LogLevel = s.LogLevel
	}
	return nil
}
