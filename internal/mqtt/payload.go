package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nugget/roost/internal/sensor"
	"github.com/nugget/roost/internal/status"
)

// Topic leaves under {base}/{device}/.
const (
	LeafStatus      = "status"
	LeafTemperature = "temperature"
	LeafHumidity    = "humidity"
	LeafTelemetry   = "telemetry"
	LeafCommand     = "cmd"
)

// Presence values on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Units in split-mode payloads.
const (
	UnitCelsius = "°C"
	UnitPercent = "%"
)

// Topic joins base, device and leaf into a topic name. Stray slashes on
// base are trimmed so "iiot/test/" and "iiot/test" are equivalent.
func Topic(base, deviceID, leaf string) string {
	return strings.Trim(base, "/") + "/" + deviceID + "/" + leaf
}

// StatusPayload is published on the status topic and registered as the
// will message.
type StatusPayload struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// MeasurementPayload carries one channel in split mode.
type MeasurementPayload struct {
	DeviceID  string  `json:"device_id"`
	Unit      string  `json:"unit"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// TelemetryPayload carries both channels in combined mode.
type TelemetryPayload struct {
	DeviceID    string  `json:"device_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

func statusPayload(deviceID, state string, at time.Time) []byte {
	b, _ := json.Marshal(StatusPayload{
		DeviceID:  deviceID,
		Status:    state,
		Timestamp: status.Timestamp(at),
	})
	return b
}

// outbound is one message to publish.
type outbound struct {
	topic   string
	payload []byte
}

// readingMessages renders r for the configured publish mode.
func readingMessages(base, deviceID string, combined bool, r *sensor.Reading) []outbound {
	ts := status.Timestamp(r.CapturedAt)
	if combined {
		b, _ := json.Marshal(TelemetryPayload{
			DeviceID:    deviceID,
			Temperature: r.TemperatureC,
			Humidity:    r.Humidity,
			Timestamp:   ts,
		})
		return []outbound{{Topic(base, deviceID, LeafTelemetry), b}}
	}

	temp, _ := json.Marshal(MeasurementPayload{DeviceID: deviceID, Unit: UnitCelsius, Value: r.TemperatureC, Timestamp: ts})
	hum, _ := json.Marshal(MeasurementPayload{DeviceID: deviceID, Unit: UnitPercent, Value: r.Humidity, Timestamp: ts})
	return []outbound{
		{Topic(base, deviceID, LeafTemperature), temp},
		{Topic(base, deviceID, LeafHumidity), hum},
	}
}

// topicMatches reports whether topic matches an MQTT subscription
// filter, including + and # wildcards.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
