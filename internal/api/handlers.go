package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/roost/internal/config"
	"github.com/nugget/roost/internal/status"
)

// keysEqual compares API keys in constant time.
func keysEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type wifiStatus struct {
	Connected bool   `json:"connected"`
	IP        string `json:"ip"`
}

type mqttStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	Port      int    `json:"port"`
	BaseTopic string `json:"base_topic"`
}

type configStatus struct {
	IntervalS int `json:"interval_s"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	DeviceID      string              `json:"device_id"`
	UptimeS       int64               `json:"uptime_s"`
	WiFi          wifiStatus          `json:"wifi"`
	MQTT          mqttStatus          `json:"mqtt"`
	Config        configStatus        `json:"config"`
	LastSensor    *status.ReadingView `json:"last_sensor"`
	LastPublished *status.ReadingView `json:"last_published"`
	Timestamp     string              `json:"timestamp"`
}

// ConfigResponse is the body of GET /config.
type ConfigResponse struct {
	Interval  int    `json:"interval"`
	Timestamp string `json:"timestamp"`
}

// UpdateResponse is the body of a successful interval change.
type UpdateResponse struct {
	OK           bool   `json:"ok"`
	Interval     int    `json:"interval"`
	Persisted    bool   `json:"persisted"`
	PersistError string `json:"persist_error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "OK")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	cfg := s.store.Config()

	address := snap.Address
	if address == "" {
		address = "0.0.0.0"
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, StatusResponse{
		DeviceID: s.deviceID,
		UptimeS:  int64(snap.Uptime.Seconds()),
		WiFi: wifiStatus{
			Connected: snap.LinkConnected,
			IP:        address,
		},
		MQTT: mqttStatus{
			Connected: snap.BrokerConnected,
			Broker:    cfg.MQTT.Host,
			Port:      cfg.MQTT.Port,
			BaseTopic: cfg.MQTT.BaseTopic,
		},
		Config:        configStatus{IntervalS: cfg.ReadingIntervalSec},
		LastSensor:    status.View(snap.LastReading),
		LastPublished: status.View(snap.LastPublished),
		Timestamp:     s.timestamp(),
	}, s.logger)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ConfigResponse{
		Interval:  s.store.IntervalSeconds(),
		Timestamp: s.timestamp(),
	}, s.logger)
}

// handleConfigPost applies a JSON body {"interval": N, "persist": bool}.
// The body was already buffered by [Server.queued], so reading it here
// never waits on the client.
func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "request body unreadable")
		return
	}

	u, err := config.DecodeUpdate(body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.Interval == nil {
		s.errorResponse(w, http.StatusBadRequest, "interval is required")
		return
	}
	s.applyInterval(w, *u.Interval, u.Persist)
}

// handleConfigSet applies ?interval=N&persist=true|false.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := strings.TrimSpace(q.Get("interval"))
	if raw == "" {
		s.errorResponse(w, http.StatusBadRequest, "interval is required")
		return
	}
	interval, err := strconv.Atoi(raw)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "interval must be an integer")
		return
	}

	persist := false
	if p := strings.TrimSpace(q.Get("persist")); p != "" {
		persist, err = strconv.ParseBool(p)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "persist must be true or false")
			return
		}
	}
	s.applyInterval(w, interval, persist)
}

func (s *Server) applyInterval(w http.ResponseWriter, interval int, persist bool) {
	cfg, err := s.store.SetInterval(interval, persist)
	if err != nil && !errors.Is(err, config.ErrPersistenceFailed) {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.SetInterval(cfg.ReadingIntervalSec)

	resp := UpdateResponse{
		OK:        true,
		Interval:  cfg.ReadingIntervalSec,
		Persisted: persist && err == nil,
		Timestamp: s.timestamp(),
	}
	if err != nil {
		resp.PersistError = err.Error()
	}

	s.logger.Info("interval changed via control endpoint",
		"subsystem", "api",
		"requested", interval,
		"interval_s", resp.Interval,
		"persisted", resp.Persisted,
	)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
