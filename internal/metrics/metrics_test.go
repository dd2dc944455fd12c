package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Sample(true, 20, 40)
	m.Publish(false)
	m.ConnectAttempt(true)
	m.Command("applied")
	m.ControlRequest("/status", 200)
	m.StepPanic("sample")
	m.SetInterval(30)
	m.SetConnections(true, false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil Handler() status = %d, want 404", rec.Code)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRecorders(t *testing.T) {
	m := New()

	m.Sample(true, 21.5, 48)
	m.Sample(false, 0, 0)
	m.Sample(false, 0, 0)
	m.Publish(true)
	m.ConnectAttempt(false)
	m.Command("rejected")
	m.StepPanic("poll")
	m.SetInterval(7)
	m.SetConnections(true, false)

	body := scrape(t, m)
	for _, want := range []string{
		`roost_sensor_samples_total{result="ok"} 1`,
		`roost_sensor_samples_total{result="failed"} 2`,
		`roost_telemetry_publishes_total{result="ok"} 1`,
		`roost_broker_connect_attempts_total{result="failed"} 1`,
		`roost_commands_total{result="rejected"} 1`,
		`roost_tick_step_panics_total{step="poll"} 1`,
		"roost_temperature_celsius 21.5",
		"roost_humidity_percent 48",
		"roost_sampling_interval_seconds 7",
		"roost_link_connected 1",
		"roost_broker_connected 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.ControlRequest("/config", 401)

	body := scrape(t, m)
	for _, want := range []string{
		`roost_control_requests_total{code="401",route="/config"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
