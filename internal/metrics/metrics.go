// Package metrics exposes agent health as Prometheus metrics. All
// recorder methods are safe to call on a nil *Metrics, so components can
// take an optional metrics sink without guarding every call.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ns = "roost"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	samples         *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	commands        *prometheus.CounterVec
	controlRequests *prometheus.CounterVec
	stepPanics      *prometheus.CounterVec
	interval        prometheus.Gauge
	brokerConnected prometheus.Gauge
	linkConnected   prometheus.Gauge
	temperature     prometheus.Gauge
	humidity        prometheus.Gauge
}

// New creates the collectors and registers them, along with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sensor_samples_total",
			Help:      "Sensor sample attempts by result (ok, failed).",
		}, []string{"result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "telemetry_publishes_total",
			Help:      "Telemetry publish attempts by result (ok, failed).",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "broker_connect_attempts_total",
			Help:      "Broker connect attempts by result (ok, failed).",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commands_total",
			Help:      "Remote commands received by result (applied, ignored, rejected).",
		}, []string{"result"}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "control_requests_total",
			Help:      "Control endpoint requests by route and status code.",
		}, []string{"route", "code"}),
		stepPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tick_step_panics_total",
			Help:      "Panics recovered in the coordinator loop by step.",
		}, []string{"step"}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "sampling_interval_seconds",
			Help:      "Current sampling interval.",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "broker_connected",
			Help:      "1 if the broker session is connected.",
		}),
		linkConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "link_connected",
			Help:      "1 if the network link has an address.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "temperature_celsius",
			Help:      "Most recent valid temperature reading.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "humidity_percent",
			Help:      "Most recent valid relative humidity reading.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samples,
		m.publishes,
		m.reconnects,
		m.commands,
		m.controlRequests,
		m.stepPanics,
		m.interval,
		m.brokerConnected,
		m.linkConnected,
		m.temperature,
		m.humidity,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Sample records a sensor sample. Valid readings update the gauges.
func (m *Metrics) Sample(ok bool, tempC, humidity float64) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(result(ok)).Inc()
	if ok {
		m.temperature.Set(tempC)
		m.humidity.Set(humidity)
	}
}

// Publish records a telemetry publish attempt.
func (m *Metrics) Publish(ok bool) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result(ok)).Inc()
}

// ConnectAttempt records a broker connect attempt.
func (m *Metrics) ConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result(ok)).Inc()
}

// Command records a remote command outcome: "applied", "ignored" or
// "rejected".
func (m *Metrics) Command(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

// ControlRequest records a control endpoint response.
func (m *Metrics) ControlRequest(route string, code int) {
	if m == nil {
		return
	}
	m.controlRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// StepPanic records a recovered panic in a coordinator step.
func (m *Metrics) StepPanic(step string) {
	if m == nil {
		return
	}
	m.stepPanics.WithLabelValues(step).Inc()
}

// SetInterval records the live sampling interval.
func (m *Metrics) SetInterval(seconds int) {
	if m == nil {
		return
	}
	m.interval.Set(float64(seconds))
}

// SetConnections records link and broker health.
func (m *Metrics) SetConnections(link, broker bool) {
	if m == nil {
		return
	}
	m.linkConnected.Set(boolGauge(link))
	m.brokerConnected.Set(boolGauge(broker))
}
