// Package metrics exposes update-client counters to Prometheus.
//
// All methods are safe to call on a nil *Metrics, so components can run
// without a metrics server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ota"

// Metrics holds the client's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	stage          prometheus.Gauge
	events         *prometheus.CounterVec
	pipelineErrors *prometheus.CounterVec
	reconnects     prometheus.Counter
	disconnects    prometheus.Counter
	downloadBytes  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_cycles_total",
			Help:      "Update cycles by terminal outcome.",
		}, []string{"outcome"}),
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_stage",
			Help:      "Current orchestrator stage (0 is idle).",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events consumed by the orchestrator.",
		}, []string{"kind", "disposition"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Pipeline failures by kind.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "station_reconnects_total",
			Help:      "Automatic reconnect attempts.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "station_disconnects_total",
			Help:      "Disconnects surfaced after the reconnect budget ran out.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Firmware bytes written to staging.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.stage, m.events, m.pipelineErrors,
		m.reconnects, m.disconnects, m.downloadBytes,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CycleOutcome(outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetStage(stage int) {
	if m == nil {
		return
	}
	m.stage.Set(float64(stage))
}

// Event counts one consumed event; disposition is "handled" or "ignored".
func (m *Metrics) Event(kind, disposition string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, disposition).Inc()
}

func (m *Metrics) PipelineError(kind string) {
	if m == nil {
		return
	}
	m.pipelineErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Disconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) Downloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}
