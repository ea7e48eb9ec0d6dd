package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the sync coordinator.
type Metrics struct {
	registry *prometheus.Registry

	connectedDevices   prometheus.Gauge
	readyDevices       prometheus.Gauge
	sessionsStarted    prometheus.Counter
	sessionsStopped    *prometheus.CounterVec
	tempoChanges       prometheus.Counter
	notesPlayed        prometheus.Counter
	eventsBroadcast    prometheus.Counter
	highLatencyReports prometheus.Counter
}

// New creates and registers Prometheus metrics for the coordinator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	connectedDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ensemble_connected_devices",
		Help: "Number of devices currently connected",
	})
	readyDevices := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ensemble_ready_devices",
		Help: "Number of connected devices that reported ready",
	})
	sessionsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_sessions_started_total",
		Help: "Total number of performance sessions started",
	})
	sessionsStopped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemble_sessions_stopped_total",
		Help: "Total number of performance sessions stopped, by reason",
	}, []string{"reason"})
	tempoChanges := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_tempo_changes_total",
		Help: "Total number of live tempo changes applied",
	})
	notesPlayed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_notes_played_total",
		Help: "Total number of note-played reports received",
	})
	eventsBroadcast := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_events_broadcast_total",
		Help: "Total number of session events broadcast to devices",
	})
	highLatencyReports := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_high_latency_reports_total",
		Help: "Total number of device latency reports over the sync threshold",
	})

	registry.MustRegister(
		connectedDevices,
		readyDevices,
		sessionsStarted,
		sessionsStopped,
		tempoChanges,
		notesPlayed,
		eventsBroadcast,
		highLatencyReports,
	)

	return &Metrics{
		registry:           registry,
		connectedDevices:   connectedDevices,
		readyDevices:       readyDevices,
		sessionsStarted:    sessionsStarted,
		sessionsStopped:    sessionsStopped,
		tempoChanges:       tempoChanges,
		notesPlayed:        notesPlayed,
		eventsBroadcast:    eventsBroadcast,
		highLatencyReports: highLatencyReports,
	}
}

// SetConnectedDevices sets the connected devices gauge.
func (m *Metrics) SetConnectedDevices(n int) {
	m.connectedDevices.Set(float64(n))
}

// SetReadyDevices sets the ready devices gauge.
func (m *Metrics) SetReadyDevices(n int) {
	m.readyDevices.Set(float64(n))
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStarted.Inc()
}

// IncSessionsStopped increments the sessions stopped counter for a reason
// ("command", "silence_timeout", "completed", "superseded").
func (m *Metrics) IncSessionsStopped(reason string) {
	m.sessionsStopped.WithLabelValues(reason).Inc()
}

// IncTempoChanges increments the tempo changes counter.
func (m *Metrics) IncTempoChanges() {
	m.tempoChanges.Inc()
}

// IncNotesPlayed increments the notes played counter.
func (m *Metrics) IncNotesPlayed() {
	m.notesPlayed.Inc()
}

// IncEventsBroadcast increments the broadcast counter.
func (m *Metrics) IncEventsBroadcast() {
	m.eventsBroadcast.Inc()
}

// IncHighLatencyReports increments the high latency report counter.
func (m *Metrics) IncHighLatencyReports() {
	m.highLatencyReports.Inc()
}

// Handler returns an http.Handler that serves the metrics registry.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
