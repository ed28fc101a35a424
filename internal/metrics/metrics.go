// Package metrics exposes watcher counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the per-camera counters the watcher maintains. All vectors
// are labelled by camera name only; cameras never share series.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	SessionsStarted  *prometheus.CounterVec
	SessionsStopped  *prometheus.CounterVec
	SnapshotFailures *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	ProcessFaults    *prometheus.CounterVec
	ActiveSessions   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reolink_watcher_events_total",
			Help: "Presence notifications received, by camera and presence value.",
		}, []string{"camera", "present"}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reolink_watcher_sessions_started_total",
			Help: "Recording sessions started.",
		}, []string{"camera"}),
		SessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reolink_watcher_sessions_stopped_total",
			Help: "Recording sessions stopped.",
		}, []string{"camera"}),
		SnapshotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reolink_watcher_snapshot_failures_total",
			Help: "Snapshot fetches that failed (non-fatal to the session).",
		}, []string{"camera"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reolink_watcher_reconnects_total",
			Help: "Subscription reconnect attempts.",
		}, []string{"camera"}),
		ProcessFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reolink_watcher_process_faults_total",
			Help: "Capture processes that exited unexpectedly while recording.",
		}, []string{"camera"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reolink_watcher_active_sessions",
			Help: "Recording sessions currently running.",
		}, []string{"camera"}),
	}

	m.Registry.MustRegister(
		m.EventsTotal,
		m.SessionsStarted,
		m.SessionsStopped,
		m.SnapshotFailures,
		m.Reconnects,
		m.ProcessFaults,
		m.ActiveSessions,
	)

	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
