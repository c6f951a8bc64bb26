package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the engine.
// All methods are safe to call on a nil receiver, so components can be
// constructed without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	activeStreams    prometheus.Gauge
	activeBranches   prometheus.Gauge
	activeRecordings prometheus.Gauge

	recordingsStarted *prometheus.CounterVec
	recordingsStopped prometheus.Counter
	recordingsFailed  prometheus.Counter
	branchOps         *prometheus.CounterVec
	droppedMessages   *prometheus.CounterVec
	retentionDeleted  prometheus.Counter
}

// NewMetrics creates and registers the engine metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_active_streams",
			Help: "Number of registered stream graphs",
		}),
		activeBranches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_active_branches",
			Help: "Number of branches attached across all streams",
		}),
		activeRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "argus_active_recordings",
			Help: "Number of recordings currently writing",
		}),
		recordingsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_recordings_started_total",
			Help: "Total recordings started, by trigger",
		}, []string{"trigger"}),
		recordingsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_recordings_stopped_total",
			Help: "Total recordings finalised as completed",
		}),
		recordingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_recordings_failed_total",
			Help: "Total recordings finalised as failed",
		}),
		branchOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_branch_operations_total",
			Help: "Branch attach and detach operations, by kind and outcome",
		}, []string{"op", "kind", "outcome"}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_bus_events_dropped_total",
			Help: "Messages dropped because a bounded hand-off channel was full",
		}, []string{"channel"}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "argus_retention_deleted_total",
			Help: "Recordings deleted by the retention sweeper",
		}),
	}

	registry.MustRegister(
		m.activeStreams,
		m.activeBranches,
		m.activeRecordings,
		m.recordingsStarted,
		m.recordingsStopped,
		m.recordingsFailed,
		m.branchOps,
		m.droppedMessages,
		m.retentionDeleted,
	)

	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// SetActiveBranches sets the active branches gauge.
func (m *Metrics) SetActiveBranches(n int) {
	if m == nil {
		return
	}
	m.activeBranches.Set(float64(n))
}

// SetActiveRecordings sets the active recordings gauge.
func (m *Metrics) SetActiveRecordings(n int) {
	if m == nil {
		return
	}
	m.activeRecordings.Set(float64(n))
}

// IncRecordingsStarted counts a recording start for the given trigger
// (manual, schedule, event).
func (m *Metrics) IncRecordingsStarted(trigger string) {
	if m == nil {
		return
	}
	m.recordingsStarted.WithLabelValues(trigger).Inc()
}

// IncRecordingsStopped counts a completed recording.
func (m *Metrics) IncRecordingsStopped() {
	if m == nil {
		return
	}
	m.recordingsStopped.Inc()
}

// IncRecordingsFailed counts a failed recording.
func (m *Metrics) IncRecordingsFailed() {
	if m == nil {
		return
	}
	m.recordingsFailed.Inc()
}

// IncBranchOp counts a branch attach/detach.
func (m *Metrics) IncBranchOp(op, kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.branchOps.WithLabelValues(op, kind, outcome).Inc()
}

// IncDropped counts a message dropped on the named hand-off channel.
func (m *Metrics) IncDropped(channel string) {
	if m == nil {
		return
	}
	m.droppedMessages.WithLabelValues(channel).Inc()
}

// AddRetentionDeleted counts recordings removed by retention.
func (m *Metrics) AddRetentionDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
