// Package metrics provides Prometheus metrics for the caseline engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector on its own registry so that tests and
// multiple engines in one process never collide.
type Metrics struct {
	Registry *prometheus.Registry

	// Jobs launched by stage
	JobsLaunched *prometheus.CounterVec

	// Jobs reaching a terminal status by stage and status
	JobsFinished *prometheus.CounterVec

	// Jobs with live timers
	JobsActive prometheus.Gauge

	// Simulated run time from launch to terminal status
	JobDuration *prometheus.HistogramVec

	// Store mutations by kind
	StoreMutations *prometheus.CounterVec

	StoreVersion prometheus.Gauge

	PersistFailures prometheus.Counter

	// Timeline events appended by type
	TimelineEvents *prometheus.CounterVec

	// Webhook deliveries by result
	WebhookDeliveries *prometheus.CounterVec
}

// New creates a Metrics instance registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		JobsLaunched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseline",
			Subsystem: "jobs",
			Name:      "launched_total",
			Help:      "Total model jobs launched by stage",
		}, []string{"stage"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseline",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total model jobs reaching a terminal status",
		}, []string{"stage", "status"}),
		JobsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "caseline",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Model jobs with scheduled timers",
		}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "caseline",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from launch to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"stage"}),
		StoreMutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseline",
			Subsystem: "store",
			Name:      "mutations_total",
			Help:      "Total store mutations by kind",
		}, []string{"kind"}),
		StoreVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "caseline",
			Subsystem: "store",
			Name:      "version",
			Help:      "Current store version",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "caseline",
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Snapshot writes that failed and were skipped",
		}),
		TimelineEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseline",
			Subsystem: "timeline",
			Name:      "events_total",
			Help:      "Timeline events appended by type",
		}, []string{"type"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caseline",
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) JobLaunched(stage string) {
	if m != nil {
		m.JobsLaunched.WithLabelValues(stage).Inc()
		m.JobsActive.Inc()
	}
}

// JobFinished records a terminal job and how long it ran.
func (m *Metrics) JobFinished(stage, status string, d time.Duration) {
	if m != nil {
		m.JobsFinished.WithLabelValues(stage, status).Inc()
		m.JobDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// JobReleased drops a job from the active gauge once its timers are gone.
func (m *Metrics) JobReleased() {
	if m != nil {
		m.JobsActive.Dec()
	}
}

func (m *Metrics) StoreMutation(kind string, version uint64) {
	if m != nil {
		m.StoreMutations.WithLabelValues(kind).Inc()
		m.StoreVersion.Set(float64(version))
	}
}

func (m *Metrics) PersistFailure() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) TimelineEvent(eventType string) {
	if m != nil {
		m.TimelineEvents.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) WebhookDelivery(result string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}
