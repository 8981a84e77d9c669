// Package metrics holds the Prometheus instrumentation for the streaming
// subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Stream metrics
	StreamsActive      prometheus.Gauge
	StreamsTotal       *prometheus.CounterVec
	EventsEmittedTotal *prometheus.CounterVec
	StreamDuration     prometheus.Histogram

	// Interrupt metrics
	InterruptsTotal prometheus.Counter

	// Lock metrics
	LockAcquireDuration prometheus.Histogram
	LockTimeoutsTotal   prometheus.Counter

	// Session metrics
	SessionsCreatedTotal prometheus.Counter
	IndexPrunesTotal     prometheus.Counter
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_active",
			Help: "Number of event streams currently executing",
		}),
		StreamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_total",
				Help: "Total number of streams by terminal reason",
			},
			[]string{"reason"},
		),
		EventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_events_emitted_total",
				Help: "Total events forwarded to consumers by kind",
			},
			[]string{"kind"},
		),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_duration_seconds",
			Help:    "Wall time of one stream from init to done",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		InterruptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_interrupts_total",
			Help: "Total interrupt requests observed by producers",
		}),

		LockAcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lock_acquire_duration_seconds",
			Help:    "Time spent acquiring distributed locks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		LockTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lock_timeouts_total",
			Help: "Lock acquisitions that timed out",
		}),

		SessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total session records created",
		}),
		IndexPrunesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_index_prunes_total",
			Help: "Stale owner-index entries pruned",
		}),
	}

	registry.MustRegister(
		m.StreamsActive,
		m.StreamsTotal,
		m.EventsEmittedTotal,
		m.StreamDuration,
		m.InterruptsTotal,
		m.LockAcquireDuration,
		m.LockTimeoutsTotal,
		m.SessionsCreatedTotal,
		m.IndexPrunesTotal,
	)

	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
