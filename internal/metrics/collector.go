// Package metrics exposes Prometheus instrumentation for the integrity engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service emits. Each Collector owns its
// registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// Click tracking
	ClicksCounted   prometheus.Counter
	ClicksDuplicate prometheus.Counter
	TrackFailures   *prometheus.CounterVec // label: reason
	TrackDuration   prometheus.Histogram

	// Fraud evaluation
	RulesTriggered     *prometheus.CounterVec // label: rule
	EvaluationFailures prometheus.Counter

	// Ledger
	FlagsRaised   *prometheus.CounterVec // label: rule
	FlagsResolved *prometheus.CounterVec // label: resolution

	// Notifications
	NotificationFailures *prometheus.CounterVec // label: sink
}

// NewCollector creates a Collector with a fresh registry that also carries the
// Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		ClicksCounted: f.NewCounter(prometheus.CounterOpts{
			Name: "integrity_clicks_counted_total",
			Help: "Clicks that incremented a link counter",
		}),
		ClicksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "integrity_clicks_duplicate_total",
			Help: "Clicks recorded as duplicates inside the dedup window",
		}),
		TrackFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_track_failures_total",
			Help: "Click tracking requests that failed, by reason",
		}, []string{"reason"}),
		TrackDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "integrity_track_duration_seconds",
			Help:    "Time spent recording a click, fraud evaluation included",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		RulesTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_rules_triggered_total",
			Help: "Fraud rule triggers, by rule",
		}, []string{"rule"}),
		EvaluationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "integrity_evaluation_failures_total",
			Help: "Fraud evaluations that could not complete",
		}),

		FlagsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_flags_raised_total",
			Help: "New OPEN flags, by rule",
		}, []string{"rule"}),
		FlagsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_flags_resolved_total",
			Help: "Flag reviews, by resolution",
		}, []string{"resolution"}),

		NotificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_notification_failures_total",
			Help: "Flag notifications that could not be delivered, by sink",
		}, []string{"sink"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
