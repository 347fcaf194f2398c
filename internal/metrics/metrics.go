// Package metrics exposes the service's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the meters shared across the service. Dead-lettered events
// are the operator-visible alert signal for the publish pipeline.
type Metrics struct {
	TransitionsTotal    *prometheus.CounterVec
	EventsPublished     prometheus.Counter
	PublishFailures     prometheus.Counter
	EventsDeadLettered  prometheus.Counter
	OutboxLeaseBatches  prometheus.Counter
	RendersTotal        *prometheus.CounterVec
	RenderDuration      prometheus.Histogram
	SnapshotCacheHits   prometheus.Counter
	SnapshotCacheMisses prometheus.Counter
}

// New creates the metric set and registers it with reg. Tests pass a fresh
// registry to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_lifecycle_transitions_total",
			Help: "Successful lifecycle transitions by form type and target state.",
		}, []string{"form_type", "to_state"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forms_events_published_total",
			Help: "Lifecycle events confirmed on the message bus.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forms_event_publish_failures_total",
			Help: "Delivery attempts that failed and were left for retry.",
		}),
		EventsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forms_events_dead_lettered_total",
			Help: "Events routed to the dead-letter record; requires operator intervention.",
		}),
		OutboxLeaseBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forms_outbox_lease_batches_total",
			Help: "Outbox batches leased by publisher workers.",
		}),
		RendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forms_snapshot_renders_total",
			Help: "Snapshot render requests by outcome.",
		}, []string{"outcome"}),
		RenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forms_snapshot_render_duration_seconds",
			Help:    "Time spent rendering snapshot PDFs.",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forms_snapshot_cache_hits_total",
			Help: "Snapshot requests served from the object-store cache.",
		}),
		SnapshotCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forms_snapshot_cache_misses_total",
			Help: "Snapshot requests that re-rendered the document.",
		}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.EventsPublished,
		m.PublishFailures,
		m.EventsDeadLettered,
		m.OutboxLeaseBatches,
		m.RendersTotal,
		m.RenderDuration,
		m.SnapshotCacheHits,
		m.SnapshotCacheMisses,
	)
	return m
}
