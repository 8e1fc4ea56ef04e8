// Package metrics provides Prometheus metrics for the showchat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PresenceSessions tracks the number of sessions with tracked presence.
	PresenceSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "showchat_presence_sessions",
			Help: "Number of subscriptions with tracked presence",
		},
	)

	// PresenceEvents counts published presence transitions.
	PresenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showchat_presence_events_total",
			Help: "Total number of presence events by operation and kind",
		},
		[]string{"operation", "kind"},
	)

	// AuthFailures counts presence subscriptions that carried no valid identity.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showchat_presence_auth_failures_total",
			Help: "Total number of presence subscriptions without a valid identity",
		},
		[]string{"operation"},
	)

	// PersistenceErrors counts presence store failures after retries.
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showchat_presence_persistence_errors_total",
			Help: "Total number of presence store failures by operation and store call",
		},
		[]string{"operation", "call"},
	)

	// PublishFailures counts events the bus failed to accept.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "showchat_bus_publish_failures_total",
			Help: "Total number of failed bus publishes by topic",
		},
		[]string{"topic"},
	)

	// CatalogRefreshDuration tracks the duration of homepage refreshes.
	CatalogRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "showchat_catalog_refresh_duration_seconds",
			Help:    "Duration of catalog homepage refreshes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CatalogRefreshErrors counts failed homepage refreshes.
	CatalogRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showchat_catalog_refresh_errors_total",
			Help: "Total number of failed catalog homepage refreshes",
		},
	)

	// DroppedFrames counts data frames dropped for slow WebSocket clients.
	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "showchat_ws_dropped_frames_total",
			Help: "Total number of data frames dropped because the client buffer was full",
		},
	)
)

// RecordEvent records a published presence event.
func RecordEvent(operation string, added bool) {
	kind := "leave"
	if added {
		kind = "join"
	}
	PresenceEvents.WithLabelValues(operation, kind).Inc()
}
