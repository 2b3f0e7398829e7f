// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piiguard_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "piiguard_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	VaultLocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "piiguard_vault_locked",
		Help: "Vault lock state: 1=locked, 0=unlocked.",
	})

	IndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "piiguard_detection_index_size",
		Help: "Number of records in the detection hash index.",
	})

	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "piiguard_detections_total",
		Help: "Registered values detected in input fields.",
	}, []string{"type", "matched_by"})

	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "piiguard_notifications_suppressed_total",
		Help: "Notifications suppressed by the per (type, site) cooldown.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "piiguard_events_dropped_total",
		Help: "Broadcast events dropped because a subscriber was not keeping up.",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, RequestDuration, VaultLocked, IndexSize,
		DetectionsTotal, NotificationsSuppressed, EventsDropped,
	)
}

// SetLocked records the vault lock state.
func SetLocked(locked bool) {
	if locked {
		VaultLocked.Set(1)
	} else {
		VaultLocked.Set(0)
	}
}
