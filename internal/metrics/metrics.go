package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PairsDispatched 按分类统计下发的图片对
	PairsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_pairs_dispatched_total",
			Help: "Total number of image pairs dispatched",
		},
		[]string{"category"},
	)

	// PairsUnavailable 因候选不足无法下发的次数
	PairsUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_pairs_unavailable_total",
			Help: "Total number of pair requests that failed with insufficient items",
		},
		[]string{"category"},
	)

	ComparisonsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_comparisons_recorded_total",
			Help: "Total number of completed comparison rounds",
		},
	)

	// PreferenceUpdates direction: up / down
	PreferenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_preference_updates_total",
			Help: "Total number of preference adjustments",
		},
		[]string{"direction"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_persistence_failures_total",
			Help: "Total number of failed writes to the document store",
		},
		[]string{"operation"},
	)

	HydrationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_hydration_failures_total",
			Help: "Total number of failed session hydration loads",
		},
		[]string{"collection"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairing_active_sessions",
			Help: "Current number of active user sessions",
		},
	)

	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairing_feed_subscribers",
			Help: "Current number of score feed subscribers",
		},
	)

	// BreakerState 0=closed 1=half-open 2=open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairing_circuit_breaker_state",
			Help: "Circuit breaker state for document store writes",
		},
		[]string{"name"},
	)
)
