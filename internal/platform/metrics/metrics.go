// Package metrics holds the Prometheus collectors shared by the queue engine
// and its notifier.
package metrics

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitroom_transitions_total",
			Help: "Queue state machine requests by action and result",
		},
		[]string{"action", "result"},
	)

	casConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitroom_cas_conflicts_total",
			Help: "Version-guarded writes that lost against a concurrent write",
		},
		[]string{"action"},
	)

	waiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waitroom_waiting_entries",
			Help: "Entries currently waiting, per priority tier",
		},
		[]string{"tier"},
	)

	inProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waitroom_in_progress_entries",
			Help: "Entries currently in treatment",
		},
	)

	recomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waitroom_recompute_duration_seconds",
			Help:    "Time spent ranking and estimating the active queue",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	sweepNoShows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitroom_sweep_no_shows_total",
			Help: "Entries moved to no_show by the grace-period sweep",
		},
	)

	notifyDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitroom_notify_dropped_total",
			Help: "Delta batches dropped before delivery",
		},
		[]string{"stage"},
	)

	deliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitroom_notify_delivery_failures_total",
			Help: "Delta batches a sink failed to accept after all retries",
		},
		[]string{"sink"},
	)
)

// TrackTransition counts one state machine request.
func TrackTransition(action, result string) {
	transitions.WithLabelValues(action, result).Inc()
}

// TrackConflict counts one lost compare-and-swap.
func TrackConflict(action string) {
	casConflicts.WithLabelValues(action).Inc()
}

// SetQueueDepth publishes the size of the active queue.
func SetQueueDepth(waitingByTier map[string]int, treating int) {
	for _, tier := range []string{"emergency", "scheduled", "walk_in"} {
		waiting.WithLabelValues(tier).Set(float64(waitingByTier[tier]))
	}
	inProgress.Set(float64(treating))
}

// ObserveRecompute records the latency of one ranking pass.
func ObserveRecompute(d time.Duration) {
	recomputeDuration.Observe(d.Seconds())
}

// TrackNoShow counts one sweep-driven no_show.
func TrackNoShow() {
	sweepNoShows.Inc()
}

// TrackDropped counts a dropped delta batch at the given notifier stage.
func TrackDropped(stage string) {
	notifyDropped.WithLabelValues(stage).Inc()
}

// TrackDeliveryFailure counts a batch a sink gave up on.
func TrackDeliveryFailure(sink string) {
	deliveryFailures.WithLabelValues(sink).Inc()
}

// Handler exposes the default registry for scraping.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
