// Package metrics registers the Prometheus instruments of the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "stocksync"

	remoteCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Total number of guarded remote store calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	remoteInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "inflight_tasks",
			Help:      "Remote writes scheduled and not yet finished",
		},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	reconcileChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "reconcile_changes_total",
			Help:      "Local rows changed by reconciliation by kind",
		},
		[]string{"kind"},
	)

	historyEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "entries_total",
			Help:      "History entries appended locally by action",
		},
		[]string{"action"},
	)
)

// RemoteCall counts one guarded remote call. outcome is a guard kind name.
func RemoteCall(operation, outcome string) {
	remoteCalls.WithLabelValues(operation, outcome).Inc()
}

// RemoteTaskStarted and RemoteTaskFinished track scheduled remote writes.
func RemoteTaskStarted() { remoteInflight.Inc() }

func RemoteTaskFinished() { remoteInflight.Dec() }

// ObserveReconcile records one reconciliation pass.
func ObserveReconcile(took time.Duration, inserted, updated, deleted, skipped int) {
	reconcileDuration.Observe(took.Seconds())
	reconcileChanges.WithLabelValues("inserted").Add(float64(inserted))
	reconcileChanges.WithLabelValues("updated").Add(float64(updated))
	reconcileChanges.WithLabelValues("deleted").Add(float64(deleted))
	reconcileChanges.WithLabelValues("skipped").Add(float64(skipped))
}

// HistoryAppended counts a locally stored history entry.
func HistoryAppended(action string) {
	historyEntries.WithLabelValues(action).Inc()
}
