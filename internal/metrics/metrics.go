// Package metrics provides Prometheus metrics for the compote daemon's
// core: the RFSC's batch lifecycle, the action queue, and the snapshot
// reference tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LocalBatchCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compote_local_batch_count",
		Help: "Number of sealed-plus-current batch files currently on local disk.",
	})

	ActionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compote_action_queue_depth",
		Help: "Number of pending actions in the Cache Action Log.",
	})

	ConsolidationRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compote_consolidation_runs_total",
		Help: "Total number of ConsolidateOldestBatch runs.",
	})

	ActionsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compote_actions_processed_total",
			Help: "Total number of actions the action worker completed, by type.",
		},
		[]string{"type"},
	)

	ActionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compote_action_retries_total",
			Help: "Total number of failed process() attempts, by action type.",
		},
		[]string{"type"},
	)

	SnapshotReferencesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compote_snapshot_references_active",
		Help: "Number of outstanding snapshot references across all trackers.",
	})

	BatchUploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compote_batch_upload_bytes_total",
		Help: "Total bytes uploaded for batch and consolidated-batch files.",
	})
)

// Handler returns the HTTP handler to mount at the metrics listen
// address.
func Handler() http.Handler {
	return promhttp.Handler()
}
