// Package metrics provides Prometheus metrics for the Persimmon sync daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Watcher metrics
	rawEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_watch_raw_events_total",
			Help: "Raw filesystem events received from the OS watcher",
		},
		[]string{"kind"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persimmon_watch_events_dropped_total",
			Help: "Raw events dropped because the event buffer was full",
		},
	)

	logicalEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_watch_logical_events_total",
			Help: "Debounced logical events emitted to the synchronizer",
		},
		[]string{"kind"},
	)

	// Scan metrics
	fullScansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persimmon_scan_full_scans_total",
			Help: "Full recursive tree scans performed",
		},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persimmon_scan_duration_seconds",
			Help:    "Full scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persimmon_scan_tree_entries",
			Help: "Files currently tracked by the synchronizer",
		},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persimmon_queue_depth",
			Help: "Pending items in the work queue",
		},
	)

	queueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_queue_enqueued_total",
			Help: "Items accepted by the work queue",
		},
		[]string{"reason"},
	)

	queueDedupTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persimmon_queue_dedup_total",
			Help: "Enqueue calls deduplicated against a pending or in-flight item",
		},
	)

	// Worker metrics
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_analyses_total",
			Help: "Analysis tasks completed, by outcome",
		},
		[]string{"status"},
	)

	analysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persimmon_analysis_duration_seconds",
			Help:    "Analysis engine call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	workerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persimmon_worker_restarts_total",
			Help: "Workers replaced by the watchdog",
		},
	)

	// Store / validity metrics
	validityReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_validity_reads_total",
			Help: "Cache validity classifications at read time",
		},
		[]string{"validity"},
	)

	storeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_store_writes_total",
			Help: "Result/cache store writes",
		},
		[]string{"op"},
	)

	// Sweep metrics
	sweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persimmon_sweeps_total",
			Help: "Reconciliation sweeps completed",
		},
	)

	tombstonesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persimmon_tombstones_reaped_total",
			Help: "Tombstoned records hard-deleted by the sweeper",
		},
	)

	// Root metrics
	rootsUnreachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persimmon_roots_unreachable",
			Help: "Watched roots currently unreachable",
		},
	)

	// Blob metrics
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "persimmon_blob_operation_duration_seconds",
			Help:    "Blob backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persimmon_blob_operations_total",
			Help: "Total blob backend operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRawEvent records a raw watcher event.
func RecordRawEvent(kind string) {
	rawEventsTotal.WithLabelValues(kind).Inc()
}

// RecordEventDropped records a raw event dropped on buffer overflow.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// RecordLogicalEvent records a debounced logical event.
func RecordLogicalEvent(kind string) {
	logicalEventsTotal.WithLabelValues(kind).Inc()
}

// RecordFullScan records a completed full scan and its duration.
func RecordFullScan(duration time.Duration) {
	fullScansTotal.Inc()
	scanDuration.Observe(duration.Seconds())
}

// SetTreeSize sets the number of tracked tree entries.
func SetTreeSize(n int) {
	treeSize.Set(float64(n))
}

// SetQueueDepth sets the pending queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordEnqueue records an accepted queue item.
func RecordEnqueue(reason string) {
	queueEnqueuedTotal.WithLabelValues(reason).Inc()
}

// RecordDedup records a deduplicated enqueue call.
func RecordDedup() {
	queueDedupTotal.Inc()
}

// RecordAnalysis records a completed analysis task.
func RecordAnalysis(status string, duration time.Duration) {
	analysesTotal.WithLabelValues(status).Inc()
	analysisDuration.Observe(duration.Seconds())
}

// RecordWorkerRestart records a watchdog-initiated worker replacement.
func RecordWorkerRestart() {
	workerRestartsTotal.Inc()
}

// RecordValidityRead records a validity classification.
func RecordValidityRead(validity string) {
	validityReadsTotal.WithLabelValues(validity).Inc()
}

// RecordStoreWrite records a store write operation.
func RecordStoreWrite(op string) {
	storeWritesTotal.WithLabelValues(op).Inc()
}

// RecordSweep records a completed reconciliation sweep and reaped records.
func RecordSweep(reaped int) {
	sweepsTotal.Inc()
	tombstonesReapedTotal.Add(float64(reaped))
}

// SetRootsUnreachable sets the number of unreachable roots.
func SetRootsUnreachable(n int) {
	rootsUnreachable.Set(float64(n))
}

// RecordBlobOperation records a blob backend operation.
func RecordBlobOperation(operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	blobOperationsTotal.WithLabelValues(operation, status).Inc()
}
