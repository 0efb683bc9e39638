package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job Metrics
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_jobs_submitted_total",
			Help: "Total number of sweep jobs accepted",
		},
		[]string{"mode"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"state"},
	)

	JobsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_jobs_deleted_total",
			Help: "Total number of jobs removed by retention actions",
		},
		[]string{"state"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratesweep_jobs_in_progress",
			Help: "Number of jobs currently being processed by this worker",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratesweep_job_duration_seconds",
			Help:    "Wall time from first processing to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		},
		[]string{"state"},
	)

	// Subtask Metrics
	SubtasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_subtasks_total",
			Help: "Total number of parameter subtasks by stage and outcome",
		},
		[]string{"stage", "status"},
	)

	EncodingFPS = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratesweep_encoding_fps",
			Help:    "Encoder throughput reported per subtask",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 200, 400},
		},
		[]string{"mode"},
	)

	VMAFScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratesweep_vmaf_score",
			Help:    "Mean VMAF of each measured parameter value",
			Buckets: prometheus.LinearBuckets(10, 10, 10), // 10 to 100
		},
		[]string{"mode"},
	)

	// Tool Metrics
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_tool_invocations_total",
			Help: "Total number of external tool invocations",
		},
		[]string{"tool", "outcome"},
	)

	ToolInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratesweep_tool_invocation_duration_seconds",
			Help:    "External tool wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"tool"},
	)

	// Store Metrics
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_store_operations_total",
			Help: "Total number of record store operations",
		},
		[]string{"operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratesweep_store_operation_duration_seconds",
			Help:    "Record store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	// Lock Metrics
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_lock_acquisitions_total",
			Help: "Total number of job lock acquisition attempts",
		},
		[]string{"outcome"},
	)

	// Recovery Metrics
	RecoveryRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratesweep_recovery_runs_total",
			Help: "Total number of recovery sweeps",
		},
	)

	RecoveryActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_recovery_actions_total",
			Help: "Total number of recovery actions taken",
		},
		[]string{"action"},
	)

	// Export Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_storage_operations_total",
			Help: "Total number of object storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_storage_bytes_transferred_total",
			Help: "Total bytes transferred to object storage",
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratesweep_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// QueueDepth tracks messages waiting in the dispatch queues
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratesweep_queue_depth",
			Help: "Number of messages waiting in a dispatch queue",
		},
		[]string{"queue"},
	)
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordJobSubmitted records an accepted submission
func RecordJobSubmitted(mode string) {
	JobsSubmittedTotal.WithLabelValues(mode).Inc()
}

// RecordJobFinished records a terminal transition
func RecordJobFinished(state string, duration time.Duration) {
	JobsFinishedTotal.WithLabelValues(state).Inc()
	JobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordJobDeleted records a retention delete
func RecordJobDeleted(state string) {
	JobsDeletedTotal.WithLabelValues(state).Inc()
}

// RecordVMAFScore records the mean VMAF of one parameter value
func RecordVMAFScore(mode string, score float64) {
	VMAFScore.WithLabelValues(mode).Observe(score)
}

// RecordSubtask records the outcome of one subtask stage
func RecordSubtask(stage string, err error) {
	SubtasksTotal.WithLabelValues(stage, statusLabel(err)).Inc()
}

// RecordEncodingFPS records encoder throughput
func RecordEncodingFPS(mode string, fps float64) {
	if fps <= 0 {
		return
	}
	EncodingFPS.WithLabelValues(mode).Observe(fps)
}

// RecordToolInvocation records an external tool run
func RecordToolInvocation(tool, outcome string, duration time.Duration) {
	ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
	ToolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordStoreOperation records a record store operation
func RecordStoreOperation(operation string, duration time.Duration, err error) {
	StoreOperationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockAcquisition records a lock attempt outcome (acquired, timeout, error)
func RecordLockAcquisition(outcome string) {
	LockAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRecovery records one recovery sweep
func RecordRecovery(tempsRemoved, locksReclaimed, resumable int) {
	RecoveryRunsTotal.Inc()
	RecoveryActionsTotal.WithLabelValues("temp_removed").Add(float64(tempsRemoved))
	RecoveryActionsTotal.WithLabelValues("lock_reclaimed").Add(float64(locksReclaimed))
	RecoveryActionsTotal.WithLabelValues("job_resumable").Add(float64(resumable))
}

// RecordStorageOperation records an object storage operation
func RecordStorageOperation(operation string, bytesTransferred int64, err error) {
	StorageOperationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	if err == nil {
		StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
	}
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordQueueDepth records the depth of a dispatch queue
func RecordQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
