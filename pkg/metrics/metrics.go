package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Storage backend metrics
var (
	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_storage_operations_total",
			Help: "Total number of storage backend operations",
		},
		[]string{"backend", "operation", "result"}, // operation: put, get, meta, delete, keys; result: success, error, not_found
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailspool_storage_operation_duration_seconds",
			Help:    "Duration of storage backend operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"backend", "operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_storage_operation_errors_total",
			Help: "Storage backend errors by classified cause",
		},
		[]string{"backend", "operation", "error_type"},
	)

	StorageBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailspool_storage_circuit_breaker_state",
			Help: "Circuit breaker state per repository (0=closed, 1=half_open, 2=open)",
		},
		[]string{"repository"},
	)
)

// Spool metrics
var (
	SpoolOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_spool_operations_total",
			Help: "Total number of spool operations",
		},
		[]string{"operation", "result"}, // operation: store, retrieve, remove, accept
	)

	SpoolOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailspool_spool_operation_duration_seconds",
			Help:    "Duration of spool operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	SpoolKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailspool_spool_keys",
			Help: "Number of keys registered in the spool",
		},
	)

	SpoolLockedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailspool_spool_locked_keys",
			Help: "Number of spool keys currently locked",
		},
	)

	SpoolDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailspool_spool_depth",
			Help: "Number of spooled items by routing state",
		},
		[]string{"state"},
	)

	SpoolAcceptWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailspool_spool_accept_wait_seconds",
			Help:    "Time spent blocked in accept before a key was handed out",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 60, 300, 900},
		},
	)

	SpoolCorruptRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailspool_spool_corrupt_records_total",
			Help: "Records that could not be reconstructed and were removed",
		},
	)
)

// Pipeline metrics
var (
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline"},
	)

	PipelineItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_pipeline_items_total",
			Help: "Items leaving a pipeline run by outcome",
		},
		[]string{"pipeline", "outcome"}, // outcome: handoff, ghost, dropped
	)

	PipelineRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailspool_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"pipeline"},
	)

	StageFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_stage_faults_total",
			Help: "Condition or action faults by stage",
		},
		[]string{"pipeline", "stage"},
	)

	RecipientSplits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_recipient_splits_total",
			Help: "Items split because a condition matched a strict subset of recipients",
		},
		[]string{"pipeline", "stage"},
	)
)

// Coordinator metrics
var (
	CoordinatorItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_coordinator_items_total",
			Help: "Items finished by the coordinator by outcome",
		},
		[]string{"outcome"}, // outcome: completed, ghosted, requeued, parked
	)

	CoordinatorFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_coordinator_faults_total",
			Help: "Faults handled by the coordinator by kind",
		},
		[]string{"kind"}, // kind: transient, double, configuration, corrupt, storage, panic
	)

	CoordinatorBusyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailspool_coordinator_busy_workers",
			Help: "Number of coordinator workers currently routing an item",
		},
	)

	CoordinatorProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailspool_coordinator_processing_duration_seconds",
			Help:    "Time from accept to release of a spool key",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailspool_component_health_status",
			Help: "Component health (0=unknown, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)
)

// Producer metrics
var (
	ProducerSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_producer_submissions_total",
			Help: "Items submitted to the spool by result",
		},
		[]string{"result"}, // result: accepted, rejected, error
	)
)

// Admin API metrics
var (
	AdminAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_admin_api_requests_total",
			Help: "Admin API requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	AdminRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailspool_admin_removals_total",
			Help: "Spool items removed through the administrative interface",
		},
		[]string{"result"}, // result: removed, locked, error
	)
)
