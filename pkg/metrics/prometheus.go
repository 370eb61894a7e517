// Package metrics provides Prometheus metrics for the meishi ranking engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	registry         prometheus.Registerer

	// Ingestion
	scansRecorded   prometheus.Counter
	scansDuplicate  prometheus.Counter
	deltasAppended  prometheus.Counter

	// Batch processing
	batchesProcessed      prometheus.Counter
	batchesCaughtUp       prometheus.Counter
	batchDrainDuration    prometheus.Histogram
	deltasApplied         prometheus.Counter
	deltasSkippedReplayed prometheus.Counter
	lockContention        prometheus.Counter
	staleLocksReclaimed   prometheus.Counter

	// Sorted index and derived caches
	indexRebuilds    prometheus.Counter
	indexIncremental prometheus.Counter
	indexSize        prometheus.Gauge
	rankUpdates      prometheus.Counter
	boardRefreshes   prometheus.Counter

	// Admin cache
	adminCacheUpserts  prometheus.Counter
	adminCacheRemoves  prometheus.Counter
	adminCacheRebuilds prometheus.Counter

	// Identity lookups
	photoLookups      prometheus.Counter
	photoLookupErrors prometheus.Counter

	// Backup synchronizer
	backupRuns     prometheus.Counter
	backupFailures prometheus.Counter
	backupRecords  prometheus.Gauge
	backupDuration prometheus.Histogram
	backupLastUnix prometheus.Gauge

	// Store health
	usersTotal         prometheus.Gauge
	storeWriteLatency  prometheus.Histogram
	storeReadLatency   prometheus.Histogram
	errorsByComponent  *prometheus.CounterVec

	// Hook pipeline
	hookQueueSize      prometheus.Gauge
	hookQueueCapacity  prometheus.Gauge
	hookEnqueueErrors  prometheus.Counter
	hookEventsConsumed prometheus.Counter
	workerCount        prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid the default Go collectors.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // singleton registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "meishi",
		subsystem:        "ranking",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() { //nolint:funlen // flat metric registration
	auto := promauto.With(m.registry)

	m.scansRecorded = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "scans_recorded_total",
		Help: "Total number of badge scans accepted for scoring",
	})
	m.scansDuplicate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "scans_duplicate_total",
		Help: "Total number of scans rejected as already-connected pairs",
	})
	m.deltasAppended = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "deltas_appended_total",
		Help: "Total number of score deltas appended to the delta queue",
	})

	m.batchesProcessed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "batches_processed_total",
		Help: "Total number of delta batches drained into the score store",
	})
	m.batchesCaughtUp = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "batches_caught_up_total",
		Help: "Total number of past-window batches processed by catch-up",
	})
	m.batchDrainDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "batch_drain_duration_milliseconds",
		Help:    "Histogram of per-batch drain duration in milliseconds",
		Buckets: m.histogramBuckets,
	})
	m.deltasApplied = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "deltas_applied_total",
		Help: "Total number of deltas applied to user score records",
	})
	m.deltasSkippedReplayed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "deltas_skipped_replayed_total",
		Help: "Total number of deltas skipped by the idempotency ledger",
	})
	m.lockContention = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "lock_contention_total",
		Help: "Total number of batch drains aborted because another worker held the lock",
	})
	m.staleLocksReclaimed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "stale_locks_reclaimed_total",
		Help: "Total number of stale processing locks reclaimed",
	})

	m.indexRebuilds = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "index_rebuilds_total",
		Help: "Total number of full sorted-index rebuilds",
	})
	m.indexIncremental = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "index_incremental_updates_total",
		Help: "Total number of incremental sorted-index updates",
	})
	m.indexSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "index_size",
		Help: "Current number of entries in the sorted score index",
	})
	m.rankUpdates = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "rank_updates_total",
		Help: "Total number of rank cache entries written",
	})
	m.boardRefreshes = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "board_refreshes_total",
		Help: "Total number of leaderboard materializations",
	})

	m.adminCacheUpserts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "admin_cache_upserts_total",
		Help: "Total number of admin cache upserts",
	})
	m.adminCacheRemoves = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "admin_cache_removes_total",
		Help: "Total number of admin cache removals",
	})
	m.adminCacheRebuilds = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "admin_cache_rebuilds_total",
		Help: "Total number of full admin cache rebuilds",
	})

	m.photoLookups = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "photo_lookups_total",
		Help: "Total number of identity-provider photo lookups",
	})
	m.photoLookupErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "photo_lookup_errors_total",
		Help: "Total number of failed identity-provider photo lookups",
	})

	m.backupRuns = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "backup_runs_total",
		Help: "Total number of backup snapshot runs",
	})
	m.backupFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "backup_failures_total",
		Help: "Total number of failed backup snapshot runs",
	})
	m.backupRecords = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "backup_records",
		Help: "Number of records written by the last backup snapshot",
	})
	m.backupDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "backup_duration_milliseconds",
		Help:    "Histogram of backup snapshot duration in milliseconds",
		Buckets: m.histogramBuckets,
	})
	m.backupLastUnix = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "backup_last_unix",
		Help: "Unix timestamp of the last successful backup snapshot",
	})

	m.usersTotal = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "users_total",
		Help: "Current number of user score records",
	})
	m.storeWriteLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "store_write_latency_milliseconds",
		Help:    "Histogram of store write latency in milliseconds",
		Buckets: m.histogramBuckets,
	})
	m.storeReadLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "store_read_latency_milliseconds",
		Help:    "Histogram of store read latency in milliseconds",
		Buckets: m.histogramBuckets,
	})
	m.errorsByComponent = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "errors_by_component_total",
		Help: "Total errors labeled by component and kind",
	}, []string{"component", "kind"})

	m.hookQueueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "hook_queue_size",
		Help: "Current number of pending mutation events",
	})
	m.hookQueueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "hook_queue_capacity",
		Help: "Configured capacity of the mutation event queue",
	})
	m.hookEnqueueErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "hook_enqueue_errors_total",
		Help: "Total number of mutation events dropped on enqueue",
	})
	m.hookEventsConsumed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "hook_events_consumed_total",
		Help: "Total number of mutation events applied to the admin cache",
	})
	m.workerCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "worker_count",
		Help: "Number of hook worker goroutines",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "http_requests_total",
		Help: "Total HTTP requests by endpoint, method and status",
	}, []string{"endpoint", "method", "status"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "http_request_duration_milliseconds",
		Help:    "Histogram of HTTP request duration by endpoint",
		Buckets: m.histogramBuckets,
	}, []string{"endpoint"})

	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "system_memory_bytes",
		Help: "Current allocated heap bytes",
	})
	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "system_goroutines",
		Help: "Current number of goroutines",
	})
}

// Package-level helpers delegating to the global manager.

func RecordScan()           { globalManager.scansRecorded.Inc() }
func RecordScanDuplicate()  { globalManager.scansDuplicate.Inc() }
func RecordDeltaAppended()  { globalManager.deltasAppended.Inc() }

func RecordBatchProcessed()            { globalManager.batchesProcessed.Inc() }
func RecordBatchCaughtUp()             { globalManager.batchesCaughtUp.Inc() }
func RecordBatchDrainDuration(ms float64) { globalManager.batchDrainDuration.Observe(ms) }
func RecordDeltaApplied()              { globalManager.deltasApplied.Inc() }
func RecordDeltaSkippedReplayed()      { globalManager.deltasSkippedReplayed.Inc() }
func RecordLockContention()            { globalManager.lockContention.Inc() }
func RecordStaleLockReclaimed()        { globalManager.staleLocksReclaimed.Inc() }

func RecordIndexRebuild()        { globalManager.indexRebuilds.Inc() }
func RecordIndexIncremental()    { globalManager.indexIncremental.Inc() }
func UpdateIndexSize(n int)      { globalManager.indexSize.Set(float64(n)) }
func RecordRankUpdate()          { globalManager.rankUpdates.Inc() }
func RecordBoardRefresh()        { globalManager.boardRefreshes.Inc() }

func RecordAdminCacheUpsert()  { globalManager.adminCacheUpserts.Inc() }
func RecordAdminCacheRemove()  { globalManager.adminCacheRemoves.Inc() }
func RecordAdminCacheRebuild() { globalManager.adminCacheRebuilds.Inc() }

func RecordPhotoLookup()      { globalManager.photoLookups.Inc() }
func RecordPhotoLookupError() { globalManager.photoLookupErrors.Inc() }

func RecordBackupRun()                 { globalManager.backupRuns.Inc() }
func RecordBackupFailure()             { globalManager.backupFailures.Inc() }
func UpdateBackupRecords(n int)        { globalManager.backupRecords.Set(float64(n)) }
func RecordBackupDuration(ms float64)  { globalManager.backupDuration.Observe(ms) }
func UpdateBackupLastUnix(ts float64)  { globalManager.backupLastUnix.Set(ts) }

func UpdateUsersTotal(n int)              { globalManager.usersTotal.Set(float64(n)) }
func RecordStoreWriteLatency(ms float64)  { globalManager.storeWriteLatency.Observe(ms) }
func RecordStoreReadLatency(ms float64)   { globalManager.storeReadLatency.Observe(ms) }

func RecordErrorByComponent(component, kind string) {
	globalManager.errorsByComponent.WithLabelValues(component, kind).Inc()
}

func UpdateHookQueueSize(n int)     { globalManager.hookQueueSize.Set(float64(n)) }
func UpdateHookQueueCapacity(n int) { globalManager.hookQueueCapacity.Set(float64(n)) }
func RecordHookEnqueueError()       { globalManager.hookEnqueueErrors.Inc() }
func RecordHookEventConsumed()      { globalManager.hookEventsConsumed.Inc() }
func UpdateWorkerCount(n int)       { globalManager.workerCount.Set(float64(n)) }

func RecordHTTPRequest(endpoint, method, status string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, status).Inc()
}

func RecordHTTPRequestDuration(endpoint string, ms float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint).Observe(ms)
}

func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }
func UpdateSystemGoroutineCount(n int)     { globalManager.systemGoroutineCount.Set(float64(n)) }

// GetRegistry exposes the custom registry for the /metrics endpoint.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
