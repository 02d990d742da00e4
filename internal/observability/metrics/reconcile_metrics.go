package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/bookshelf/pkg/db"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

const (
	GrantOutcomeGranted      = "granted"
	GrantOutcomeAlreadyOwned = "already_owned"
	GrantOutcomeRetry        = "retry"
	GrantOutcomeExhausted    = "exhausted"
)

const (
	LockResourcePendingOrders  = "pending_orders"
	LockResourceCapturedOrders = "captured_orders"
)

// ReconcileMetrics captures reconciler and entitlement grant health on the Prometheus registry.
type ReconcileMetrics struct {
	jobRuns                *prometheus.CounterVec
	jobDuration            *prometheus.HistogramVec
	jobTimeouts            *prometheus.CounterVec
	jobErrors              *prometheus.CounterVec
	batchProcessed         *prometheus.CounterVec
	runLoopLag             prometheus.Histogram
	dbLockWait             *prometheus.HistogramVec
	grantAttempts          *prometheus.CounterVec
	reconciliationFailures *prometheus.CounterVec
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the singleton reconciler metrics.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig returns the singleton reconciler metrics using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "bookshelf"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &ReconcileMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookshelf_reconcile_job_runs_total",
			Help:        "Reconciler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "bookshelf_reconcile_job_duration_seconds",
			Help:        "Reconciler job latency.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookshelf_reconcile_job_timeouts_total",
			Help:        "Reconciler jobs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookshelf_reconcile_job_errors_total",
			Help:        "Reconciler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookshelf_reconcile_batch_processed_total",
			Help:        "Orders processed by reconciler jobs.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "bookshelf_reconcile_runloop_lag_seconds",
			Help:        "Reconciler run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		dbLockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "bookshelf_reconcile_db_lock_wait_seconds",
			Help:        "Time spent claiming orders with SELECT FOR UPDATE SKIP LOCKED.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"resource"}),
		grantAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookshelf_entitlement_grant_attempts_total",
			Help:        "Entitlement grant attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		reconciliationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bookshelf_reconciliation_failures_total",
			Help:        "Captured payments that could not be turned into entitlements.",
			ConstLabels: constLabels,
		}, []string{"stage"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.runLoopLag,
		m.dbLockWait,
		m.grantAttempts,
		m.reconciliationFailures,
	)

	return m
}

func (m *ReconcileMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *ReconcileMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *ReconcileMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *ReconcileMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *ReconcileMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *ReconcileMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *ReconcileMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *ReconcileMetrics) IncGrantAttempt(outcome string) {
	if m == nil {
		return
	}
	m.grantAttempts.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) IncReconciliationFailure(stage string) {
	if m == nil {
		return
	}
	m.reconciliationFailures.WithLabelValues(stage).Inc()
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case db.IsLockNotAvailable(err):
		return JobReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return JobReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return JobReasonUniqueViolation
	case db.IsDriverError(err):
		return JobReasonDB
	default:
		return JobReasonUnknown
	}
}
