package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonLockHeld        = "lock_held"
)

// Lock resources name the row sets a sweep claims with FOR UPDATE SKIP LOCKED.
const (
	LockResourceSettlementTasks = "settlement_tasks_for_work"
	LockResourceUserVouchers    = "user_vouchers_for_expiry"
)

// postgres SQLSTATE codes mapped to job error reasons.
var pgReasons = map[string]string{
	"55P03": SchedulerJobReasonDBLockTimeout,
	"40001": SchedulerJobReasonSerializationFailure,
	"23505": SchedulerJobReasonUniqueViolation,
}

// SchedulerMetrics covers the settlement retry sweep and voucher expiry jobs.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	tasksExhausted *prometheus.CounterVec
	runLoopLag     *prometheus.HistogramVec
	dbLockWait     *prometheus.HistogramVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on first use. Later
// calls return the same instance whatever cfg they pass.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

var (
	latencyBuckets  = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	lockWaitBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}
	labels := prometheus.Labels{"service": serviceLabel(cfg), "env": env}

	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return registerOrReuse(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name, Help: help, ConstLabels: labels,
		}, keys))
	}
	histogram := func(name, help string, buckets []float64, keys ...string) *prometheus.HistogramVec {
		return registerOrReuse(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: name, Help: help, Buckets: buckets, ConstLabels: labels,
		}, keys))
	}

	return &SchedulerMetrics{
		jobRuns:        counter("bookpay_scheduler_job_runs_total", "Scheduler job runs by name.", "job"),
		jobDuration:    histogram("bookpay_scheduler_job_duration_seconds", "Scheduler job latency.", latencyBuckets, "job"),
		jobTimeouts:    counter("bookpay_scheduler_job_timeouts_total", "Scheduler job soft timeouts.", "job"),
		jobErrors:      counter("bookpay_scheduler_job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		batchProcessed: counter("bookpay_scheduler_batch_processed_total", "Items processed per job and resource.", "job", "resource"),
		batchDeferred:  counter("bookpay_scheduler_batch_deferred_total", "Sweeps that found nothing to do, by reason.", "job", "reason"),
		tasksExhausted: counter("bookpay_settlement_tasks_exhausted_total", "Deferred side effects that ran out of retries and went to the ops queue.", "kind"),
		runLoopLag:     histogram("bookpay_scheduler_runloop_lag_seconds", "Delay between the scheduled tick and the run start.", latencyBuckets),
		dbLockWait:     histogram("bookpay_scheduler_db_lock_wait_seconds", "Time spent claiming rows with FOR UPDATE SKIP LOCKED.", lockWaitBuckets, "resource"),
	}
}

// registerOrReuse returns the collector already registered under the same
// descriptor, so re-creating the singleton after a reset does not panic.
func registerOrReuse[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// IncTaskExhausted counts side-effect tasks handed to manual reconciliation.
func (m *SchedulerMetrics) IncTaskExhausted(kind string) {
	if m != nil {
		m.tasksExhausted.WithLabelValues(kind).Inc()
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m != nil {
		m.runLoopLag.WithLabelValues().Observe(max(d, 0).Seconds())
	}
}

func (m *SchedulerMetrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m != nil {
		m.dbLockWait.WithLabelValues(resource).Observe(d.Seconds())
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ClassifySchedulerErrorType buckets an error for the error_type log field.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isCancellation(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next sweep may succeed
// where this one failed. Business rule failures never will.
func IsSchedulerErrorRetryable(err error) bool {
	return err != nil && (isCancellation(err) || isDBError(err))
}

// ClassifySchedulerJobReason maps an error to the reason label of
// bookpay_scheduler_job_errors_total.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isCancellation(err):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SchedulerJobReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if reason, ok := pgReasons[pgErr.Code]; ok {
			return reason
		}
	}
	return SchedulerJobReasonUnknown
}

func isDBError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false
	case errors.Is(err, gorm.ErrInvalidDB),
		errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
