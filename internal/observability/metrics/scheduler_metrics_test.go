package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"deadline":       {context.DeadlineExceeded, SchedulerJobReasonDeadlineExceeded},
		"lock timeout":   {&pgconn.PgError{Code: "55P03"}, SchedulerJobReasonDBLockTimeout},
		"serialization":  {fmt.Errorf("retry task: %w", &pgconn.PgError{Code: "40001"}), SchedulerJobReasonSerializationFailure},
		"gorm duplicate": {gorm.ErrDuplicatedKey, SchedulerJobReasonUniqueViolation},
		"pg duplicate":   {&pgconn.PgError{Code: "23505"}, SchedulerJobReasonUniqueViolation},
		"other pg code":  {&pgconn.PgError{Code: "42P01"}, SchedulerJobReasonUnknown},
		"plain error":    {errors.New("boom"), SchedulerJobReasonUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestSchedulerCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "bookpay", Environment: "test"})

	m.AddBatchProcessed("settlement_retry", "settlement_task", 3)
	m.AddBatchProcessed("settlement_retry", "settlement_task", 0)
	m.IncTaskExhausted("credit_deduct")
	m.IncJobError("voucher_expiry", &pgconn.PgError{Code: "55P03"})
	m.ObserveRunLoopLag(-time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchProcessed.WithLabelValues("settlement_retry", "settlement_task")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksExhausted.WithLabelValues("credit_deduct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobErrors.WithLabelValues("voucher_expiry", SchedulerJobReasonDBLockTimeout)))

	again := newSchedulerMetrics(registry, Config{ServiceName: "bookpay", Environment: "test"})
	assert.Equal(t, 3.0, testutil.ToFloat64(again.batchProcessed.WithLabelValues("settlement_retry", "settlement_task")))
}

func TestSchedulerErrorRetryability(t *testing.T) {
	assert.True(t, IsSchedulerErrorRetryable(context.Canceled))
	assert.True(t, IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsSchedulerErrorRetryable(gorm.ErrRecordNotFound))
	assert.False(t, IsSchedulerErrorRetryable(nil))

	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(&pgconn.PgError{Code: "40001"}))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(errors.New("voucher expired")))
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("x")
	m.IncTaskExhausted("points_award")
	m.ObserveDBLockWait(LockResourceSettlementTasks, time.Millisecond)
}
