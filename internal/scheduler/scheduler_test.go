package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	schedtesting "github.com/smallbiznis/bookpay/internal/scheduler/testing"
	"github.com/smallbiznis/bookpay/internal/testutil"
	"github.com/smallbiznis/bookpay/internal/testutil/harness"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "bookpay",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "bookpay",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "bookpay_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "bookpay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "bookpay_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

type heldLock struct {
	acquired bool
	released []string
}

func (l *heldLock) Acquire(context.Context, string) (string, bool, error) {
	if l.acquired {
		return "token", true, nil
	}
	return "", false, nil
}

func (l *heldLock) Release(_ context.Context, job, _ string) error {
	l.released = append(l.released, job)
	return nil
}

func TestRunJobSkipsWhenLockHeldElsewhere(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "bookpay", Environment: "test"})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	lock := &heldLock{}
	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), lock: lock}

	called := false
	err = s.runJob(context.Background(), JobSettlementRetry, 10, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, lock.released)

	labels := map[string]string{
		"service": "bookpay",
		"env":     "test",
		"job":     JobSettlementRetry,
		"reason":  obsmetrics.SchedulerBatchDeferredReasonLockHeld,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "bookpay_scheduler_batch_deferred_total", labels))

	lock.acquired = true
	err = s.runJob(context.Background(), JobSettlementRetry, 10, time.Second, func(context.Context) error {
		called = true
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), JobSettlementRetry+": "))
	assert.True(t, called)
	assert.Equal(t, []string{JobSettlementRetry}, lock.released)
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobVoucherExpiry))

	s.cfg.EnabledJobs = []string{" Settlement_Retry "}
	assert.True(t, s.isJobEnabled(JobSettlementRetry))
	assert.False(t, s.isJobEnabled(JobVoucherExpiry))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func newHarnessScheduler(t *testing.T, h *harness.Harness, jobs ...string) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:        zap.NewNop(),
		GenID:      h.Node,
		Clock:      h.Clock,
		Settlement: h.Settlement,
		Vouchers:   h.Voucher,
		Events:     h.Channels,
		Config:     Config{BatchSize: 10, EnabledJobs: jobs},
	})
	require.NoError(t, err)
	return s
}

func TestSettlementRetryJobAppliesDeferredSideEffect(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	customer := h.Node.Generate()

	_, err := h.Ledger.AddCredit(ctx, ledgerdomain.CreditRequest{UserID: customer, Amount: 500, Source: ledgerdomain.CreditSourcePromotion})
	require.NoError(t, err)
	req := h.BookingRequest(customer, h.SeedProvider(t))
	req.CreditToApply = 500
	checkout := h.Checkout(t, req)

	require.NoError(t, h.DB.Exec("ALTER TABLE credit_transactions RENAME TO credit_transactions_off").Error)
	res, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		BillID: checkout.Intent.BillID,
		Source: paymentdomain.SourceWebhook,
		Paid:   true,
		State:  paymentdomain.BillStatePaid,
	})
	require.NoError(t, err)
	require.Equal(t, []paymentdomain.TaskKind{paymentdomain.TaskCreditDeduct}, res.Deferred)
	require.NoError(t, h.DB.Exec("ALTER TABLE credit_transactions_off RENAME TO credit_transactions").Error)

	s := newHarnessScheduler(t, h, JobSettlementRetry)

	// Backoff has not elapsed.
	require.NoError(t, s.RunOnce(ctx))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM settlement_tasks WHERE status = 'pending'", 1)

	accel := schedtesting.NewTimeAccelerator(h.DB, h.Clock.Now)
	n, err := accel.FastForwardAllTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.RunOnce(ctx))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM settlement_tasks WHERE status = 'done'", 1)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM credit_transactions WHERE booking_id = ?", 1, checkout.Booking.ID)

	balance, err := h.Ledger.GetBalance(ctx, customer)
	require.NoError(t, err)
	assert.Zero(t, balance.Credit)
}

func TestEventReplayJobSettlesAcknowledgedWebhook(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	require.NoError(t, h.DB.Exec("ALTER TABLE payment_intents RENAME TO payment_intents_off").Error)
	err := h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid))
	require.NoError(t, err, "recorded webhook must be acknowledged")
	require.NoError(t, h.DB.Exec("ALTER TABLE payment_intents_off RENAME TO payment_intents").Error)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ? AND processed_at IS NULL", 1, billID)

	s := newHarnessScheduler(t, h, JobEventReplay)

	// Too recent to replay.
	require.NoError(t, s.RunOnce(ctx))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ? AND processed_at IS NULL", 1, billID)

	h.Clock.Advance(5 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ? AND processed_at IS NOT NULL", 1, billID)

	booking, err := h.BookingRepo.FindByID(ctx, h.DB, checkout.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, bookingdomain.StatusConfirmed, booking.Status)

	// Nothing left to replay.
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, h.Events.Count("booking.confirmed"))
}

func TestVoucherExpiryJob(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	customer := h.Node.Generate()

	until := h.Clock.Now().Add(24 * time.Hour)
	v, err := h.Voucher.CreateVoucher(ctx, voucherdomain.CreateVoucherRequest{
		Code:       "WEEKEND",
		Title:      "Weekend RM3",
		Type:       voucherdomain.VoucherTypeFixed,
		Value:      300,
		ValidUntil: &until,
	})
	require.NoError(t, err)
	_, err = h.Voucher.Redeem(ctx, customer, v.ID)
	require.NoError(t, err)

	s := newHarnessScheduler(t, h, JobVoucherExpiry)
	require.NoError(t, s.RunOnce(ctx))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM user_vouchers WHERE status = 'active'", 1)

	require.NoError(t, schedtesting.NewTimeAccelerator(h.DB, h.Clock.Now).ExpireVoucher(ctx, v.ID))
	require.NoError(t, s.RunOnce(ctx))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM user_vouchers WHERE status = 'expired'", 1)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
