package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/internal/events"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/testutil"
	"github.com/smallbiznis/bookpay/internal/testutil/harness"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookingStatus(t *testing.T, h *harness.Harness, id snowflake.ID) bookingdomain.Status {
	t.Helper()
	b, err := h.BookingRepo.FindByID(context.Background(), h.DB, id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b.Status
}

// checkoutWithRewards books RM30 at 3 km with a RM5 voucher and RM7 of credit.
func checkoutWithRewards(t *testing.T, h *harness.Harness) *bookingdomain.Checkout {
	t.Helper()
	ctx := context.Background()
	customer := h.Node.Generate()
	provider := h.SeedProvider(t)

	_, err := h.Ledger.AddCredit(ctx, ledgerdomain.CreditRequest{UserID: customer, Amount: 1000, Source: ledgerdomain.CreditSourcePromotion})
	require.NoError(t, err)

	v, err := h.Voucher.CreateVoucher(ctx, voucherdomain.CreateVoucherRequest{
		Code:  "RM5OFF",
		Title: "RM5 off",
		Type:  voucherdomain.VoucherTypeFixed,
		Value: 500,
	})
	require.NoError(t, err)
	uv, err := h.Voucher.Redeem(ctx, customer, v.ID)
	require.NoError(t, err)

	req := h.BookingRequest(customer, provider)
	req.UserVoucherID = &uv.ID
	req.CreditToApply = 700
	checkout := h.Checkout(t, req)
	require.Equal(t, int64(3700), checkout.Booking.Total)
	require.Equal(t, int64(2500), checkout.Intent.Amount)
	return checkout
}

func TestWebhookSettlesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := checkoutWithRewards(t, h)
	billID := checkout.Intent.BillID
	booking := checkout.Booking

	form := harness.WebhookForm(billID, 2500, true, paymentdomain.BillStatePaid)
	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", form))
	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", form))

	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, booking.ID))

	intent, err := h.PaymentRepo.FindIntentByBillID(ctx, h.DB, billID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentSettled, intent.Status)
	require.NotNil(t, intent.SettledVia)
	assert.Equal(t, paymentdomain.SourceWebhook, *intent.SettledVia)

	balance, err := h.Ledger.GetBalance(ctx, booking.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance.Credit)
	assert.Equal(t, int64(300), balance.Points)

	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM booking_vouchers WHERE booking_id = ?", 1, booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM credit_transactions WHERE booking_id = ?", 1, booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions WHERE booking_id = ?", 1, booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM user_vouchers WHERE status = 'used' AND used_for_booking_id = ?", 1, booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ?", 1, billID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM settlement_tasks", 0)
	assert.Equal(t, 1, h.Events.Count(events.RoutingBookingConfirmed))
}

func TestRedirectThenWebhookSettleOnce(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t, harness.WithRedirectSettlement())
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	res, err := h.Channels.HandleRedirect(ctx, "billplz", harness.RedirectQuery(billID, true))
	require.NoError(t, err)
	assert.True(t, res.SignatureValid)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), res.BookingStatus)

	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)))

	intent, err := h.PaymentRepo.FindIntentByBillID(ctx, h.DB, billID)
	require.NoError(t, err)
	require.NotNil(t, intent.SettledVia)
	assert.Equal(t, paymentdomain.SourceRedirect, *intent.SettledVia)

	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions WHERE booking_id = ?", 1, checkout.Booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ? AND processed_at IS NOT NULL", 2, billID)
	assert.Equal(t, 1, h.Events.Count(events.RoutingBookingConfirmed))
}

func TestWebhookFirstThenRedirectReportsConfirmed(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t, harness.WithRedirectSettlement())
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)))

	res, err := h.Channels.HandleRedirect(ctx, "billplz", harness.RedirectQuery(billID, true))
	require.NoError(t, err)
	assert.Equal(t, string(bookingdomain.StatusConfirmed), res.BookingStatus)
	assert.Equal(t, checkout.Booking.ID, res.BookingID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions WHERE booking_id = ?", 1, checkout.Booking.ID)
}

func TestRedirectDoesNotSettleByDefault(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	res, err := h.Channels.HandleRedirect(ctx, "billplz", harness.RedirectQuery(billID, true))
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, string(bookingdomain.StatusPaymentInitiated), res.BookingStatus)

	intent, err := h.PaymentRepo.FindIntentByBillID(ctx, h.DB, billID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentAwaiting, intent.Status)

	// The webhook alone completes the booking.
	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)))
	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, checkout.Booking.ID))
}

func TestTamperedRedirectNeverSettles(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t, harness.WithRedirectSettlement())
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	query := harness.RedirectQuery(billID, false)
	query.Set("billplz[paid]", "true")
	res, err := h.Channels.HandleRedirect(ctx, "billplz", query)
	require.NoError(t, err)
	assert.False(t, res.SignatureValid)
	assert.Equal(t, string(bookingdomain.StatusPending), res.BookingStatus)
	assert.Equal(t, bookingdomain.StatusPaymentInitiated, bookingStatus(t, h, checkout.Booking.ID))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ? AND signature_valid = ?", 1, billID, false)

	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)))
	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, checkout.Booking.ID))
}

func TestWebhookWithBadSignatureIsRejected(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	form := harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)
	form.Set("x_signature", strings.Repeat("0", 64))

	err := h.Channels.IngestWebhook(ctx, "billplz", form)
	require.ErrorIs(t, err, paymentdomain.ErrSignatureInvalid)
	assert.Equal(t, bookingdomain.StatusPaymentInitiated, bookingStatus(t, h, checkout.Booking.ID))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE signature_valid = ?", 1, false)
}

func TestAmountMismatchIsRecordedNotSettled(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, 100, true, paymentdomain.BillStatePaid)))

	assert.Equal(t, bookingdomain.StatusPaymentInitiated, bookingStatus(t, h, checkout.Booking.ID))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM payment_events WHERE bill_id = ? AND processed_at IS NULL AND review_reason = ?", 1, billID, paymentdomain.ReviewAmountMismatch)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions", 0)

	h.Clock.Advance(time.Hour)
	replayed, err := h.Channels.ReplayUnprocessed(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, replayed)
	assert.Equal(t, bookingdomain.StatusPaymentInitiated, bookingStatus(t, h, checkout.Booking.ID))
}

func TestDeletedBillCancelsBooking(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, false, paymentdomain.BillStateDeleted)))

	assert.Equal(t, bookingdomain.StatusCancelled, bookingStatus(t, h, checkout.Booking.ID))
	intent, err := h.PaymentRepo.FindIntentByBillID(ctx, h.DB, billID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentFailed, intent.Status)
}

func TestUnpaidThenPaidWebhook(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, false, paymentdomain.BillStateDue)))
	assert.Equal(t, bookingdomain.StatusPaymentInitiated, bookingStatus(t, h, checkout.Booking.ID))
	intent, err := h.PaymentRepo.FindIntentByBillID(ctx, h.DB, billID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentAwaiting, intent.Status)

	// The customer retried on the same bill and paid.
	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", harness.WebhookForm(billID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)))
	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, checkout.Booking.ID))
}

func TestFailedPaymentCanStillSettle(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	res, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		Provider: "billplz",
		BillID:   billID,
		Source:   paymentdomain.SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeFailed, res.Outcome)
	assert.Equal(t, bookingdomain.StatusFailed, bookingStatus(t, h, checkout.Booking.ID))

	res, err = h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		Provider: "billplz",
		BillID:   billID,
		Source:   paymentdomain.SourceWebhook,
		Paid:     true,
		State:    paymentdomain.BillStatePaid,
		Amount:   checkout.Intent.Amount,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeSettled, res.Outcome)
	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, checkout.Booking.ID))
}

func TestConcurrentSettleHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))
	billID := checkout.Intent.BillID

	const workers = 8
	outcomes := make(chan paymentdomain.SettleOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		source := paymentdomain.SourceWebhook
		if i%2 == 0 {
			source = paymentdomain.SourceRedirect
		}
		wg.Add(1)
		go func(source paymentdomain.Source) {
			defer wg.Done()
			res, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
				Provider: "billplz",
				BillID:   billID,
				Source:   source,
				Paid:     true,
				State:    paymentdomain.BillStatePaid,
			})
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			outcomes <- res.Outcome
		}(source)
	}
	wg.Wait()
	close(outcomes)

	settled := 0
	for outcome := range outcomes {
		if outcome == paymentdomain.OutcomeSettled {
			settled++
		} else {
			assert.Equal(t, paymentdomain.OutcomeAlreadySettled, outcome)
		}
	}
	assert.Equal(t, 1, settled)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions WHERE booking_id = ?", 1, checkout.Booking.ID)
}

func TestSettleUnknownBill(t *testing.T) {
	h := harness.New(t)
	_, err := h.Settlement.Settle(context.Background(), paymentdomain.SettleRequest{BillID: "nope", Paid: true, Source: paymentdomain.SourceWebhook})
	require.ErrorIs(t, err, paymentdomain.ErrIntentNotFound)
}

func TestSettleAfterCancelSkipsSideEffects(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))

	_, err := h.Booking.Cancel(ctx, checkout.Booking.ID, "changed my mind")
	require.NoError(t, err)

	res, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		BillID: checkout.Intent.BillID,
		Source: paymentdomain.SourceWebhook,
		Paid:   true,
		State:  paymentdomain.BillStatePaid,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeSettledAfterCancel, res.Outcome)
	assert.Equal(t, bookingdomain.StatusCancelled, bookingStatus(t, h, checkout.Booking.ID))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions", 0)
	assert.Equal(t, 1, h.Events.Count(events.RoutingSettledAfterCancel))
}

func TestPermanentSideEffectFailureStillConfirms(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := checkoutWithRewards(t, h)
	customer := checkout.Booking.CustomerID

	// The customer spends the credit elsewhere before paying.
	_, err := h.Ledger.DeductCredit(ctx, ledgerdomain.CreditRequest{UserID: customer, Amount: 1000, Source: ledgerdomain.CreditSourceAdmin})
	require.NoError(t, err)

	res, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		BillID: checkout.Intent.BillID,
		Source: paymentdomain.SourceWebhook,
		Paid:   true,
		State:  paymentdomain.BillStatePaid,
		Amount: checkout.Intent.Amount,
	})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeSettled, res.Outcome)
	assert.Equal(t, []paymentdomain.TaskKind{paymentdomain.TaskCreditDeduct}, res.Deferred)
	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, checkout.Booking.ID))

	tasks, err := h.PaymentRepo.ListTasksForBooking(ctx, h.DB, checkout.Booking.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, paymentdomain.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].LastError, ledgerdomain.ErrInsufficientBalance.Error())
	assert.Equal(t, 1, h.Events.Count(events.RoutingSideEffectFailed))

	// The other side effects still landed.
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM booking_vouchers WHERE booking_id = ?", 1, checkout.Booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM points_transactions WHERE booking_id = ?", 1, checkout.Booking.ID)
}

func createStatement(t *testing.T, table string) string {
	t.Helper()
	for _, stmt := range testutil.Schema {
		if strings.HasPrefix(stmt, "CREATE TABLE "+table+" ") {
			return stmt
		}
	}
	t.Fatalf("no schema for %s", table)
	return ""
}

func TestDeferredSideEffectRetriedUntilApplied(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := checkoutWithRewards(t, h)

	require.NoError(t, h.DB.Exec("DROP TABLE booking_vouchers").Error)

	res, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		BillID: checkout.Intent.BillID,
		Source: paymentdomain.SourceWebhook,
		Paid:   true,
		State:  paymentdomain.BillStatePaid,
	})
	require.NoError(t, err)
	assert.Equal(t, []paymentdomain.TaskKind{paymentdomain.TaskVoucherApply}, res.Deferred)
	assert.Equal(t, bookingdomain.StatusConfirmed, bookingStatus(t, h, checkout.Booking.ID))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM user_vouchers WHERE status = 'active'", 1)

	// Not due yet.
	due, err := h.Settlement.ClaimDueTasks(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, h.DB.Exec(createStatement(t, "booking_vouchers")).Error)
	h.Clock.Advance(2 * time.Minute)

	due, err = h.Settlement.ClaimDueTasks(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, h.Settlement.RetryTask(ctx, due[0]))

	tasks, err := h.PaymentRepo.ListTasksForBooking(ctx, h.DB, checkout.Booking.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, paymentdomain.TaskDone, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].Attempts)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM booking_vouchers WHERE booking_id = ?", 1, checkout.Booking.ID)
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM user_vouchers WHERE status = 'used'", 1)

	// Running a finished task again changes nothing.
	require.NoError(t, h.Settlement.RetryTask(ctx, tasks[0]))
	testutil.AssertCount(t, h.DB, "SELECT COUNT(1) FROM booking_vouchers", 1)
}

func TestDeferredSideEffectExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	checkout := checkoutWithRewards(t, h)

	require.NoError(t, h.DB.Exec("DROP TABLE booking_vouchers").Error)
	_, err := h.Settlement.Settle(ctx, paymentdomain.SettleRequest{
		BillID: checkout.Intent.BillID,
		Source: paymentdomain.SourceWebhook,
		Paid:   true,
		State:  paymentdomain.BillStatePaid,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h.Clock.Advance(2 * time.Hour)
		due, err := h.Settlement.ClaimDueTasks(ctx, h.Clock.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.NoError(t, h.Settlement.RetryTask(ctx, due[0]))
	}

	tasks, err := h.PaymentRepo.ListTasksForBooking(ctx, h.DB, checkout.Booking.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, paymentdomain.TaskFailed, tasks[0].Status)
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.Equal(t, 1, h.Events.Count(events.RoutingSideEffectFailed))

	h.Clock.Advance(2 * time.Hour)
	due, err := h.Settlement.ClaimDueTasks(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
