package receipt_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	ledgerrepo "github.com/smallbiznis/bookpay/internal/ledger/repository"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/receipt"
	"github.com/smallbiznis/bookpay/internal/testutil/harness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRenderProducesPDF(t *testing.T) {
	content, err := receipt.Render(receipt.Data{
		BookingID:       "1234",
		BillID:          "bill_1",
		PaidAt:          time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		CustomerName:    "Ali",
		PaymentMethod:   "card",
		Items:           []receipt.Line{{Name: "Haircut", DurationMinutes: 45, Price: 3000}},
		ServiceSubtotal: 3000,
		TravelCost:      500,
		PlatformFee:     200,
		Discount:        500,
		AmountPaid:      3200,
		PointsEarned:    300,
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(content, []byte("%PDF")))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "receipt-siti-nurhaliza-99.pdf", receipt.FileName(receipt.Data{CustomerName: "Siti Nurhaliza", BookingID: "99"}))
}

func newService(h *harness.Harness) *receipt.Service {
	return receipt.NewService(receipt.Params{
		DB:          h.DB,
		Log:         zap.NewNop(),
		BookingRepo: h.BookingRepo,
		PaymentRepo: h.PaymentRepo,
		LedgerRepo:  ledgerrepo.Provide(),
	})
}

func TestBookingReceipt(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	svc := newService(h)
	checkout := h.Checkout(t, h.BookingRequest(h.Node.Generate(), h.SeedProvider(t)))

	_, err := svc.BookingReceipt(ctx, checkout.Booking.ID)
	require.ErrorIs(t, err, bookingdomain.ErrInvalidState)

	form := harness.WebhookForm(checkout.Intent.BillID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)
	require.NoError(t, h.Channels.IngestWebhook(ctx, "billplz", form))

	r, err := svc.BookingReceipt(ctx, checkout.Booking.ID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(r.Content, []byte("%PDF")))
	assert.Equal(t, "receipt-ali-"+checkout.Booking.ID.String()+".pdf", r.FileName)
}

func TestBookingReceiptUnknownBooking(t *testing.T) {
	h := harness.New(t)
	_, err := newService(h).BookingReceipt(context.Background(), h.Node.Generate())
	assert.ErrorIs(t, err, bookingdomain.ErrBookingNotFound)
}
