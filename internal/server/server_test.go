package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/bookpay/internal/ledger/repository"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/receipt"
	"github.com/smallbiznis/bookpay/internal/testutil/harness"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	h      *harness.Harness
	engine *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := harness.New(t)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        h.Config,
		Log:        zap.NewNop(),
		BookingSvc: h.Booking,
		LedgerSvc:  h.Ledger,
		VoucherSvc: h.Voucher,
		Channels:   h.Channels,
		Receipts: receipt.NewService(receipt.Params{
			DB:          h.DB,
			Log:         zap.NewNop(),
			BookingRepo: h.BookingRepo,
			PaymentRepo: h.PaymentRepo,
			LedgerRepo:  ledgerrepo.Provide(),
		}),
	})
	return &testEnv{h: h, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postForm(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Error
}

func TestCreateAndGetBooking(t *testing.T) {
	env := newTestEnv(t)
	req := env.h.BookingRequest(env.h.Node.Generate(), env.h.SeedProvider(t))

	w := env.do(t, http.MethodPost, "/api/bookings", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeData[bookingdomain.Booking](t, w)
	assert.Equal(t, int64(3700), created.Total)
	assert.Equal(t, bookingdomain.StatusPending, created.Status)

	w = env.do(t, http.MethodGet, "/api/bookings/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeData[bookingdomain.StatusView](t, w)
	assert.Equal(t, created.ID, view.Booking.ID)

	w = env.do(t, http.MethodGet, "/api/customers/"+req.CustomerID.String()+"/bookings?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]bookingdomain.Booking](t, w), 1)
}

func TestCreateBookingValidation(t *testing.T) {
	env := newTestEnv(t)
	req := env.h.BookingRequest(env.h.Node.Generate(), env.h.SeedProvider(t))
	req.Items = nil

	w := env.do(t, http.MethodPost, "/api/bookings", req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "validation_error", payload.Type)
	assert.NotEmpty(t, payload.Errors)

	w = env.do(t, http.MethodPost, "/api/bookings", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBookingLookupErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/bookings/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/bookings/"+env.h.Node.Generate().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Type)

	w = env.do(t, http.MethodGet, "/api/customers/1/bookings?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookConfirmsBookingAndReceiptBecomesAvailable(t *testing.T) {
	env := newTestEnv(t)
	req := env.h.BookingRequest(env.h.Node.Generate(), env.h.SeedProvider(t))
	w := env.do(t, http.MethodPost, "/api/bookings", req)
	require.Equal(t, http.StatusCreated, w.Code)
	booking := decodeData[bookingdomain.Booking](t, w)

	w = env.do(t, http.MethodPost, "/api/bookings/"+booking.ID.String()+"/payment", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	checkout := decodeData[bookingdomain.Checkout](t, w)
	require.NotNil(t, checkout.Intent)

	w = env.do(t, http.MethodGet, "/api/bookings/"+booking.ID.String()+"/receipt", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	form := harness.WebhookForm(checkout.Intent.BillID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)
	w = env.postForm(t, "/webhooks/billplz", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A gateway retry of the same callback is acknowledged again.
	w = env.postForm(t, "/webhooks/billplz", form)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/bookings/"+booking.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bookingdomain.StatusConfirmed, decodeData[bookingdomain.StatusView](t, w).Booking.Status)

	w = env.do(t, http.MethodGet, "/api/bookings/"+booking.ID.String()+"/receipt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".pdf")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))

	w = env.do(t, http.MethodPost, "/api/bookings/"+booking.ID.String()+"/cancel", gin.H{"reason": "changed my mind"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeError(t, w).Type)
}

func TestWebhookWithBadSignature(t *testing.T) {
	env := newTestEnv(t)
	checkout := env.h.Checkout(t, env.h.BookingRequest(env.h.Node.Generate(), env.h.SeedProvider(t)))

	form := harness.WebhookForm(checkout.Intent.BillID, checkout.Intent.Amount, true, paymentdomain.BillStatePaid)
	form.Set("amount", "1")
	w := env.postForm(t, "/webhooks/billplz", form)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "signature_invalid", decodeError(t, w).Type)

	w = env.postForm(t, "/webhooks/stripe", form)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTamperedRedirectReportsPending(t *testing.T) {
	env := newTestEnv(t)
	checkout := env.h.Checkout(t, env.h.BookingRequest(env.h.Node.Generate(), env.h.SeedProvider(t)))

	query := harness.RedirectQuery(checkout.Intent.BillID, true)
	query.Set("billplz[paid]", "false")
	w := env.do(t, http.MethodGet, "/payments/billplz/redirect?"+query.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decodeData[paymentdomain.RedirectResult](t, w)
	assert.False(t, result.SignatureValid)
	assert.Equal(t, string(bookingdomain.StatusPending), result.BookingStatus)
}

func TestUnusableRedirectReportsPending(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/payments/billplz/redirect?"+url.Values{"billplz[paid]": {"true"}}.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decodeData[paymentdomain.RedirectResult](t, w)
	assert.False(t, result.SignatureValid)
	assert.Equal(t, string(bookingdomain.StatusPending), result.BookingStatus)

	w = env.do(t, http.MethodGet, "/payments/billplz/redirect?"+harness.RedirectQuery("no-such-bill", true).Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result = decodeData[paymentdomain.RedirectResult](t, w)
	assert.Equal(t, "no-such-bill", result.BillID)
	assert.Equal(t, string(bookingdomain.StatusPending), result.BookingStatus)
}

func TestCancelPendingBooking(t *testing.T) {
	env := newTestEnv(t)
	booking, err := env.h.Booking.CreateBooking(t.Context(), env.h.BookingRequest(env.h.Node.Generate(), env.h.SeedProvider(t)))
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/bookings/"+booking.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, bookingdomain.StatusCancelled, decodeData[bookingdomain.Booking](t, w).Status)
}

func TestCreditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	userID := env.h.Node.Generate().String()

	w := env.do(t, http.MethodPost, "/api/users/"+userID+"/credit", gin.H{"amount": 500, "description": "welcome"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decodeData[ledgerdomain.CreditTransaction](t, w)
	assert.Equal(t, int64(500), tx.BalanceAfter)
	assert.Equal(t, ledgerdomain.CreditSourcePromotion, tx.Source)

	w = env.do(t, http.MethodPost, "/api/users/"+userID+"/credit/deduct", gin.H{"amount": 1000})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "rejected", decodeError(t, w).Type)

	w = env.do(t, http.MethodPost, "/api/users/"+userID+"/credit", gin.H{"amount": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "amount", decodeError(t, w).Errors[0].Field)

	w = env.do(t, http.MethodGet, "/api/users/"+userID+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(500), decodeData[ledgerdomain.Balance](t, w).Credit)

	w = env.do(t, http.MethodGet, "/api/users/"+userID+"/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[ledgerdomain.History](t, w).Credit, 1)
}

func TestVoucherEndpoints(t *testing.T) {
	env := newTestEnv(t)
	userID := env.h.Node.Generate()

	v, err := env.h.Voucher.CreateVoucher(t.Context(), voucherdomain.CreateVoucherRequest{
		Code:  "FREE5",
		Title: "RM5 off",
		Type:  voucherdomain.VoucherTypeFixed,
		Value: 500,
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/users/"+userID.String()+"/vouchers/available", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]voucherdomain.Voucher](t, w), 1)

	w = env.do(t, http.MethodPost, "/api/users/"+userID.String()+"/vouchers/"+v.ID.String()+"/redeem", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/users/"+userID.String()+"/vouchers?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeData[[]voucherdomain.UserVoucher](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/users/"+userID.String()+"/vouchers?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/users/"+userID.String()+"/vouchers/"+snowflake.ID(42).String()+"/redeem", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"nil", nil, http.StatusInternalServerError, "internal_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
		{"signature", paymentdomain.ErrSignatureInvalid, http.StatusUnauthorized, "signature_invalid"},
		{"invalid state", &bookingdomain.InvalidStateError{BookingID: "1", Status: bookingdomain.StatusConfirmed, Op: "cancel"}, http.StatusConflict, "conflict"},
		{"insufficient", ledgerdomain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "rejected"},
		{"voucher used", voucherdomain.ErrVoucherAlreadyUsed, http.StatusUnprocessableEntity, "rejected"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"gateway down", &paymentdomain.GatewayError{Provider: "billplz", Op: "create bill", Temporary: true, Err: errors.New("503")}, http.StatusServiceUnavailable, "gateway_unavailable"},
		{"gateway rejected", &paymentdomain.GatewayError{Provider: "billplz", Op: "create bill", Err: errors.New("422")}, http.StatusBadGateway, "gateway_error"},
		{"invalid amount", ledgerdomain.ErrInvalidAmount, http.StatusBadRequest, "validation_error"},
		{"missing provider", paymentdomain.ErrProviderNotFound, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.typ, payload.Type)
		})
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(ledgerdomain.ErrInvalidAmount)
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_amount", code)

	typ, code = classifyErrorForLog(paymentdomain.ErrSignatureInvalid)
	assert.Equal(t, "signature_invalid", typ)
	assert.Equal(t, "signature_invalid", code)
}
