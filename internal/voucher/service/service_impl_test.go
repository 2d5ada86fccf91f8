package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/bookpay/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/bookpay/internal/ledger/service"
	"github.com/smallbiznis/bookpay/internal/testutil"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	voucherrepo "github.com/smallbiznis/bookpay/internal/voucher/repository"
	voucherservice "github.com/smallbiznis/bookpay/internal/voucher/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	ledger  ledgerdomain.Service
	voucher voucherdomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenSQLite(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	node := testutil.NewNode(t, 2)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  ledgerrepo.Provide(),
		Clock: clk,
	})
	voucherSvc := voucherservice.NewService(voucherservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   voucherrepo.Provide(),
		Ledger: ledgerSvc,
		Clock:  clk,
	})
	return fixture{db: db, clock: clk, ledger: ledgerSvc, voucher: voucherSvc}
}

func intPtr(v int) *int { return &v }

func (f fixture) createVoucher(t *testing.T, req voucherdomain.CreateVoucherRequest) *voucherdomain.Voucher {
	t.Helper()
	if req.Title == "" {
		req.Title = "Test voucher"
	}
	if req.Type == "" {
		req.Type = voucherdomain.VoucherTypeFixed
	}
	if req.Value == 0 {
		req.Value = 500
	}
	v, err := f.voucher.CreateVoucher(context.Background(), req)
	require.NoError(t, err)
	return v
}

func (f fixture) grantPoints(t *testing.T, user snowflake.ID, amount int64) {
	t.Helper()
	_, err := f.ledger.AddPoints(context.Background(), ledgerdomain.PointsRequest{UserID: user, Amount: amount})
	require.NoError(t, err)
}

func TestRedeemDeductsPointsAndCountsRedemption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(100)
	f.grantPoints(t, user, 1000)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "rm5off", PointsCost: 400})
	assert.Equal(t, "RM5OFF", v.Code)

	uv, err := f.voucher.Redeem(ctx, user, v.ID)
	require.NoError(t, err)
	assert.Equal(t, voucherdomain.UserVoucherActive, uv.Status)
	assert.Equal(t, int64(400), uv.PointsSpent)

	balance, err := f.ledger.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.Points)

	stored, err := f.voucher.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentRedemptions)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM points_transactions WHERE user_voucher_id = ?", 1, uv.ID)
}

func TestRedeemWithInsufficientPointsLeavesCapUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(101)
	f.grantPoints(t, user, 100)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "PRICEY", PointsCost: 400, MaxRedemptions: intPtr(5)})

	_, err := f.voucher.Redeem(ctx, user, v.ID)
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientPoints)

	stored, err := f.voucher.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentRedemptions)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM user_vouchers", 0)
}

func TestRedeemRejectsOutsideWindowAndUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(102)
	until := f.clock.Now().Add(time.Hour)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "SHORT", ValidUntil: &until})

	f.clock.Advance(2 * time.Hour)
	_, err := f.voucher.Redeem(ctx, user, v.ID)
	require.ErrorIs(t, err, voucherdomain.ErrVoucherExpired)

	_, err = f.voucher.Redeem(ctx, user, snowflake.ID(999))
	require.ErrorIs(t, err, voucherdomain.ErrVoucherNotFound)

	future := f.clock.Now().Add(24 * time.Hour)
	later := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "LATER", ValidFrom: &future})
	_, err = f.voucher.Redeem(ctx, user, later.ID)
	require.ErrorIs(t, err, voucherdomain.ErrVoucherNotStarted)
}

func TestRedeemEnforcesPerUserCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(103)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "ONCE", MaxPerUser: intPtr(1)})

	_, err := f.voucher.Redeem(ctx, user, v.ID)
	require.NoError(t, err)
	_, err = f.voucher.Redeem(ctx, user, v.ID)
	require.ErrorIs(t, err, voucherdomain.ErrUserRedemptionLimit)
	require.ErrorIs(t, err, voucherdomain.ErrRedemptionLimitReached)

	_, err = f.voucher.Redeem(ctx, snowflake.ID(104), v.ID)
	require.NoError(t, err)
}

func TestConcurrentRedeemHonoursGlobalCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "FIRST3", MaxRedemptions: intPtr(3)})

	const users = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		redeemed int
		limited  int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(user snowflake.ID) {
			defer wg.Done()
			_, err := f.voucher.Redeem(ctx, user, v.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				redeemed++
			case errors.Is(err, voucherdomain.ErrRedemptionLimitReached):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(snowflake.ID(200 + i))
	}
	wg.Wait()

	assert.Equal(t, 3, redeemed)
	assert.Equal(t, users-3, limited)
	stored, err := f.voucher.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentRedemptions)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM user_vouchers WHERE voucher_id = ?", 3, v.ID)
}

func TestQuoteChecksOwnershipAndMinSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(105)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "TENPCT", Type: voucherdomain.VoucherTypePercentage, Value: 10, MinSpend: 2000})
	uv, err := f.voucher.Redeem(ctx, user, v.ID)
	require.NoError(t, err)

	quote, err := f.voucher.Quote(ctx, voucherdomain.QuoteRequest{CustomerID: user, UserVoucherID: uv.ID, Subtotal: 3000})
	require.NoError(t, err)
	assert.Equal(t, int64(300), quote.Discount)

	_, err = f.voucher.Quote(ctx, voucherdomain.QuoteRequest{CustomerID: snowflake.ID(1), UserVoucherID: uv.ID, Subtotal: 3000})
	require.ErrorIs(t, err, voucherdomain.ErrVoucherNotOwned)

	_, err = f.voucher.Quote(ctx, voucherdomain.QuoteRequest{CustomerID: user, UserVoucherID: uv.ID, Subtotal: 1000})
	require.ErrorIs(t, err, voucherdomain.ErrMinSpendNotMet)
}

func TestApplyToBookingIsRetrySafe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(106)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "APPLY"})
	uv, err := f.voucher.Redeem(ctx, user, v.ID)
	require.NoError(t, err)

	req := voucherdomain.ApplyRequest{
		BookingID:     snowflake.ID(9001),
		CustomerID:    user,
		UserVoucherID: uv.ID,
		OriginalTotal: 3700,
		Discount:      500,
		FinalTotal:    3200,
	}
	first, err := f.voucher.ApplyToBooking(ctx, f.db, req)
	require.NoError(t, err)
	second, err := f.voucher.ApplyToBooking(ctx, f.db, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "APPLY", second.VoucherCode)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM booking_vouchers", 1)

	stored, err := f.voucher.GetUserVoucher(ctx, uv.ID)
	require.NoError(t, err)
	assert.Equal(t, voucherdomain.UserVoucherUsed, stored.Status)
	require.NotNil(t, stored.UsedForBookingID)
	assert.Equal(t, snowflake.ID(9001), *stored.UsedForBookingID)

	req.BookingID = snowflake.ID(9002)
	_, err = f.voucher.ApplyToBooking(ctx, f.db, req)
	require.ErrorIs(t, err, voucherdomain.ErrVoucherAlreadyUsed)
}

func TestApplyToBookingRejectsLapsedVoucher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(108)
	until := f.clock.Now().Add(time.Hour)
	v := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "HOURLY", ValidUntil: &until})
	uv, err := f.voucher.Redeem(ctx, user, v.ID)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	_, err = f.voucher.ApplyToBooking(ctx, f.db, voucherdomain.ApplyRequest{
		BookingID:     snowflake.ID(9101),
		CustomerID:    user,
		UserVoucherID: uv.ID,
		OriginalTotal: 3700,
		Discount:      500,
		FinalTotal:    3200,
	})
	require.ErrorIs(t, err, voucherdomain.ErrVoucherExpired)

	stored, err := f.voucher.GetUserVoucher(ctx, uv.ID)
	require.NoError(t, err)
	assert.Equal(t, voucherdomain.UserVoucherActive, stored.Status)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM booking_vouchers", 0)
}

func TestExpireUserVouchersAndListings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := snowflake.ID(107)
	until := f.clock.Now().Add(24 * time.Hour)
	short := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "DAYPASS", ValidUntil: &until})
	long := f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "EVERGREEN", PointsCost: 0})

	_, err := f.voucher.Redeem(ctx, user, short.ID)
	require.NoError(t, err)
	_, err = f.voucher.Redeem(ctx, user, long.ID)
	require.NoError(t, err)

	available, err := f.voucher.ListAvailable(ctx, user)
	require.NoError(t, err)
	assert.Len(t, available, 2)

	f.clock.Advance(48 * time.Hour)
	expired, err := f.voucher.ExpireUserVouchers(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	active, err := f.voucher.ListUserVouchers(ctx, user, voucherdomain.UserVoucherActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].Voucher)
	assert.Equal(t, "EVERGREEN", active[0].Voucher.Code)

	available, err = f.voucher.ListAvailable(ctx, user)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, long.ID, available[0].ID)
}

func TestCreateVoucherValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.voucher.CreateVoucher(ctx, voucherdomain.CreateVoucherRequest{Title: "x", Type: voucherdomain.VoucherTypeFixed, Value: 1})
	require.ErrorIs(t, err, voucherdomain.ErrInvalidCode)
	_, err = f.voucher.CreateVoucher(ctx, voucherdomain.CreateVoucherRequest{Code: "P", Title: "x", Type: voucherdomain.VoucherTypePercentage, Value: 150})
	require.ErrorIs(t, err, voucherdomain.ErrInvalidValue)

	f.createVoucher(t, voucherdomain.CreateVoucherRequest{Code: "DUP"})
	_, err = f.voucher.CreateVoucher(ctx, voucherdomain.CreateVoucherRequest{Code: "dup", Title: "x", Type: voucherdomain.VoucherTypeFixed, Value: 1})
	require.ErrorIs(t, err, voucherdomain.ErrDuplicateCode)
}
