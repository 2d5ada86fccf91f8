package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"github.com/smallbiznis/bookpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"github.com/smallbiznis/bookpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       voucherdomain.Repository
	Ledger     ledgerdomain.Service
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       voucherdomain.Repository
	ledger     ledgerdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) voucherdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("voucher.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledger:     p.Ledger,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateVoucher(ctx context.Context, req voucherdomain.CreateVoucherRequest) (*voucherdomain.Voucher, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, voucherdomain.ErrInvalidCode
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, voucherdomain.ErrInvalidTitle
	}
	switch req.Type {
	case voucherdomain.VoucherTypeFixed:
	case voucherdomain.VoucherTypePercentage:
		if req.Value > 100 {
			return nil, voucherdomain.ErrInvalidValue
		}
	default:
		return nil, voucherdomain.ErrInvalidType
	}
	if req.Value <= 0 || req.MinSpend < 0 || req.PointsCost < 0 {
		return nil, voucherdomain.ErrInvalidValue
	}
	if req.MaxDiscount != nil && *req.MaxDiscount <= 0 {
		return nil, voucherdomain.ErrInvalidValue
	}

	now := s.clock.Now().UTC()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	var validUntil *time.Time
	if req.ValidUntil != nil {
		until := req.ValidUntil.UTC()
		if !until.After(validFrom) {
			return nil, voucherdomain.ErrInvalidWindow
		}
		validUntil = &until
	}

	services := pq.StringArray{}
	for _, id := range req.ApplicableServices {
		if id = strings.TrimSpace(id); id != "" {
			services = append(services, id)
		}
	}

	v := &voucherdomain.Voucher{
		ID:                 s.genID.Generate(),
		Code:               code,
		Title:              title,
		Description:        strings.TrimSpace(req.Description),
		Type:               req.Type,
		Value:              req.Value,
		MinSpend:           req.MinSpend,
		MaxDiscount:        req.MaxDiscount,
		PointsCost:         req.PointsCost,
		ValidFrom:          validFrom,
		ValidUntil:         validUntil,
		IsActive:           true,
		MaxRedemptions:     req.MaxRedemptions,
		MaxPerUser:         req.MaxPerUser,
		ApplicableServices: services,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.InsertVoucher(ctx, s.db, v); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, voucherdomain.ErrDuplicateCode
		}
		return nil, err
	}
	return v, nil
}

func (s *Service) GetVoucher(ctx context.Context, id snowflake.ID) (*voucherdomain.Voucher, error) {
	v, err := s.repo.FindVoucher(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, voucherdomain.ErrVoucherNotFound
	}
	return v, nil
}

// Redeem spends the voucher's points cost and grants the user one copy. All
// checks and the points deduction share one transaction, so a rejected
// redemption leaves neither the cap nor the balance changed.
func (s *Service) Redeem(ctx context.Context, userID, voucherID snowflake.ID) (*voucherdomain.UserVoucher, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}

	var out *voucherdomain.UserVoucher
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		v, err := s.repo.LockVoucher(ctx, tx, voucherID)
		if err != nil {
			return err
		}
		if v == nil {
			return voucherdomain.ErrVoucherNotFound
		}
		if err := checkRedeemable(*v, now); err != nil {
			return err
		}

		if v.MaxPerUser != nil {
			count, err := s.repo.CountUserRedemptions(ctx, tx, userID, voucherID)
			if err != nil {
				return err
			}
			if count >= int64(*v.MaxPerUser) {
				return voucherdomain.ErrUserRedemptionLimit
			}
		}

		claimed, err := s.repo.IncrementRedemptions(ctx, tx, voucherID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return voucherdomain.ErrRedemptionLimitReached
		}

		uv := &voucherdomain.UserVoucher{
			ID:          s.genID.Generate(),
			UserID:      userID,
			VoucherID:   voucherID,
			PointsSpent: v.PointsCost,
			Status:      voucherdomain.UserVoucherActive,
			RedeemedAt:  now,
		}
		if err := s.repo.InsertUserVoucher(ctx, tx, uv); err != nil {
			return err
		}

		if v.PointsCost > 0 {
			uvID := uv.ID
			if _, err := s.ledger.RedeemPointsTx(ctx, tx, ledgerdomain.PointsRequest{
				UserID:        userID,
				Amount:        v.PointsCost,
				UserVoucherID: &uvID,
				Description:   fmt.Sprintf("Redeemed voucher %s", v.Code),
			}); err != nil {
				return err
			}
		}

		uv.Voucher = v
		out = uv
		return nil
	})
	if err != nil {
		s.obsMetrics.RecordVoucherRedemption(ctx, redemptionOutcome(err))
		return nil, err
	}

	s.obsMetrics.RecordVoucherRedemption(ctx, "redeemed")
	s.log.Info("voucher_redeemed",
		zap.String("user_id", userID.String()),
		zap.String("voucher_id", voucherID.String()),
		zap.String("user_voucher_id", out.ID.String()),
		zap.Int64("points_spent", out.PointsSpent),
	)
	return out, nil
}

func (s *Service) Quote(ctx context.Context, req voucherdomain.QuoteRequest) (voucherdomain.Quote, error) {
	uv, err := s.repo.FindUserVoucher(ctx, s.db, req.UserVoucherID)
	if err != nil {
		return voucherdomain.Quote{}, err
	}
	if uv == nil {
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherNotFound
	}
	if uv.UserID != req.CustomerID {
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherNotOwned
	}
	switch uv.Status {
	case voucherdomain.UserVoucherActive:
	case voucherdomain.UserVoucherUsed:
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherAlreadyUsed
	default:
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherExpired
	}

	v, err := s.repo.FindVoucher(ctx, s.db, uv.VoucherID)
	if err != nil {
		return voucherdomain.Quote{}, err
	}
	if v == nil {
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherNotFound
	}
	if v.ValidUntil != nil && !s.clock.Now().Before(*v.ValidUntil) {
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherExpired
	}
	if !v.AppliesTo(req.ServiceIDs) {
		return voucherdomain.Quote{}, voucherdomain.ErrVoucherNotApplicable
	}
	if req.Subtotal < v.MinSpend {
		return voucherdomain.Quote{}, voucherdomain.ErrMinSpendNotMet
	}

	uv.Voucher = v
	return voucherdomain.Quote{
		UserVoucher: *uv,
		Voucher:     *v,
		Discount:    voucherdomain.CalculateDiscount(*v, req.Subtotal),
	}, nil
}

// ApplyToBooking consumes the voucher for a settled booking. Reapplying to the
// same booking succeeds without changes so a retried settlement is safe.
func (s *Service) ApplyToBooking(ctx context.Context, tx *gorm.DB, req voucherdomain.ApplyRequest) (*voucherdomain.BookingVoucher, error) {
	if tx == nil {
		tx = s.db
	}

	uv, err := s.repo.LockUserVoucher(ctx, tx, req.UserVoucherID)
	if err != nil {
		return nil, err
	}
	if uv == nil {
		return nil, voucherdomain.ErrVoucherNotFound
	}
	if uv.UserID != req.CustomerID {
		return nil, voucherdomain.ErrVoucherNotOwned
	}

	v, err := s.repo.FindVoucher(ctx, tx, uv.VoucherID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, voucherdomain.ErrVoucherNotFound
	}

	now := s.clock.Now().UTC()
	switch uv.Status {
	case voucherdomain.UserVoucherUsed:
		if uv.UsedForBookingID == nil || *uv.UsedForBookingID != req.BookingID {
			return nil, voucherdomain.ErrVoucherAlreadyUsed
		}
	case voucherdomain.UserVoucherExpired:
		return nil, voucherdomain.ErrVoucherExpired
	case voucherdomain.UserVoucherActive:
		// The expiry sweep may not have reached this voucher yet.
		if v.ValidUntil != nil && !now.Before(*v.ValidUntil) {
			return nil, voucherdomain.ErrVoucherExpired
		}
		marked, err := s.repo.MarkUserVoucherUsed(ctx, tx, uv.ID, req.BookingID, now)
		if err != nil {
			return nil, err
		}
		if !marked {
			return nil, voucherdomain.ErrVoucherAlreadyUsed
		}
	}

	bv := &voucherdomain.BookingVoucher{
		ID:              s.genID.Generate(),
		BookingID:       req.BookingID,
		CustomerID:      req.CustomerID,
		UserVoucherID:   uv.ID,
		VoucherCode:     v.Code,
		VoucherTitle:    v.Title,
		OriginalTotal:   req.OriginalTotal,
		DiscountApplied: req.Discount,
		FinalTotal:      req.FinalTotal,
		AppliedAt:       now,
	}
	if err := s.repo.InsertBookingVoucher(ctx, tx, bv); err != nil {
		return nil, err
	}
	stored, err := s.repo.FindBookingVoucher(ctx, tx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return bv, nil
	}
	return stored, nil
}

func (s *Service) ListAvailable(ctx context.Context, userID snowflake.ID) ([]voucherdomain.Voucher, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	rows, err := s.repo.ListAvailable(ctx, s.db, userID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []voucherdomain.Voucher{}
	}
	return rows, nil
}

func (s *Service) ListUserVouchers(ctx context.Context, userID snowflake.ID, status voucherdomain.UserVoucherStatus) ([]voucherdomain.UserVoucher, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	rows, err := s.repo.ListUserVouchers(ctx, s.db, userID, status)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []voucherdomain.UserVoucher{}, nil
	}

	ids := make([]snowflake.ID, 0, len(rows))
	seen := make(map[snowflake.ID]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.VoucherID]; ok {
			continue
		}
		seen[row.VoucherID] = struct{}{}
		ids = append(ids, row.VoucherID)
	}
	vouchers, err := s.repo.FindVouchersByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]*voucherdomain.Voucher, len(vouchers))
	for i := range vouchers {
		byID[vouchers[i].ID] = &vouchers[i]
	}
	for i := range rows {
		rows[i].Voucher = byID[rows[i].VoucherID]
	}
	return rows, nil
}

func (s *Service) GetUserVoucher(ctx context.Context, id snowflake.ID) (*voucherdomain.UserVoucher, error) {
	uv, err := s.repo.FindUserVoucher(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if uv == nil {
		return nil, voucherdomain.ErrVoucherNotFound
	}
	v, err := s.repo.FindVoucher(ctx, s.db, uv.VoucherID)
	if err != nil {
		return nil, err
	}
	uv.Voucher = v
	return uv, nil
}

func (s *Service) ExpireUserVouchers(ctx context.Context, now time.Time, limit int) (int64, error) {
	expired, err := s.repo.ExpireUserVouchers(ctx, s.db, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.Info("user_vouchers_expired", zap.Int64("count", expired))
	}
	return expired, nil
}

func checkRedeemable(v voucherdomain.Voucher, now time.Time) error {
	if !v.IsActive {
		return voucherdomain.ErrVoucherInactive
	}
	if now.Before(v.ValidFrom) {
		return voucherdomain.ErrVoucherNotStarted
	}
	if v.ValidUntil != nil && !now.Before(*v.ValidUntil) {
		return voucherdomain.ErrVoucherExpired
	}
	return nil
}

func redemptionOutcome(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, voucherdomain.ErrRedemptionLimitReached):
		return "limit_reached"
	case errors.Is(err, voucherdomain.ErrVoucherExpired), errors.Is(err, voucherdomain.ErrVoucherNotStarted), errors.Is(err, voucherdomain.ErrVoucherInactive):
		return "unavailable"
	case errors.Is(err, voucherdomain.ErrVoucherNotFound):
		return "not_found"
	default:
		return "error"
	}
}
