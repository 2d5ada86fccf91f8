package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	CreateVoucher(ctx context.Context, req CreateVoucherRequest) (*Voucher, error)
	GetVoucher(ctx context.Context, id snowflake.ID) (*Voucher, error)

	Redeem(ctx context.Context, userID, voucherID snowflake.ID) (*UserVoucher, error)
	// Quote checks that the customer may use the voucher on this booking and
	// returns the discount it would grant.
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	// ApplyToBooking marks the voucher used inside the settlement transaction.
	ApplyToBooking(ctx context.Context, tx *gorm.DB, req ApplyRequest) (*BookingVoucher, error)

	ListAvailable(ctx context.Context, userID snowflake.ID) ([]Voucher, error)
	ListUserVouchers(ctx context.Context, userID snowflake.ID, status UserVoucherStatus) ([]UserVoucher, error)
	GetUserVoucher(ctx context.Context, id snowflake.ID) (*UserVoucher, error)
	ExpireUserVouchers(ctx context.Context, now time.Time, limit int) (int64, error)
}

type CreateVoucherRequest struct {
	Code               string      `json:"code"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	Type               VoucherType `json:"type"`
	Value              int64       `json:"value"`
	MinSpend           int64       `json:"min_spend"`
	MaxDiscount        *int64      `json:"max_discount"`
	PointsCost         int64       `json:"points_cost"`
	ValidFrom          *time.Time  `json:"valid_from"`
	ValidUntil         *time.Time  `json:"valid_until"`
	MaxRedemptions     *int        `json:"max_redemptions"`
	MaxPerUser         *int        `json:"max_per_user"`
	ApplicableServices []string    `json:"applicable_services"`
}

type QuoteRequest struct {
	CustomerID    snowflake.ID
	UserVoucherID snowflake.ID
	Subtotal      int64
	ServiceIDs    []string
}

type Quote struct {
	UserVoucher UserVoucher
	Voucher     Voucher
	Discount    int64
}

type ApplyRequest struct {
	BookingID     snowflake.ID
	CustomerID    snowflake.ID
	UserVoucherID snowflake.ID
	OriginalTotal int64
	Discount      int64
	FinalTotal    int64
}

var (
	ErrVoucherNotFound        = errors.New("voucher_not_found")
	ErrVoucherInactive        = errors.New("voucher_inactive")
	ErrVoucherNotStarted      = errors.New("voucher_not_started")
	ErrVoucherExpired         = errors.New("voucher_expired")
	ErrRedemptionLimitReached = errors.New("redemption_limit_reached")
	ErrUserRedemptionLimit    = fmt.Errorf("%w: per user", ErrRedemptionLimitReached)
	ErrVoucherAlreadyUsed     = errors.New("voucher_already_used")
	ErrVoucherNotOwned        = errors.New("voucher_not_owned")
	ErrVoucherNotApplicable   = errors.New("voucher_not_applicable")
	ErrMinSpendNotMet         = errors.New("voucher_min_spend_not_met")
	ErrInvalidCode            = errors.New("invalid_voucher_code")
	ErrInvalidTitle           = errors.New("invalid_voucher_title")
	ErrInvalidType            = errors.New("invalid_voucher_type")
	ErrInvalidValue           = errors.New("invalid_voucher_value")
	ErrInvalidWindow          = errors.New("invalid_voucher_window")
	ErrDuplicateCode          = errors.New("duplicate_voucher_code")
)

type Repository interface {
	InsertVoucher(ctx context.Context, db *gorm.DB, v *Voucher) error
	FindVoucher(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Voucher, error)
	LockVoucher(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Voucher, error)
	FindVouchersByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Voucher, error)
	IncrementRedemptions(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ListAvailable(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) ([]Voucher, error)

	CountUserRedemptions(ctx context.Context, db *gorm.DB, userID, voucherID snowflake.ID) (int64, error)
	InsertUserVoucher(ctx context.Context, db *gorm.DB, uv *UserVoucher) error
	FindUserVoucher(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UserVoucher, error)
	LockUserVoucher(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UserVoucher, error)
	ListUserVouchers(ctx context.Context, db *gorm.DB, userID snowflake.ID, status UserVoucherStatus) ([]UserVoucher, error)
	MarkUserVoucherUsed(ctx context.Context, db *gorm.DB, id, bookingID snowflake.ID, now time.Time) (bool, error)
	ExpireUserVouchers(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)

	InsertBookingVoucher(ctx context.Context, db *gorm.DB, bv *BookingVoucher) error
	FindBookingVoucher(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*BookingVoucher, error)
}
