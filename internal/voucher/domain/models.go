package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

type VoucherType string

const (
	VoucherTypePercentage VoucherType = "percentage"
	VoucherTypeFixed      VoucherType = "fixed"
)

type UserVoucherStatus string

const (
	UserVoucherActive  UserVoucherStatus = "active"
	UserVoucherUsed    UserVoucherStatus = "used"
	UserVoucherExpired UserVoucherStatus = "expired"
)

// Voucher is a redeemable promotion. Value is a whole percentage for
// percentage vouchers and an amount in sen for fixed ones.
type Voucher struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	Code               string         `json:"code" gorm:"type:text;not null;uniqueIndex"`
	Title              string         `json:"title" gorm:"type:text;not null"`
	Description        string         `json:"description" gorm:"type:text"`
	Type               VoucherType    `json:"type" gorm:"type:text;not null"`
	Value              int64          `json:"value" gorm:"not null"`
	MinSpend           int64          `json:"min_spend" gorm:"not null"`
	MaxDiscount        *int64         `json:"max_discount,omitempty"`
	PointsCost         int64          `json:"points_cost" gorm:"not null"`
	ValidFrom          time.Time      `json:"valid_from" gorm:"not null"`
	ValidUntil         *time.Time     `json:"valid_until,omitempty"`
	IsActive           bool           `json:"is_active" gorm:"not null"`
	MaxRedemptions     *int           `json:"max_redemptions,omitempty"`
	CurrentRedemptions int            `json:"current_redemptions" gorm:"not null"`
	MaxPerUser         *int           `json:"max_per_user,omitempty"`
	ApplicableServices pq.StringArray `json:"applicable_services" gorm:"type:text[]"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"not null"`
}

func (Voucher) TableName() string { return "vouchers" }

// ValidAt reports whether now falls inside the validity window.
func (v Voucher) ValidAt(now time.Time) bool {
	if now.Before(v.ValidFrom) {
		return false
	}
	return v.ValidUntil == nil || now.Before(*v.ValidUntil)
}

// AppliesTo reports whether any of the booked services is covered. An empty
// list covers every service.
func (v Voucher) AppliesTo(serviceIDs []string) bool {
	if len(v.ApplicableServices) == 0 {
		return true
	}
	for _, allowed := range v.ApplicableServices {
		for _, id := range serviceIDs {
			if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(id)) {
				return true
			}
		}
	}
	return false
}

type UserVoucher struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID           snowflake.ID      `json:"user_id" gorm:"not null;index"`
	VoucherID        snowflake.ID      `json:"voucher_id" gorm:"not null"`
	PointsSpent      int64             `json:"points_spent" gorm:"not null"`
	Status           UserVoucherStatus `json:"status" gorm:"type:text;not null"`
	RedeemedAt       time.Time         `json:"redeemed_at" gorm:"not null"`
	UsedAt           *time.Time        `json:"used_at,omitempty"`
	UsedForBookingID *snowflake.ID     `json:"used_for_booking_id,omitempty"`
	ExpiredAt        *time.Time        `json:"expired_at,omitempty"`

	Voucher *Voucher `json:"voucher,omitempty" gorm:"-"`
}

func (UserVoucher) TableName() string { return "user_vouchers" }

// BookingVoucher records the discount a booking actually received.
type BookingVoucher struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID       snowflake.ID `json:"booking_id" gorm:"not null;uniqueIndex"`
	CustomerID      snowflake.ID `json:"customer_id" gorm:"not null"`
	UserVoucherID   snowflake.ID `json:"user_voucher_id" gorm:"not null"`
	VoucherCode     string       `json:"voucher_code" gorm:"type:text;not null"`
	VoucherTitle    string       `json:"voucher_title" gorm:"type:text;not null"`
	OriginalTotal   int64        `json:"original_total" gorm:"not null"`
	DiscountApplied int64        `json:"discount_applied" gorm:"not null"`
	FinalTotal      int64        `json:"final_total" gorm:"not null"`
	AppliedAt       time.Time    `json:"applied_at" gorm:"not null"`
}

func (BookingVoucher) TableName() string { return "booking_vouchers" }
