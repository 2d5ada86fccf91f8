package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Resource names a balance kind held per user.
type Resource string

const (
	ResourcePoints Resource = "points"
	ResourceCredit Resource = "credit"
)

type PointsTxType string

const (
	PointsTxEarn   PointsTxType = "earn"
	PointsTxRedeem PointsTxType = "redeem"
	PointsTxRefund PointsTxType = "refund"
	PointsTxAdjust PointsTxType = "adjust"
)

type CreditTxType string

const (
	CreditTxAdd    CreditTxType = "add"
	CreditTxDeduct CreditTxType = "deduct"
)

// Common credit sources.
const (
	CreditSourceBookingPayment = "booking_payment"
	CreditSourceRefund         = "refund"
	CreditSourcePromotion      = "promotion"
	CreditSourceAdmin          = "admin"
)

// UserBalance is the cached running balance row for one resource.
type UserBalance struct {
	UserID         snowflake.ID `json:"user_id" gorm:"primaryKey"`
	Balance        int64        `json:"balance" gorm:"not null"`
	LifetimeEarned int64        `json:"lifetime_earned" gorm:"not null"`
	Version        int64        `json:"-" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

type PointsTransaction struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID        snowflake.ID  `json:"user_id" gorm:"not null;index"`
	Type          PointsTxType  `json:"type" gorm:"type:text;not null"`
	Amount        int64         `json:"amount" gorm:"not null"`
	BalanceAfter  int64         `json:"balance_after" gorm:"not null"`
	Seq           int64         `json:"seq" gorm:"not null"`
	Description   string        `json:"description" gorm:"type:text"`
	BookingID     *snowflake.ID `json:"booking_id,omitempty"`
	UserVoucherID *snowflake.ID `json:"user_voucher_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

type CreditTransaction struct {
	ID           snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID       snowflake.ID  `json:"user_id" gorm:"not null;index"`
	Type         CreditTxType  `json:"type" gorm:"type:text;not null"`
	Amount       int64         `json:"amount" gorm:"not null"`
	BalanceAfter int64         `json:"balance_after" gorm:"not null"`
	Seq          int64         `json:"seq" gorm:"not null"`
	Source       string        `json:"source" gorm:"type:text;not null"`
	Description  string        `json:"description" gorm:"type:text"`
	BookingID    *snowflake.ID `json:"booking_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at" gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// Balance is the consumer view of both balances.
type Balance struct {
	UserID snowflake.ID `json:"user_id"`
	Points int64        `json:"points"`
	Credit int64        `json:"credit"`
}

type History struct {
	Points []PointsTransaction `json:"points"`
	Credit []CreditTransaction `json:"credit"`
}

// CreditRequest describes a credit mutation. Amount is always positive.
type CreditRequest struct {
	UserID      snowflake.ID
	Amount      int64
	Source      string
	Description string
	BookingID   *snowflake.ID
}

// PointsRequest describes a points mutation. Amount is positive except for
// adjustments, where its sign is the direction.
type PointsRequest struct {
	UserID        snowflake.ID
	Type          PointsTxType
	Amount        int64
	Description   string
	BookingID     *snowflake.ID
	UserVoucherID *snowflake.ID
}

// Delta is the signed change the request applies to the balance.
func (r PointsRequest) Delta() int64 {
	switch r.Type {
	case PointsTxRedeem:
		return -r.Amount
	default:
		return r.Amount
	}
}

// ChainReport is the result of replaying a user's transactions.
type ChainReport struct {
	UserID        snowflake.ID  `json:"user_id"`
	Resource      Resource      `json:"resource"`
	Transactions  int           `json:"transactions"`
	CachedBalance int64         `json:"cached_balance"`
	ReplayBalance int64         `json:"replay_balance"`
	BrokenAtTxID  *snowflake.ID `json:"broken_at_tx_id,omitempty"`
	Consistent    bool          `json:"consistent"`
}
