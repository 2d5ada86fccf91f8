package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusPaymentInitiated Status = "payment_initiated"
	StatusPaid             Status = "paid"
	StatusConfirmed        Status = "confirmed"
	StatusCancelled        Status = "cancelled"
	StatusFailed           Status = "failed"
)

type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodBankTransfer
}

var transitions = map[Status][]Status{
	StatusPending:          {StatusPaymentInitiated, StatusCancelled, StatusFailed},
	StatusPaymentInitiated: {StatusPaid, StatusCancelled, StatusFailed},
	StatusFailed:           {StatusPaid},
	StatusPaid:             {StatusConfirmed},
}

// CanTransition reports whether a booking may move from one status to another.
// Confirmed and cancelled bookings are terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor lists the statuses a booking may enter `to` from.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusPaymentInitiated, StatusPaid, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

type Booking struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	CustomerID    snowflake.ID  `json:"customer_id" gorm:"not null;index"`
	ProviderID    snowflake.ID  `json:"provider_id" gorm:"not null"`
	CustomerEmail string        `json:"customer_email" gorm:"type:text"`
	CustomerName  string        `json:"customer_name" gorm:"type:text"`
	Address       string        `json:"address" gorm:"type:text"`
	DistanceKm    float64       `json:"distance_km" gorm:"not null"`
	IsWalkIn      bool          `json:"is_walk_in" gorm:"not null"`
	PaymentMethod PaymentMethod `json:"payment_method" gorm:"type:text;not null"`
	UserVoucherID *snowflake.ID `json:"user_voucher_id,omitempty"`
	CreditToApply int64         `json:"credit_to_apply" gorm:"not null"`

	ServiceSubtotal int64  `json:"service_subtotal" gorm:"not null"`
	TravelCost      int64  `json:"travel_cost" gorm:"not null"`
	PlatformFee     int64  `json:"platform_fee" gorm:"not null"`
	Commission      int64  `json:"commission" gorm:"not null"`
	ProviderNet     int64  `json:"provider_net" gorm:"not null"`
	PlatformRevenue int64  `json:"platform_revenue" gorm:"not null"`
	Discount        int64  `json:"discount" gorm:"not null"`
	CreditApplied   int64  `json:"credit_applied" gorm:"not null"`
	Total           int64  `json:"total" gorm:"not null"`
	AmountDue       int64  `json:"amount_due" gorm:"not null"`
	Currency        string `json:"currency" gorm:"type:text;not null"`

	Status        Status     `json:"status" gorm:"type:text;not null"`
	CancelReason  string     `json:"cancel_reason,omitempty" gorm:"type:text"`
	FailureReason string     `json:"failure_reason,omitempty" gorm:"type:text"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"not null"`

	Items []BookingItem `json:"items" gorm:"-"`
}

func (Booking) TableName() string { return "bookings" }

type BookingItem struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID       snowflake.ID `json:"booking_id" gorm:"not null;index"`
	ServiceID       snowflake.ID `json:"service_id" gorm:"not null"`
	Name            string       `json:"name" gorm:"type:text;not null"`
	PriceCents      int64        `json:"price_cents" gorm:"not null"`
	DurationMinutes int          `json:"duration_minutes" gorm:"not null"`
	Position        int          `json:"position" gorm:"not null"`
}

func (BookingItem) TableName() string { return "booking_items" }

// ServiceIDs returns the booked service ids as strings, for voucher scoping.
func (b Booking) ServiceIDs() []string {
	out := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		out = append(out, item.ServiceID.String())
	}
	return out
}

// Transition carries the fields written alongside a status change.
type Transition struct {
	To     Status
	From   []Status
	Reason string
	At     time.Time
}
