package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"gorm.io/gorm"
)

type Service interface {
	CreateBooking(ctx context.Context, req CreateBookingRequest) (*Booking, error)
	// InitiatePayment creates the gateway bill. Calling it again for a booking
	// that already has a bill returns the existing one.
	InitiatePayment(ctx context.Context, bookingID snowflake.ID) (*Checkout, error)
	GetBookingStatus(ctx context.Context, bookingID snowflake.ID) (*StatusView, error)
	Cancel(ctx context.Context, bookingID snowflake.ID, reason string) (*Booking, error)
	ListBookings(ctx context.Context, customerID snowflake.ID, limit int) ([]Booking, error)
}

type ItemInput struct {
	ServiceID       snowflake.ID `json:"service_id"`
	Name            string       `json:"name"`
	PriceCents      int64        `json:"price_cents"`
	DurationMinutes int          `json:"duration_minutes"`
}

type CreateBookingRequest struct {
	CustomerID    snowflake.ID  `json:"customer_id"`
	ProviderID    snowflake.ID  `json:"provider_id"`
	CustomerEmail string        `json:"customer_email"`
	CustomerName  string        `json:"customer_name"`
	Items         []ItemInput   `json:"items"`
	DistanceKm    float64       `json:"distance_km"`
	IsWalkIn      bool          `json:"is_walk_in"`
	Address       string        `json:"address"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	UserVoucherID *snowflake.ID `json:"user_voucher_id,omitempty"`
	CreditToApply int64         `json:"credit_to_apply"`
}

type Checkout struct {
	Booking *Booking                     `json:"booking"`
	Intent  *paymentdomain.PaymentIntent `json:"payment_intent"`
}

type StatusView struct {
	Booking *Booking                       `json:"booking"`
	Intent  *paymentdomain.PaymentIntent   `json:"payment_intent,omitempty"`
	Pending []paymentdomain.SettlementTask `json:"pending_tasks,omitempty"`
}

// ProviderDirectory answers whether a provider can take bookings.
type ProviderDirectory interface {
	IsBookable(ctx context.Context, providerID snowflake.ID) (bool, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, booking *Booking) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	LockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Booking, error)
	ListByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID, limit int) ([]Booking, error)
	// Transition applies a conditional status change and reports whether the
	// row was in one of the allowed source statuses.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, t Transition) (bool, error)
}
