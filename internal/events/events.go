// Package events publishes settlement outcomes to the message broker.
package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	RoutingBookingConfirmed   = "booking.confirmed"
	RoutingSideEffectFailed   = "settlement.side_effect_failed"
	RoutingSettledAfterCancel = "settlement.settled_after_cancel"
)

// Publisher sends a JSON message with the given routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type BookingConfirmed struct {
	BookingID   snowflake.ID `json:"booking_id"`
	CustomerID  snowflake.ID `json:"customer_id"`
	ProviderID  snowflake.ID `json:"provider_id"`
	BillID      string       `json:"bill_id"`
	AmountPaid  int64        `json:"amount_paid"`
	Currency    string       `json:"currency"`
	SettledVia  string       `json:"settled_via"`
	Deferred    []string     `json:"deferred,omitempty"`
	ConfirmedAt time.Time    `json:"confirmed_at"`
}

type SideEffectFailed struct {
	TaskID    snowflake.ID `json:"task_id"`
	BookingID snowflake.ID `json:"booking_id"`
	BillID    string       `json:"bill_id"`
	Kind      string       `json:"kind"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error"`
	FailedAt  time.Time    `json:"failed_at"`
}

type SettledAfterCancel struct {
	BookingID snowflake.ID `json:"booking_id"`
	BillID    string       `json:"bill_id"`
	Amount    int64        `json:"amount"`
	SettledAt time.Time    `json:"settled_at"`
}

type noopPublisher struct{}

// NewNoopPublisher drops every message. It backs deployments without a broker.
func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, string, any) error { return nil }
