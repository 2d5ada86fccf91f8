package domain

import (
	"context"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SettleRequest struct {
	Provider string
	BillID   string
	Source   Source
	Paid     bool
	State    string
	Amount   int64
	PaidAt   *time.Time
}

type SettleOutcome string

const (
	OutcomeSettled            SettleOutcome = "settled"
	OutcomeAlreadySettled     SettleOutcome = "already_settled"
	OutcomeFailed             SettleOutcome = "failed"
	OutcomePending            SettleOutcome = "pending"
	OutcomeCancelled          SettleOutcome = "cancelled"
	OutcomeAmountMismatch     SettleOutcome = "amount_mismatch"
	OutcomeSettledAfterCancel SettleOutcome = "settled_after_cancel"
)

type SettleResult struct {
	Outcome       SettleOutcome `json:"outcome"`
	BookingID     snowflake.ID  `json:"booking_id"`
	BookingStatus string        `json:"booking_status"`
	Deferred      []TaskKind    `json:"deferred,omitempty"`
}

// SettlementService performs exactly-once settlement of a verified signal.
type SettlementService interface {
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)
	// RetryTask reruns one deferred side effect. It is safe to call repeatedly.
	RetryTask(ctx context.Context, task SettlementTask) error
}

type RedirectResult struct {
	Provider       string       `json:"provider"`
	BillID         string       `json:"bill_id"`
	BookingID      snowflake.ID `json:"booking_id,omitempty"`
	SignatureValid bool         `json:"signature_valid"`
	Paid           bool         `json:"paid"`
	BookingStatus  string       `json:"booking_status"`
}

// ChannelService is the entry point for both gateway channels.
type ChannelService interface {
	IngestWebhook(ctx context.Context, provider string, form url.Values) error
	HandleRedirect(ctx context.Context, provider string, query url.Values) (RedirectResult, error)
	// ReplayUnprocessed finishes webhook events recorded before receivedBefore
	// that were acknowledged but never settled.
	ReplayUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) (int, error)
}

type Repository interface {
	InsertIntent(ctx context.Context, db *gorm.DB, intent *PaymentIntent) error
	FindIntentByBillID(ctx context.Context, db *gorm.DB, billID string) (*PaymentIntent, error)
	FindIntentByBookingID(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*PaymentIntent, error)
	MarkIntentSettled(ctx context.Context, db *gorm.DB, billID string, via Source, at time.Time) (bool, error)
	MarkIntentFailed(ctx context.Context, db *gorm.DB, billID string, at time.Time) (bool, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	MarkEventForReview(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) error
	ListUnprocessedEvents(ctx context.Context, db *gorm.DB, source Source, receivedBefore time.Time, limit int) ([]EventRecord, error)

	InsertTask(ctx context.Context, db *gorm.DB, task *SettlementTask) (bool, error)
	ClaimDueTasks(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]SettlementTask, error)
	UpdateTask(ctx context.Context, db *gorm.DB, task *SettlementTask) error
	ListTasksForBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]SettlementTask, error)
}
