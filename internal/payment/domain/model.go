package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type IntentStatus string

const (
	IntentCreated  IntentStatus = "created"
	IntentAwaiting IntentStatus = "awaiting"
	IntentSettled  IntentStatus = "settled"
	IntentFailed   IntentStatus = "failed"
)

// Source names the channel a payment signal arrived through.
type Source string

const (
	SourceRedirect Source = "redirect"
	SourceWebhook  Source = "webhook"
)

// Bill states reported by the gateway.
const (
	BillStatePaid    = "paid"
	BillStateDue     = "due"
	BillStateDeleted = "deleted"
)

// PaymentIntent ties one booking to one gateway bill. Only status and its
// timestamps change after creation.
type PaymentIntent struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID  snowflake.ID `json:"booking_id" gorm:"not null;uniqueIndex"`
	Provider   string       `json:"provider" gorm:"type:text;not null"`
	BillID     string       `json:"bill_id" gorm:"type:text;not null;uniqueIndex"`
	Amount     int64        `json:"amount" gorm:"not null"`
	Currency   string       `json:"currency" gorm:"type:text;not null"`
	PaymentURL string       `json:"payment_url" gorm:"type:text;not null"`
	Status     IntentStatus `json:"status" gorm:"type:text;not null"`
	SettledVia *Source      `json:"settled_via,omitempty"`
	SettledAt  *time.Time   `json:"settled_at,omitempty"`
	FailedAt   *time.Time   `json:"failed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// EventRecord is the durable copy of every payment signal, written before it
// is acted on.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	BillID          string         `json:"bill_id" gorm:"type:text;not null"`
	Source          Source         `json:"source" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	SignatureValid  bool           `json:"signature_valid" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	// ReviewReason is set on events left open for an operator.
	ReviewReason string `json:"review_reason,omitempty" gorm:"type:text;not null"`
}

const (
	ReviewAmountMismatch = "amount_mismatch"
	ReviewUnknownBill    = "unknown_bill"
	ReviewUnverifiable   = "unverifiable"
)

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	EventTypePaymentPending   = "payment_pending"
	EventTypeBillDeleted      = "bill_deleted"
	EventTypeSignatureInvalid = "signature_invalid"
)

type TaskKind string

const (
	TaskVoucherApply TaskKind = "voucher_apply"
	TaskCreditDeduct TaskKind = "credit_deduct"
	TaskPointsAward  TaskKind = "points_award"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// SettlementTask is a side effect that failed after settlement and waits for
// the retry sweeper.
type SettlementTask struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	BookingID     snowflake.ID `json:"booking_id" gorm:"not null"`
	BillID        string       `json:"bill_id" gorm:"type:text;not null"`
	Kind          TaskKind     `json:"kind" gorm:"type:text;not null"`
	Status        TaskStatus   `json:"status" gorm:"type:text;not null"`
	Attempts      int          `json:"attempts" gorm:"not null"`
	LastError     string       `json:"last_error" gorm:"type:text"`
	NextAttemptAt time.Time    `json:"next_attempt_at" gorm:"not null"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null"`
}

func (SettlementTask) TableName() string { return "settlement_tasks" }

// Notification is a verified gateway signal in canonical form.
type Notification struct {
	Provider          string
	Source            Source
	BillID            string
	Paid              bool
	State             string
	Amount            int64
	PaidAt            *time.Time
	TransactionID     string
	TransactionStatus string
	// DedupeKey identifies repeated deliveries of the same signal.
	DedupeKey string
	Fields    map[string]string
}

// EventType classifies the notification for the event log.
func (n Notification) EventType() string {
	switch {
	case n.Paid:
		return EventTypePaymentSucceeded
	case n.State == BillStateDeleted:
		return EventTypeBillDeleted
	case n.State == BillStateDue:
		return EventTypePaymentPending
	default:
		return EventTypePaymentFailed
	}
}
