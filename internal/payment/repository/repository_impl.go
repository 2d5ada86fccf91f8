package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const intentColumns = `id, booking_id, provider, bill_id, amount, currency, payment_url,
	status, settled_via, settled_at, failed_at, created_at, updated_at`

func (r *repo) InsertIntent(ctx context.Context, db *gorm.DB, intent *domain.PaymentIntent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_intents (`+intentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID,
		intent.BookingID,
		intent.Provider,
		intent.BillID,
		intent.Amount,
		intent.Currency,
		intent.PaymentURL,
		intent.Status,
		intent.SettledVia,
		intent.SettledAt,
		intent.FailedAt,
		intent.CreatedAt,
		intent.UpdatedAt,
	).Error
}

func (r *repo) FindIntentByBillID(ctx context.Context, db *gorm.DB, billID string) (*domain.PaymentIntent, error) {
	return r.findIntent(ctx, db, `bill_id = ?`, billID)
}

func (r *repo) FindIntentByBookingID(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*domain.PaymentIntent, error) {
	return r.findIntent(ctx, db, `booking_id = ?`, bookingID)
}

func (r *repo) findIntent(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.PaymentIntent, error) {
	var item domain.PaymentIntent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+`
		 FROM payment_intents
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// MarkIntentSettled is the settlement guard: exactly one caller per bill sees true.
func (r *repo) MarkIntentSettled(ctx context.Context, db *gorm.DB, billID string, via domain.Source, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_intents
		 SET status = ?, settled_via = ?, settled_at = ?, updated_at = ?
		 WHERE bill_id = ? AND status <> ?`,
		domain.IntentSettled,
		via,
		at,
		at,
		billID,
		domain.IntentSettled,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkIntentFailed(ctx context.Context, db *gorm.DB, billID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_intents
		 SET status = ?, failed_at = ?, updated_at = ?
		 WHERE bill_id = ? AND status IN (?, ?)`,
		domain.IntentFailed,
		at,
		at,
		billID,
		domain.IntentCreated,
		domain.IntentAwaiting,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

const eventColumns = `id, provider, provider_event_id, bill_id, source, event_type,
	payload, signature_valid, received_at, processed_at, review_reason`

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	).Error
}

// MarkEventForReview parks an event that settlement cannot finish on its own.
func (r *repo) MarkEventForReview(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET review_reason = ?
		 WHERE id = ? AND processed_at IS NULL`,
		reason,
		id,
	).Error
}

// ListUnprocessedEvents returns verified events that were recorded but never
// settled, oldest first. Events parked for review are excluded.
func (r *repo) ListUnprocessedEvents(ctx context.Context, db *gorm.DB, source domain.Source, receivedBefore time.Time, limit int) ([]domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM payment_events
		 WHERE source = ? AND signature_valid = ? AND processed_at IS NULL
		   AND review_reason = '' AND received_at <= ?
		 ORDER BY received_at ASC, id ASC
		 LIMIT ?`,
		source,
		true,
		receivedBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

const taskColumns = `id, booking_id, bill_id, kind, status, attempts, last_error,
	next_attempt_at, created_at, updated_at`

// InsertTask queues a deferred side effect. A second failure of the same kind
// for the same bill keeps the first row.
func (r *repo) InsertTask(ctx context.Context, db *gorm.DB, task *domain.SettlementTask) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bill_id"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(task)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimDueTasks locks pending tasks whose retry time has come. Callers must run
// it inside a transaction so the claim holds until they commit.
func (r *repo) ClaimDueTasks(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]domain.SettlementTask, error) {
	var items []domain.SettlementTask
	err := tx.WithContext(ctx).Raw(
		`SELECT `+taskColumns+`
		 FROM settlement_tasks
		 WHERE status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`+db.ForUpdateSkipLocked(tx),
		domain.TaskPending,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateTask(ctx context.Context, db *gorm.DB, task *domain.SettlementTask) error {
	return db.WithContext(ctx).Exec(
		`UPDATE settlement_tasks
		 SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		task.Status,
		task.Attempts,
		task.LastError,
		task.NextAttemptAt,
		task.UpdatedAt,
		task.ID,
	).Error
}

func (r *repo) ListTasksForBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) ([]domain.SettlementTask, error) {
	var items []domain.SettlementTask
	err := db.WithContext(ctx).Raw(
		`SELECT `+taskColumns+`
		 FROM settlement_tasks
		 WHERE booking_id = ?
		 ORDER BY created_at ASC, id ASC`,
		bookingID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
