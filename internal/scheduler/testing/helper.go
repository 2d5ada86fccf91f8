// Package testing moves scheduler-owned timestamps so jobs can be exercised
// without waiting on real backoff or validity windows.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"gorm.io/gorm"
)

type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// FastForwardTask makes a pending settlement task due immediately.
func (ta *TimeAccelerator) FastForwardTask(ctx context.Context, taskID snowflake.ID) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE settlement_tasks
		 SET next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now.Add(-time.Minute),
		now,
		taskID,
		paymentdomain.TaskPending,
	).Error
}

// FastForwardAllTasks makes every pending settlement task due.
func (ta *TimeAccelerator) FastForwardAllTasks(ctx context.Context) (int64, error) {
	now := ta.now()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE settlement_tasks
		 SET next_attempt_at = ?, updated_at = ?
		 WHERE status = ? AND next_attempt_at > ?`,
		now.Add(-time.Minute),
		now,
		paymentdomain.TaskPending,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ExpireVoucher closes a voucher's validity window.
func (ta *TimeAccelerator) ExpireVoucher(ctx context.Context, voucherID snowflake.ID) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE vouchers
		 SET valid_until = ?, updated_at = ?
		 WHERE id = ?`,
		now.Add(-time.Minute),
		now,
		voucherID,
	).Error
}
