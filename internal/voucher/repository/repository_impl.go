package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"github.com/smallbiznis/bookpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const voucherColumns = `id, code, title, description, type, value, min_spend, max_discount, points_cost,
	valid_from, valid_until, is_active, max_redemptions, current_redemptions, max_per_user,
	applicable_services, created_at, updated_at`

const userVoucherColumns = `id, user_id, voucher_id, points_spent, status, redeemed_at, used_at,
	used_for_booking_id, expired_at`

type repo struct{}

func Provide() voucherdomain.Repository {
	return &repo{}
}

func (r *repo) InsertVoucher(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO vouchers (`+voucherColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.Code,
		v.Title,
		v.Description,
		string(v.Type),
		v.Value,
		v.MinSpend,
		v.MaxDiscount,
		v.PointsCost,
		v.ValidFrom,
		v.ValidUntil,
		v.IsActive,
		v.MaxRedemptions,
		v.CurrentRedemptions,
		v.MaxPerUser,
		v.ApplicableServices,
		v.CreatedAt,
		v.UpdatedAt,
	).Error
}

func (r *repo) FindVoucher(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*voucherdomain.Voucher, error) {
	return r.findVoucher(ctx, tx, id, "")
}

func (r *repo) LockVoucher(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*voucherdomain.Voucher, error) {
	return r.findVoucher(ctx, tx, id, db.ForUpdate(tx))
}

func (r *repo) findVoucher(ctx context.Context, tx *gorm.DB, id snowflake.ID, lock string) (*voucherdomain.Voucher, error) {
	var v voucherdomain.Voucher
	err := tx.WithContext(ctx).Raw(
		`SELECT `+voucherColumns+` FROM vouchers WHERE id = ?`+lock,
		id,
	).Scan(&v).Error
	if err != nil {
		return nil, err
	}
	if v.ID == 0 {
		return nil, nil
	}
	return &v, nil
}

func (r *repo) FindVouchersByIDs(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) ([]voucherdomain.Voucher, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []voucherdomain.Voucher
	err := tx.WithContext(ctx).Raw(
		`SELECT `+voucherColumns+` FROM vouchers WHERE id IN ?`,
		ids,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// IncrementRedemptions claims one slot of the global cap. It reports false
// when the cap is already reached.
func (r *repo) IncrementRedemptions(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE vouchers
		 SET current_redemptions = current_redemptions + 1, updated_at = ?
		 WHERE id = ? AND (max_redemptions IS NULL OR current_redemptions < max_redemptions)`,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListAvailable(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) ([]voucherdomain.Voucher, error) {
	var rows []voucherdomain.Voucher
	err := tx.WithContext(ctx).Raw(
		`SELECT `+voucherColumns+`
		 FROM vouchers v
		 WHERE v.is_active = ?
		   AND v.valid_from <= ?
		   AND (v.valid_until IS NULL OR v.valid_until > ?)
		   AND (v.max_redemptions IS NULL OR v.current_redemptions < v.max_redemptions)
		   AND (v.max_per_user IS NULL OR (
		       SELECT COUNT(1) FROM user_vouchers uv WHERE uv.voucher_id = v.id AND uv.user_id = ?
		   ) < v.max_per_user)
		 ORDER BY v.points_cost ASC, v.id ASC`,
		true,
		now,
		now,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) CountUserRedemptions(ctx context.Context, tx *gorm.DB, userID, voucherID snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM user_vouchers WHERE user_id = ? AND voucher_id = ?`,
		userID,
		voucherID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertUserVoucher(ctx context.Context, tx *gorm.DB, uv *voucherdomain.UserVoucher) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO user_vouchers (`+userVoucherColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uv.ID,
		uv.UserID,
		uv.VoucherID,
		uv.PointsSpent,
		string(uv.Status),
		uv.RedeemedAt,
		uv.UsedAt,
		uv.UsedForBookingID,
		uv.ExpiredAt,
	).Error
}

func (r *repo) FindUserVoucher(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*voucherdomain.UserVoucher, error) {
	return r.findUserVoucher(ctx, tx, id, "")
}

func (r *repo) LockUserVoucher(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*voucherdomain.UserVoucher, error) {
	return r.findUserVoucher(ctx, tx, id, db.ForUpdate(tx))
}

func (r *repo) findUserVoucher(ctx context.Context, tx *gorm.DB, id snowflake.ID, lock string) (*voucherdomain.UserVoucher, error) {
	var uv voucherdomain.UserVoucher
	err := tx.WithContext(ctx).Raw(
		`SELECT `+userVoucherColumns+` FROM user_vouchers WHERE id = ?`+lock,
		id,
	).Scan(&uv).Error
	if err != nil {
		return nil, err
	}
	if uv.ID == 0 {
		return nil, nil
	}
	return &uv, nil
}

func (r *repo) ListUserVouchers(ctx context.Context, tx *gorm.DB, userID snowflake.ID, status voucherdomain.UserVoucherStatus) ([]voucherdomain.UserVoucher, error) {
	query := `SELECT ` + userVoucherColumns + ` FROM user_vouchers WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY redeemed_at DESC, id DESC`

	var rows []voucherdomain.UserVoucher
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkUserVoucherUsed(ctx context.Context, tx *gorm.DB, id, bookingID snowflake.ID, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE user_vouchers
		 SET status = ?, used_at = ?, used_for_booking_id = ?
		 WHERE id = ? AND status = ?`,
		string(voucherdomain.UserVoucherUsed),
		now,
		bookingID,
		id,
		string(voucherdomain.UserVoucherActive),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ExpireUserVouchers(ctx context.Context, tx *gorm.DB, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE user_vouchers
		 SET status = ?, expired_at = ?
		 WHERE status = ? AND id IN (
		     SELECT uv.id FROM user_vouchers uv
		     JOIN vouchers v ON v.id = uv.voucher_id
		     WHERE uv.status = ? AND v.valid_until IS NOT NULL AND v.valid_until <= ?
		     ORDER BY uv.id
		     LIMIT ?
		 )`,
		string(voucherdomain.UserVoucherExpired),
		now,
		string(voucherdomain.UserVoucherActive),
		string(voucherdomain.UserVoucherActive),
		now,
		limit,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) InsertBookingVoucher(ctx context.Context, tx *gorm.DB, bv *voucherdomain.BookingVoucher) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "booking_id"}},
			DoNothing: true,
		}).
		Create(bv).Error
}

func (r *repo) FindBookingVoucher(ctx context.Context, tx *gorm.DB, bookingID snowflake.ID) (*voucherdomain.BookingVoucher, error) {
	var bv voucherdomain.BookingVoucher
	err := tx.WithContext(ctx).Raw(
		`SELECT id, booking_id, customer_id, user_voucher_id, voucher_code, voucher_title,
			original_total, discount_applied, final_total, applied_at
		 FROM booking_vouchers WHERE booking_id = ?`,
		bookingID,
	).Scan(&bv).Error
	if err != nil {
		return nil, err
	}
	if bv.ID == 0 {
		return nil, nil
	}
	return &bv, nil
}
