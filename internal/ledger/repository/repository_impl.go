package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	"github.com/smallbiznis/bookpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func balanceTable(resource ledgerdomain.Resource) (string, error) {
	switch resource {
	case ledgerdomain.ResourcePoints:
		return "points_balances", nil
	case ledgerdomain.ResourceCredit:
		return "credit_balances", nil
	default:
		return "", fmt.Errorf("unknown ledger resource %q", resource)
	}
}

func balanceColumns(resource ledgerdomain.Resource) string {
	if resource == ledgerdomain.ResourcePoints {
		return "user_id, balance, lifetime_earned, version, updated_at"
	}
	return "user_id, balance, 0 AS lifetime_earned, version, updated_at"
}

func (r *repo) EnsureBalance(ctx context.Context, tx *gorm.DB, resource ledgerdomain.Resource, userID snowflake.ID) error {
	table, err := balanceTable(resource)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(map[string]any{
			"user_id":    userID,
			"balance":    0,
			"version":    0,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repo) LockBalance(ctx context.Context, tx *gorm.DB, resource ledgerdomain.Resource, userID snowflake.ID) (ledgerdomain.UserBalance, error) {
	table, err := balanceTable(resource)
	if err != nil {
		return ledgerdomain.UserBalance{}, err
	}
	var row ledgerdomain.UserBalance
	err = tx.WithContext(ctx).Raw(
		`SELECT `+balanceColumns(resource)+` FROM `+table+` WHERE user_id = ?`+db.ForUpdate(tx),
		userID,
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.UserBalance{}, err
	}
	if row.UserID == 0 {
		return ledgerdomain.UserBalance{}, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (r *repo) GetBalance(ctx context.Context, tx *gorm.DB, resource ledgerdomain.Resource, userID snowflake.ID) (ledgerdomain.UserBalance, error) {
	table, err := balanceTable(resource)
	if err != nil {
		return ledgerdomain.UserBalance{}, err
	}
	var row ledgerdomain.UserBalance
	err = tx.WithContext(ctx).Raw(
		`SELECT `+balanceColumns(resource)+` FROM `+table+` WHERE user_id = ?`,
		userID,
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.UserBalance{}, err
	}
	row.UserID = userID
	return row, nil
}

// UpdateBalance applies the new balance only if the row still carries the
// version that was read. It reports false when another writer got there first.
func (r *repo) UpdateBalance(ctx context.Context, tx *gorm.DB, resource ledgerdomain.Resource, current ledgerdomain.UserBalance, newBalance, earned int64) (bool, error) {
	table, err := balanceTable(resource)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	var result *gorm.DB
	if resource == ledgerdomain.ResourcePoints {
		result = tx.WithContext(ctx).Exec(
			`UPDATE points_balances
			 SET balance = ?, lifetime_earned = lifetime_earned + ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			newBalance, earned, now, current.UserID, current.Version,
		)
	} else {
		result = tx.WithContext(ctx).Exec(
			`UPDATE `+table+`
			 SET balance = ?, version = version + 1, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			newBalance, now, current.UserID, current.Version,
		)
	}
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) InsertCreditTransaction(ctx context.Context, tx *gorm.DB, t *ledgerdomain.CreditTransaction) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, user_id, type, amount, balance_after, seq, source, description, booking_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		string(t.Type),
		t.Amount,
		t.BalanceAfter,
		t.Seq,
		t.Source,
		t.Description,
		t.BookingID,
		t.CreatedAt,
	).Error
}

func (r *repo) FindCreditTransactionForBooking(ctx context.Context, tx *gorm.DB, userID, bookingID snowflake.ID, txType ledgerdomain.CreditTxType) (*ledgerdomain.CreditTransaction, error) {
	var row ledgerdomain.CreditTransaction
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, type, amount, balance_after, seq, source, description, booking_id, created_at
		 FROM credit_transactions
		 WHERE user_id = ? AND booking_id = ? AND type = ?
		 LIMIT 1`,
		userID, bookingID, string(txType),
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListCreditTransactions(ctx context.Context, tx *gorm.DB, userID snowflake.ID, limit int, ascending bool) ([]ledgerdomain.CreditTransaction, error) {
	query := `SELECT id, user_id, type, amount, balance_after, seq, source, description, booking_id, created_at
		 FROM credit_transactions WHERE user_id = ?` + orderClause(ascending)
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []ledgerdomain.CreditTransaction
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) InsertPointsTransaction(ctx context.Context, tx *gorm.DB, t *ledgerdomain.PointsTransaction) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO points_transactions (id, user_id, type, amount, balance_after, seq, description, booking_id, user_voucher_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.UserID,
		string(t.Type),
		t.Amount,
		t.BalanceAfter,
		t.Seq,
		t.Description,
		t.BookingID,
		t.UserVoucherID,
		t.CreatedAt,
	).Error
}

func (r *repo) FindPointsTransactionForBooking(ctx context.Context, tx *gorm.DB, userID, bookingID snowflake.ID, txType ledgerdomain.PointsTxType) (*ledgerdomain.PointsTransaction, error) {
	var row ledgerdomain.PointsTransaction
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, type, amount, balance_after, seq, description, booking_id, user_voucher_id, created_at
		 FROM points_transactions
		 WHERE user_id = ? AND booking_id = ? AND type = ?
		 LIMIT 1`,
		userID, bookingID, string(txType),
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListPointsTransactions(ctx context.Context, tx *gorm.DB, userID snowflake.ID, limit int, ascending bool) ([]ledgerdomain.PointsTransaction, error) {
	query := `SELECT id, user_id, type, amount, balance_after, seq, description, booking_id, user_voucher_id, created_at
		 FROM points_transactions WHERE user_id = ?` + orderClause(ascending)
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []ledgerdomain.PointsTransaction
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// seq is the balance version a row produced, so it follows commit order per user.
func orderClause(ascending bool) string {
	if ascending {
		return ` ORDER BY seq ASC`
	}
	return ` ORDER BY seq DESC`
}
