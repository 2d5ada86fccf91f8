package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	AddCredit(ctx context.Context, req CreditRequest) (CreditTransaction, error)
	DeductCredit(ctx context.Context, req CreditRequest) (CreditTransaction, error)
	// DeductCreditTx runs inside the caller's transaction.
	DeductCreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (CreditTransaction, error)

	AddPoints(ctx context.Context, req PointsRequest) (PointsTransaction, error)
	DeductPoints(ctx context.Context, req PointsRequest) (PointsTransaction, error)
	// RedeemPointsTx and EarnPointsTx run inside the caller's transaction.
	RedeemPointsTx(ctx context.Context, tx *gorm.DB, req PointsRequest) (PointsTransaction, error)
	EarnPointsTx(ctx context.Context, tx *gorm.DB, req PointsRequest) (PointsTransaction, error)

	GetBalance(ctx context.Context, userID snowflake.ID) (Balance, error)
	GetTransactionHistory(ctx context.Context, userID snowflake.ID, limit int) (History, error)
	VerifyChain(ctx context.Context, userID snowflake.ID, resource Resource) (ChainReport, error)
}

type Repository interface {
	EnsureBalance(ctx context.Context, db *gorm.DB, resource Resource, userID snowflake.ID) error
	LockBalance(ctx context.Context, db *gorm.DB, resource Resource, userID snowflake.ID) (UserBalance, error)
	GetBalance(ctx context.Context, db *gorm.DB, resource Resource, userID snowflake.ID) (UserBalance, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, resource Resource, current UserBalance, newBalance, earned int64) (bool, error)

	InsertCreditTransaction(ctx context.Context, db *gorm.DB, tx *CreditTransaction) error
	FindCreditTransactionForBooking(ctx context.Context, db *gorm.DB, userID, bookingID snowflake.ID, txType CreditTxType) (*CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int, ascending bool) ([]CreditTransaction, error)

	InsertPointsTransaction(ctx context.Context, db *gorm.DB, tx *PointsTransaction) error
	FindPointsTransactionForBooking(ctx context.Context, db *gorm.DB, userID, bookingID snowflake.ID, txType PointsTxType) (*PointsTransaction, error)
	ListPointsTransactions(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit int, ascending bool) ([]PointsTransaction, error)
}
