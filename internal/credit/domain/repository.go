package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the storage contract for the credit ledger. Mutations that
// return a bool report whether the conditional update matched a row; false
// means the guard (balance floor, reset period, status) rejected it.
type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *UserCredit) error
	FindAccount(ctx context.Context, db *gorm.DB, userID string) (*UserCredit, error)
	DebitAccount(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error)
	CreditAccount(ctx context.Context, db *gorm.DB, userID string, amount int64, earned bool, now time.Time) (bool, error)
	RefundAccount(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error)
	ResetAccount(ctx context.Context, db *gorm.DB, userID string, allowance int64, periodStart, now time.Time) (bool, error)
	FindAccountsForReset(ctx context.Context, db *gorm.DB, periodStart time.Time, limit int) ([]UserCredit, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, userID string, afterID snowflake.ID, limit int) ([]CreditTransaction, error)

	InsertPool(ctx context.Context, db *gorm.DB, pool *CreditPool) error
	FindPool(ctx context.Context, db *gorm.DB, provider string) (*CreditPool, error)
	DebitPool(ctx context.Context, db *gorm.DB, provider string, amount int64, now time.Time) (bool, error)
	RefillPool(ctx context.Context, db *gorm.DB, provider string, amount int64, now time.Time) (bool, error)

	InsertPurchaseRequest(ctx context.Context, db *gorm.DB, req *CreditPurchaseRequest) error
	CompletePurchaseRequest(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, now time.Time) error
}
