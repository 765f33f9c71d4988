package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *creditdomain.UserCredit) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO user_credits
		 (id, user_id, subscription_tier, current_balance, monthly_allowance, consumed_this_month,
		  lifetime_earned, lifetime_consumed, last_reset_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		account.ID,
		account.UserID,
		account.SubscriptionTier,
		account.CurrentBalance,
		account.MonthlyAllowance,
		account.ConsumedThisMonth,
		account.LifetimeEarned,
		account.LifetimeConsumed,
		account.LastResetAt,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, userID string) (*creditdomain.UserCredit, error) {
	var account creditdomain.UserCredit
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, subscription_tier, current_balance, monthly_allowance, consumed_this_month,
		        lifetime_earned, lifetime_consumed, last_reset_at, created_at, updated_at
		 FROM user_credits WHERE user_id = ?`,
		userID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

// DebitAccount removes amount only when the balance covers it. The balance
// guard in the WHERE clause is what makes concurrent overdrafts impossible.
func (r *repo) DebitAccount(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE user_credits
		 SET current_balance = current_balance - ?,
		     consumed_this_month = consumed_this_month + ?,
		     lifetime_consumed = lifetime_consumed + ?,
		     updated_at = ?
		 WHERE user_id = ? AND current_balance >= ?`,
		amount, amount, amount, now, userID, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CreditAccount(ctx context.Context, db *gorm.DB, userID string, amount int64, earned bool, now time.Time) (bool, error) {
	earnedDelta := int64(0)
	if earned {
		earnedDelta = amount
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE user_credits
		 SET current_balance = current_balance + ?,
		     lifetime_earned = lifetime_earned + ?,
		     updated_at = ?
		 WHERE user_id = ?`,
		amount, earnedDelta, now, userID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RefundAccount restores amount and walks back the monthly counter without
// letting it go negative.
func (r *repo) RefundAccount(ctx context.Context, db *gorm.DB, userID string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE user_credits
		 SET current_balance = current_balance + ?,
		     consumed_this_month = CASE
		         WHEN consumed_this_month >= ? THEN consumed_this_month - ?
		         ELSE 0
		     END,
		     updated_at = ?
		 WHERE user_id = ?`,
		amount, amount, amount, now, userID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ResetAccount applies the monthly grant. The last_reset_at guard makes a
// second run within the same period a no-op; the balance never decreases so
// purchased credits survive the reset.
func (r *repo) ResetAccount(ctx context.Context, db *gorm.DB, userID string, allowance int64, periodStart, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE user_credits
		 SET current_balance = CASE
		         WHEN current_balance < ? THEN ?
		         ELSE current_balance
		     END,
		     monthly_allowance = ?,
		     consumed_this_month = 0,
		     last_reset_at = ?,
		     updated_at = ?
		 WHERE user_id = ? AND last_reset_at < ?`,
		allowance, allowance, allowance, now, now, userID, periodStart,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAccountsForReset(ctx context.Context, db *gorm.DB, periodStart time.Time, limit int) ([]creditdomain.UserCredit, error) {
	var accounts []creditdomain.UserCredit
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, subscription_tier, current_balance, monthly_allowance, consumed_this_month,
		        lifetime_earned, lifetime_consumed, last_reset_at, created_at, updated_at
		 FROM user_credits
		 WHERE last_reset_at < ?
		 ORDER BY last_reset_at ASC
		 LIMIT ?`,
		periodStart, limit,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *creditdomain.CreditTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions
		 (id, user_id, type, amount, balance_before, balance_after, source, reference_id, cost_usd, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.UserID,
		txn.Type,
		txn.Amount,
		txn.BalanceBefore,
		txn.BalanceAfter,
		txn.Source,
		txn.ReferenceID,
		txn.CostUSD,
		txn.Metadata,
		txn.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, userID string, afterID snowflake.ID, limit int) ([]creditdomain.CreditTransaction, error) {
	query := `SELECT id, user_id, type, amount, balance_before, balance_after, source, reference_id, cost_usd, metadata, created_at
	          FROM credit_transactions
	          WHERE user_id = ?`
	args := []interface{}{userID}
	if afterID != 0 {
		query += ` AND id < ?`
		args = append(args, afterID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var txns []creditdomain.CreditTransaction
	err := db.WithContext(ctx).Raw(query, args...).Scan(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// InsertPool does a plain insert; callers decide how to treat a provider
// that already has a pool.
func (r *repo) InsertPool(ctx context.Context, db *gorm.DB, pool *creditdomain.CreditPool) error {
	return db.WithContext(ctx).Create(pool).Error
}

func (r *repo) FindPool(ctx context.Context, db *gorm.DB, provider string) (*creditdomain.CreditPool, error) {
	var pool creditdomain.CreditPool
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, available_balance, total_purchased, total_consumed, cost_per_credit,
		        auto_refill_threshold, auto_refill_amount, status, last_refill_at, created_at, updated_at
		 FROM credit_pools WHERE provider = ?`,
		provider,
	).Scan(&pool).Error
	if err != nil {
		return nil, err
	}
	if pool.ID == 0 {
		return nil, nil
	}
	return &pool, nil
}

func (r *repo) DebitPool(ctx context.Context, db *gorm.DB, provider string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_pools
		 SET available_balance = available_balance - ?,
		     total_consumed = total_consumed + ?,
		     updated_at = ?
		 WHERE provider = ? AND status = ? AND available_balance >= ?`,
		amount, amount, now, provider, creditdomain.PoolStatusActive, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) RefillPool(ctx context.Context, db *gorm.DB, provider string, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_pools
		 SET available_balance = available_balance + ?,
		     total_purchased = total_purchased + ?,
		     status = ?,
		     last_refill_at = ?,
		     updated_at = ?
		 WHERE provider = ?`,
		amount, amount, creditdomain.PoolStatusActive, now, now, provider,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertPurchaseRequest(ctx context.Context, db *gorm.DB, req *creditdomain.CreditPurchaseRequest) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_purchase_requests
		 (id, provider, amount_requested, estimated_cost, status, requested_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.Provider,
		req.AmountRequested,
		req.EstimatedCost,
		req.Status,
		req.RequestedAt,
		req.CompletedAt,
	).Error
}

func (r *repo) CompletePurchaseRequest(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_purchase_requests SET status = ?, completed_at = ? WHERE id = ?`,
		status, now, id,
	).Error
}
