package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Transaction types recorded in the append-only ledger. Pool-funded spend
// gets its own type so per-account consume sums reconcile against
// lifetime_consumed, which only personal debits move.
const (
	TxnTypePurchase          = "purchase"
	TxnTypeConsume           = "consume"
	TxnTypeRefund            = "refund"
	TxnTypeBonus             = "bonus"
	TxnTypeAdjustment        = "adjustment"
	TxnTypePlatformDeduction = "platform_deduction"
)

// Funding sources for a consume.
const (
	SourceUserCredits  = "user_credits"
	SourcePlatformPool = "platform_pool"
)

// Pool lifecycle states.
const (
	PoolStatusActive    = "active"
	PoolStatusDepleted  = "depleted"
	PoolStatusSuspended = "suspended"
)

// Purchase request states.
const (
	PurchaseStatusPending   = "pending"
	PurchaseStatusCompleted = "completed"
	PurchaseStatusFailed    = "failed"
)

// UserCredit is the per-user credit account.
type UserCredit struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID            string       `json:"user_id" gorm:"type:text;not null;uniqueIndex:idx_user_credits_user_id"`
	SubscriptionTier  string       `json:"subscription_tier" gorm:"type:text;not null;default:FREE"`
	CurrentBalance    int64        `json:"current_balance" gorm:"not null;default:0"`
	MonthlyAllowance  int64        `json:"monthly_allowance" gorm:"not null;default:0"`
	ConsumedThisMonth int64        `json:"consumed_this_month" gorm:"not null;default:0"`
	LifetimeEarned    int64        `json:"lifetime_earned" gorm:"not null;default:0"`
	LifetimeConsumed  int64        `json:"lifetime_consumed" gorm:"not null;default:0"`
	LastResetAt       time.Time    `json:"last_reset_at" gorm:"not null"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UserCredit) TableName() string { return "user_credits" }

// CreditTransaction is one append-only ledger entry. BalanceBefore and
// BalanceAfter chain per account.
type CreditTransaction struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID        string         `json:"user_id" gorm:"type:text;not null;index:idx_credit_transactions_user_created,priority:1"`
	Type          string         `json:"type" gorm:"type:text;not null"`
	Amount        int64          `json:"amount" gorm:"not null"`
	BalanceBefore int64          `json:"balance_before" gorm:"not null"`
	BalanceAfter  int64          `json:"balance_after" gorm:"not null"`
	Source        string         `json:"source" gorm:"type:text;not null;default:user_credits"`
	ReferenceID   string         `json:"reference_id,omitempty" gorm:"type:text"`
	CostUSD       float64        `json:"cost_usd" gorm:"column:cost_usd;not null;default:0"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditPool is the shared platform balance held with one provider.
type CreditPool struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider            string       `json:"provider" gorm:"type:text;not null;uniqueIndex:idx_credit_pools_provider"`
	AvailableBalance    int64        `json:"available_balance" gorm:"not null;default:0"`
	TotalPurchased      int64        `json:"total_purchased" gorm:"not null;default:0"`
	TotalConsumed       int64        `json:"total_consumed" gorm:"not null;default:0"`
	CostPerCredit       float64      `json:"cost_per_credit" gorm:"column:cost_per_credit;not null;default:0"`
	AutoRefillThreshold int64        `json:"auto_refill_threshold" gorm:"not null;default:0"`
	AutoRefillAmount    int64        `json:"auto_refill_amount" gorm:"not null;default:0"`
	Status              string       `json:"status" gorm:"type:text;not null;default:active"`
	LastRefillAt        *time.Time   `json:"last_refill_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditPool) TableName() string { return "credit_pools" }

// CreditPurchaseRequest records one pool top-up attempt against a provider.
type CreditPurchaseRequest struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider        string       `json:"provider" gorm:"type:text;not null"`
	AmountRequested int64        `json:"amount_requested" gorm:"not null"`
	EstimatedCost   float64      `json:"estimated_cost" gorm:"column:estimated_cost;not null;default:0"`
	Status          string       `json:"status" gorm:"type:text;not null;default:pending"`
	RequestedAt     time.Time    `json:"requested_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

func (CreditPurchaseRequest) TableName() string { return "credit_purchase_requests" }
