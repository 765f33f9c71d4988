package domain

import (
	"context"
	"errors"

	"github.com/preset-hq/credits/pkg/db/pagination"
)

type Service interface {
	// GetUserCredits fetches the account for userID, lazily creating it with
	// the tier's default allowance on first sight.
	GetUserCredits(ctx context.Context, userID, tier string) (*UserCredit, error)

	// CheckAndConsume atomically debits credits from the user's balance, or
	// from the platform pool when the tier allows fallback. Either the full
	// amount is consumed from exactly one source or nothing changes.
	CheckAndConsume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)

	// Refund is the compensating transaction for a consume whose downstream
	// work failed. It must succeed whenever the account exists.
	Refund(ctx context.Context, req RefundRequest) (*UserCredit, error)

	// Purchase credits the account with bought credits.
	Purchase(ctx context.Context, req PurchaseRequest) (*UserCredit, error)

	// Adjust applies an operator correction, positive or negative.
	Adjust(ctx context.Context, req AdjustRequest) (*UserCredit, error)

	// AllocateMonthly grants each account its monthly allowance once per
	// calendar month. Safe to call repeatedly within a period.
	AllocateMonthly(ctx context.Context) (*AllocationReport, error)

	// AutoRefill tops up the provider pool when it is below its threshold.
	AutoRefill(ctx context.Context, provider string) (*CreditPool, error)

	ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]CreditTransaction, pagination.PageInfo, error)
	GetPool(ctx context.Context, provider string) (*CreditPool, error)
}

type ConsumeRequest struct {
	UserID      string `json:"user_id"`
	Tier        string `json:"tier,omitempty"`
	Credits     int64  `json:"credits"`
	Provider    string `json:"provider,omitempty"`
	PurposeTag  string `json:"purpose,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
}

type ConsumeResult struct {
	Source           string  `json:"source"`
	CreditsConsumed  int64   `json:"credits_consumed"`
	RemainingBalance int64   `json:"remaining_balance"`
	CostUSD          float64 `json:"cost_usd"`
}

type RefundRequest struct {
	UserID      string `json:"user_id"`
	Credits     int64  `json:"credits"`
	PurposeTag  string `json:"purpose,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type PurchaseRequest struct {
	UserID      string  `json:"user_id"`
	Credits     int64   `json:"credits"`
	CostUSD     float64 `json:"cost_usd"`
	ReferenceID string  `json:"reference_id,omitempty"`
}

type AdjustRequest struct {
	UserID      string `json:"user_id"`
	Credits     int64  `json:"credits"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
}

type AllocationReport struct {
	PeriodStart      string `json:"period_start"`
	AccountsGranted  int    `json:"accounts_granted"`
	AccountsSkipped  int    `json:"accounts_skipped"`
	CreditsAllocated int64  `json:"credits_allocated"`
}

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrPoolNotFound        = errors.New("pool_not_found")
	ErrPoolDepleted        = errors.New("pool_depleted")
	ErrRefillFailed        = errors.New("refill_failed")
)
