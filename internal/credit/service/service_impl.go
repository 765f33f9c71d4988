package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/preset-hq/credits/internal/alert/domain"
	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	"github.com/preset-hq/credits/internal/observability/logger"
	"github.com/preset-hq/credits/internal/observability/metrics"
	"github.com/preset-hq/credits/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const allocationBatchSize = 500

type Params struct {
	fx.In

	Config  config.Config
	Plans   *config.PlanConfigHolder
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    creditdomain.Repository
	Alerts  alertdomain.Sink
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	cfg     config.Config
	plans   *config.PlanConfigHolder
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    creditdomain.Repository
	alerts  alertdomain.Sink
	metrics *metrics.Metrics
}

func New(p Params) creditdomain.Service {
	return &Service{
		cfg:     p.Config,
		plans:   p.Plans,
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		alerts:  p.Alerts,
		metrics: p.Metrics,
	}
}

func (s *Service) GetUserCredits(ctx context.Context, userID, tier string) (*creditdomain.UserCredit, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	return s.getOrCreate(ctx, s.db, userID, tier)
}

// getOrCreate reads the account, creating it on first sight with the tier's
// full monthly allowance. Insert races are absorbed by ON CONFLICT DO NOTHING
// plus a re-read, so exactly one row ever exists per user.
func (s *Service) getOrCreate(ctx context.Context, db *gorm.DB, userID, tier string) (*creditdomain.UserCredit, error) {
	account, err := s.repo.FindAccount(ctx, db, userID)
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account != nil {
		return account, nil
	}

	plan := s.plans.Current()
	normalized := config.NormalizeTier(tier)
	if normalized == "" {
		normalized = plan.DefaultTier
	}
	allowance := plan.AllowanceFor(normalized)

	now := s.clock.Now()
	fresh := &creditdomain.UserCredit{
		ID:               s.genID.Generate(),
		UserID:           userID,
		SubscriptionTier: normalized,
		CurrentBalance:   allowance,
		MonthlyAllowance: allowance,
		LifetimeEarned:   allowance,
		LastResetAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertAccount(ctx, db, fresh); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	account, err = s.repo.FindAccount(ctx, db, userID)
	if err != nil {
		return nil, fmt.Errorf("reread account: %w", err)
	}
	if account == nil {
		return nil, creditdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) CheckAndConsume(ctx context.Context, req creditdomain.ConsumeRequest) (*creditdomain.ConsumeResult, error) {
	if req.Credits <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	account, err := s.getOrCreate(ctx, s.db, userID, req.Tier)
	if err != nil {
		return nil, err
	}

	result, err := s.consumeFromAccount(ctx, account, req)
	if err == nil {
		s.metrics.RecordConsume(creditdomain.SourceUserCredits, "ok")
		return result, nil
	}
	if err != creditdomain.ErrInsufficientCredits {
		s.metrics.RecordConsume(creditdomain.SourceUserCredits, "error")
		return nil, err
	}

	if !s.plans.Current().PoolFallbackAllowed(account.SubscriptionTier) {
		s.metrics.RecordConsume(creditdomain.SourceUserCredits, "insufficient")
		return nil, creditdomain.ErrInsufficientCredits
	}

	result, err = s.consumeFromPool(ctx, account, req)
	if err != nil {
		outcome := "error"
		switch err {
		case creditdomain.ErrInsufficientCredits:
			outcome = "insufficient"
		case creditdomain.ErrPoolDepleted:
			outcome = "depleted"
		}
		s.metrics.RecordConsume(creditdomain.SourcePlatformPool, outcome)
		return nil, err
	}
	s.metrics.RecordConsume(creditdomain.SourcePlatformPool, "ok")
	return result, nil
}

func (s *Service) consumeFromAccount(ctx context.Context, account *creditdomain.UserCredit, req creditdomain.ConsumeRequest) (*creditdomain.ConsumeResult, error) {
	var result *creditdomain.ConsumeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.DebitAccount(ctx, tx, account.UserID, req.Credits, now)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if !ok {
			return creditdomain.ErrInsufficientCredits
		}

		after, err := s.repo.FindAccount(ctx, tx, account.UserID)
		if err != nil {
			return fmt.Errorf("reread account: %w", err)
		}
		if after == nil {
			return creditdomain.ErrAccountNotFound
		}

		txn := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        account.UserID,
			Type:          creditdomain.TxnTypeConsume,
			Amount:        req.Credits,
			BalanceBefore: after.CurrentBalance + req.Credits,
			BalanceAfter:  after.CurrentBalance,
			Source:        creditdomain.SourceUserCredits,
			ReferenceID:   req.ReferenceID,
			CreatedAt:     now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		result = &creditdomain.ConsumeResult{
			Source:           creditdomain.SourceUserCredits,
			CreditsConsumed:  req.Credits,
			RemainingBalance: after.CurrentBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credits consumed",
		zap.String("user_id", account.UserID),
		zap.Int64("credits", req.Credits),
		zap.String("source", creditdomain.SourceUserCredits),
		zap.String("reference_id", req.ReferenceID),
	)
	return result, nil
}

// consumeFromPool debits the shared platform balance instead of the user.
// The user's own balance is untouched; the ledger entry records the pool as
// funding source with the provider cost attached.
func (s *Service) consumeFromPool(ctx context.Context, account *creditdomain.UserCredit, req creditdomain.ConsumeRequest) (*creditdomain.ConsumeResult, error) {
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = s.cfg.Providers.DefaultProvider
	}

	pool, err := s.repo.FindPool(ctx, s.db, provider)
	if err != nil {
		return nil, fmt.Errorf("find pool: %w", err)
	}
	if pool == nil {
		return nil, creditdomain.ErrInsufficientCredits
	}

	if pool.AvailableBalance < req.Credits {
		if _, refillErr := s.AutoRefill(ctx, provider); refillErr != nil {
			s.log.Warn("pool refill before consume failed",
				zap.Error(refillErr),
				zap.String("provider", provider),
			)
		}
	}

	var result *creditdomain.ConsumeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.DebitPool(ctx, tx, provider, req.Credits, now)
		if err != nil {
			return fmt.Errorf("debit pool: %w", err)
		}
		if !ok {
			return creditdomain.ErrPoolDepleted
		}

		// Re-read inside the transaction so the ledger stamps the balance
		// as of the debit, not the snapshot taken before fallback.
		after, err := s.repo.FindAccount(ctx, tx, account.UserID)
		if err != nil {
			return fmt.Errorf("reread account: %w", err)
		}
		if after == nil {
			return creditdomain.ErrAccountNotFound
		}

		txn := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        account.UserID,
			Type:          creditdomain.TxnTypePlatformDeduction,
			Amount:        req.Credits,
			BalanceBefore: after.CurrentBalance,
			BalanceAfter:  after.CurrentBalance,
			Source:        creditdomain.SourcePlatformPool,
			ReferenceID:   req.ReferenceID,
			CostUSD:       float64(req.Credits) * pool.CostPerCredit,
			CreatedAt:     now,
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		result = &creditdomain.ConsumeResult{
			Source:           creditdomain.SourcePlatformPool,
			CreditsConsumed:  req.Credits,
			RemainingBalance: after.CurrentBalance,
			CostUSD:          txn.CostUSD,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credits consumed from pool",
		zap.String("user_id", account.UserID),
		zap.String("provider", provider),
		zap.Int64("credits", req.Credits),
		zap.Float64("cost_usd", result.CostUSD),
		zap.String("reference_id", req.ReferenceID),
	)
	return result, nil
}

func (s *Service) Refund(ctx context.Context, req creditdomain.RefundRequest) (*creditdomain.UserCredit, error) {
	if req.Credits <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	var account *creditdomain.UserCredit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.RefundAccount(ctx, tx, userID, req.Credits, now)
		if err != nil {
			return fmt.Errorf("refund account: %w", err)
		}
		if !ok {
			return creditdomain.ErrAccountNotFound
		}

		account, err = s.repo.FindAccount(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("reread account: %w", err)
		}
		if account == nil {
			return creditdomain.ErrAccountNotFound
		}

		txn := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        userID,
			Type:          creditdomain.TxnTypeRefund,
			Amount:        req.Credits,
			BalanceBefore: account.CurrentBalance - req.Credits,
			BalanceAfter:  account.CurrentBalance,
			Source:        creditdomain.SourceUserCredits,
			ReferenceID:   req.ReferenceID,
			CreatedAt:     now,
		}
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	if err != nil {
		s.metrics.RecordRefund("error")
		s.alerts.Notify(ctx, alertdomain.Alert{
			Type:    alertdomain.TypeRefundFailed,
			Level:   alertdomain.LevelCritical,
			Message: fmt.Sprintf("refund of %d credits for user %s failed: %v", req.Credits, userID, err),
			Metadata: map[string]interface{}{
				"user_id":      userID,
				"credits":      req.Credits,
				"reference_id": req.ReferenceID,
				"reason":       req.Reason,
			},
		})
		return nil, err
	}

	s.metrics.RecordRefund("ok")
	logger.WithContext(ctx, s.log).Info("credits refunded",
		zap.String("user_id", userID),
		zap.Int64("credits", req.Credits),
		zap.String("reason", req.Reason),
		zap.String("reference_id", req.ReferenceID),
	)
	return account, nil
}

func (s *Service) Purchase(ctx context.Context, req creditdomain.PurchaseRequest) (*creditdomain.UserCredit, error) {
	if req.Credits <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	if _, err := s.getOrCreate(ctx, s.db, userID, ""); err != nil {
		return nil, err
	}

	return s.credit(ctx, userID, req.Credits, creditdomain.TxnTypePurchase, req.CostUSD, req.ReferenceID)
}

func (s *Service) Adjust(ctx context.Context, req creditdomain.AdjustRequest) (*creditdomain.UserCredit, error) {
	if req.Credits == 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	if req.Credits < 0 {
		return s.debitAdjustment(ctx, userID, -req.Credits, req.ReferenceID)
	}
	return s.credit(ctx, userID, req.Credits, creditdomain.TxnTypeAdjustment, 0, req.ReferenceID)
}

func (s *Service) credit(ctx context.Context, userID string, amount int64, txnType string, costUSD float64, referenceID string) (*creditdomain.UserCredit, error) {
	var account *creditdomain.UserCredit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.CreditAccount(ctx, tx, userID, amount, true, now)
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if !ok {
			return creditdomain.ErrAccountNotFound
		}

		account, err = s.repo.FindAccount(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("reread account: %w", err)
		}
		if account == nil {
			return creditdomain.ErrAccountNotFound
		}

		txn := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        userID,
			Type:          txnType,
			Amount:        amount,
			BalanceBefore: account.CurrentBalance - amount,
			BalanceAfter:  account.CurrentBalance,
			Source:        creditdomain.SourceUserCredits,
			ReferenceID:   referenceID,
			CostUSD:       costUSD,
			CreatedAt:     now,
		}
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("credits granted",
		zap.String("user_id", userID),
		zap.Int64("credits", amount),
		zap.String("type", txnType),
	)
	return account, nil
}

func (s *Service) debitAdjustment(ctx context.Context, userID string, amount int64, referenceID string) (*creditdomain.UserCredit, error) {
	var account *creditdomain.UserCredit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.DebitAccount(ctx, tx, userID, amount, now)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if !ok {
			return creditdomain.ErrInsufficientCredits
		}

		account, err = s.repo.FindAccount(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("reread account: %w", err)
		}
		if account == nil {
			return creditdomain.ErrAccountNotFound
		}

		txn := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        userID,
			Type:          creditdomain.TxnTypeAdjustment,
			Amount:        -amount,
			BalanceBefore: account.CurrentBalance + amount,
			BalanceAfter:  account.CurrentBalance,
			Source:        creditdomain.SourceUserCredits,
			ReferenceID:   referenceID,
			CreatedAt:     now,
		}
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) AllocateMonthly(ctx context.Context) (*creditdomain.AllocationReport, error) {
	now := s.clock.Now()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	plan := s.plans.Current()

	report := &creditdomain.AllocationReport{
		PeriodStart: periodStart.Format("2006-01-02"),
	}

	for {
		accounts, err := s.repo.FindAccountsForReset(ctx, s.db, periodStart, allocationBatchSize)
		if err != nil {
			return report, fmt.Errorf("find accounts for reset: %w", err)
		}
		if len(accounts) == 0 {
			break
		}

		for i := range accounts {
			account := accounts[i]
			allowance := plan.AllowanceFor(account.SubscriptionTier)
			granted, err := s.allocateOne(ctx, &account, allowance, periodStart)
			if err != nil {
				s.log.Error("monthly allocation failed for account",
					zap.Error(err),
					zap.String("user_id", account.UserID),
				)
				report.AccountsSkipped++
				continue
			}
			if granted < 0 {
				report.AccountsSkipped++
				continue
			}
			report.AccountsGranted++
			report.CreditsAllocated += granted
			s.metrics.RecordAllocation(account.SubscriptionTier)
		}

		if len(accounts) < allocationBatchSize {
			break
		}
	}

	s.log.Info("monthly allocation complete",
		zap.String("period_start", report.PeriodStart),
		zap.Int("accounts_granted", report.AccountsGranted),
		zap.Int("accounts_skipped", report.AccountsSkipped),
		zap.Int64("credits_allocated", report.CreditsAllocated),
	)
	return report, nil
}

// allocateOne applies the grant to a single account in its own transaction.
// Returns the number of credits granted, or -1 when the period guard made the
// update a no-op (somebody else already reset this account).
func (s *Service) allocateOne(ctx context.Context, account *creditdomain.UserCredit, allowance int64, periodStart time.Time) (int64, error) {
	var granted int64 = -1
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		ok, err := s.repo.ResetAccount(ctx, tx, account.UserID, allowance, periodStart, now)
		if err != nil {
			return fmt.Errorf("reset account: %w", err)
		}
		if !ok {
			return nil
		}

		after, err := s.repo.FindAccount(ctx, tx, account.UserID)
		if err != nil {
			return fmt.Errorf("reread account: %w", err)
		}
		if after == nil {
			return creditdomain.ErrAccountNotFound
		}

		granted = after.CurrentBalance - account.CurrentBalance
		if granted < 0 {
			granted = 0
		}
		if granted == 0 {
			return nil
		}

		txn := &creditdomain.CreditTransaction{
			ID:            s.genID.Generate(),
			UserID:        account.UserID,
			Type:          creditdomain.TxnTypeBonus,
			Amount:        granted,
			BalanceBefore: account.CurrentBalance,
			BalanceAfter:  after.CurrentBalance,
			Source:        creditdomain.SourceUserCredits,
			ReferenceID:   "allocation:" + periodStart.Format("2006-01"),
			CreatedAt:     now,
		}
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	return granted, err
}

func (s *Service) AutoRefill(ctx context.Context, provider string) (*creditdomain.CreditPool, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = s.cfg.Providers.DefaultProvider
	}

	pool, err := s.repo.FindPool(ctx, s.db, provider)
	if err != nil {
		return nil, fmt.Errorf("find pool: %w", err)
	}
	if pool == nil {
		return nil, creditdomain.ErrPoolNotFound
	}
	if pool.AvailableBalance >= pool.AutoRefillThreshold || pool.AutoRefillAmount <= 0 {
		return pool, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		request := &creditdomain.CreditPurchaseRequest{
			ID:              s.genID.Generate(),
			Provider:        provider,
			AmountRequested: pool.AutoRefillAmount,
			EstimatedCost:   float64(pool.AutoRefillAmount) * pool.CostPerCredit,
			Status:          creditdomain.PurchaseStatusPending,
			RequestedAt:     now,
		}
		if err := s.repo.InsertPurchaseRequest(ctx, tx, request); err != nil {
			return fmt.Errorf("insert purchase request: %w", err)
		}

		ok, err := s.repo.RefillPool(ctx, tx, provider, pool.AutoRefillAmount, now)
		if err != nil {
			return fmt.Errorf("refill pool: %w", err)
		}
		if !ok {
			return creditdomain.ErrPoolNotFound
		}

		return s.repo.CompletePurchaseRequest(ctx, tx, request.ID, creditdomain.PurchaseStatusCompleted, s.clock.Now())
	})
	if err != nil {
		s.alerts.Notify(ctx, alertdomain.Alert{
			Type:    alertdomain.TypePoolRefillFailed,
			Level:   alertdomain.LevelCritical,
			Message: fmt.Sprintf("auto-refill of pool %s failed: %v", provider, err),
			Metadata: map[string]interface{}{
				"provider": provider,
				"amount":   pool.AutoRefillAmount,
			},
		})
		return nil, fmt.Errorf("%w: %v", creditdomain.ErrRefillFailed, err)
	}

	s.metrics.RecordPoolRefill()
	s.alerts.Notify(ctx, alertdomain.Alert{
		Type:    alertdomain.TypePoolRefilled,
		Level:   alertdomain.LevelInfo,
		Message: fmt.Sprintf("pool %s refilled with %d credits", provider, pool.AutoRefillAmount),
		Metadata: map[string]interface{}{
			"provider": provider,
			"amount":   pool.AutoRefillAmount,
		},
	})

	refreshed, err := s.repo.FindPool(ctx, s.db, provider)
	if err != nil {
		return nil, fmt.Errorf("reread pool: %w", err)
	}
	if refreshed == nil {
		return nil, creditdomain.ErrPoolNotFound
	}
	return refreshed, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]creditdomain.CreditTransaction, pagination.PageInfo, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pagination.PageInfo{}, creditdomain.ErrInvalidUser
	}

	if page.PageSize <= 0 {
		page.PageSize = 25
	}
	if page.PageSize > 250 {
		page.PageSize = 250
	}
	var afterID snowflake.ID
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		if cursor.ID != "" {
			parsed, err := snowflake.ParseString(cursor.ID)
			if err != nil {
				return nil, pagination.PageInfo{}, err
			}
			afterID = parsed
		}
	}

	txns, err := s.repo.ListTransactions(ctx, s.db, userID, afterID, page.PageSize+1)
	if err != nil {
		return nil, pagination.PageInfo{}, fmt.Errorf("list transactions: %w", err)
	}

	info := pagination.PageInfo{}
	if len(txns) > page.PageSize {
		txns = txns[:page.PageSize]
		info.HasMore = true
		info.NextPageToken = pagination.EncodeCursor(pagination.Cursor{ID: txns[len(txns)-1].ID.String()})
	}
	return txns, info, nil
}

func (s *Service) GetPool(ctx context.Context, provider string) (*creditdomain.CreditPool, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = s.cfg.Providers.DefaultProvider
	}
	pool, err := s.repo.FindPool(ctx, s.db, provider)
	if err != nil {
		return nil, fmt.Errorf("find pool: %w", err)
	}
	if pool == nil {
		return nil, creditdomain.ErrPoolNotFound
	}
	return pool, nil
}
