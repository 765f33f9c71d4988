package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	alertdomain "github.com/preset-hq/credits/internal/alert/domain"
	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	"github.com/preset-hq/credits/internal/credit/repository"
	"github.com/preset-hq/credits/pkg/db/pagination"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupCreditService(t *testing.T, clk clock.Clock) (creditdomain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	if err := db.AutoMigrate(
		&creditdomain.UserCredit{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditPool{},
		&creditdomain.CreditPurchaseRequest{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	plans := &config.PlanConfigHolder{}
	plans.Store(config.DefaultPlanConfig())

	svc := New(Params{
		Config: config.Config{
			Providers: config.ProvidersConfig{DefaultProvider: "nanobanana"},
		},
		Plans:  plans,
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  mustNode(t),
		Clock:  clk,
		Repo:   repository.Provide(),
		Alerts: alertdomain.NoOpSink{},
	})

	return svc, db
}

func seedPool(t *testing.T, db *gorm.DB, node *snowflake.Node, balance int64) {
	t.Helper()
	pool := &creditdomain.CreditPool{
		ID:                  node.Generate(),
		Provider:            "nanobanana",
		AvailableBalance:    balance,
		CostPerCredit:       0.02,
		AutoRefillThreshold: 100,
		AutoRefillAmount:    500,
		Status:              creditdomain.PoolStatusActive,
	}
	if err := db.Create(pool).Error; err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func TestLifetimeConsumedMatchesConsumeTransactions(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	node := mustNode(t)
	seedPool(t, db, node, 1000)
	ctx := context.Background()

	// Two personal consumes drain the PLUS allowance, then pool fallback.
	for _, credits := range []int64{30, 20} {
		if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
			UserID: "plus-user", Tier: "PLUS", Credits: credits,
		}); err != nil {
			t.Fatalf("personal consume %d: %v", credits, err)
		}
	}
	if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID: "plus-user", Tier: "PLUS", Credits: 4, ReferenceID: "gen-pool",
	}); err != nil {
		t.Fatalf("pool consume: %v", err)
	}

	var sum int64
	if err := db.Model(&creditdomain.CreditTransaction{}).
		Where("user_id = ? AND type = ?", "plus-user", creditdomain.TxnTypeConsume).
		Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error; err != nil {
		t.Fatalf("sum consume transactions: %v", err)
	}

	account, err := svc.GetUserCredits(ctx, "plus-user", "PLUS")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.LifetimeConsumed != sum {
		t.Fatalf("lifetime_consumed=%d must equal sum of consume txns %d", account.LifetimeConsumed, sum)
	}
	if sum != 50 {
		t.Fatalf("expected 50 consumed from personal balance, got %d", sum)
	}

	var poolTxn creditdomain.CreditTransaction
	if err := db.Where("user_id = ? AND type = ?", "plus-user", creditdomain.TxnTypePlatformDeduction).
		First(&poolTxn).Error; err != nil {
		t.Fatalf("load pool transaction: %v", err)
	}
	if poolTxn.Source != creditdomain.SourcePlatformPool {
		t.Fatalf("expected platform_pool source, got %s", poolTxn.Source)
	}
	if poolTxn.BalanceBefore != 0 || poolTxn.BalanceAfter != 0 {
		t.Fatalf("pool spend must stamp the drained balance: before=%d after=%d",
			poolTxn.BalanceBefore, poolTxn.BalanceAfter)
	}
}

func TestConsumePoolDepleted(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	node := mustNode(t)
	ctx := context.Background()

	// A pool that cannot cover the request and cannot refill itself.
	pool := &creditdomain.CreditPool{
		ID:                  node.Generate(),
		Provider:            "nanobanana",
		AvailableBalance:    1,
		CostPerCredit:       0.02,
		AutoRefillThreshold: 100,
		AutoRefillAmount:    0,
		Status:              creditdomain.PoolStatusActive,
	}
	if err := db.Create(pool).Error; err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID: "plus-user", Tier: "PLUS", Credits: 50,
	}); err != nil {
		t.Fatalf("drain personal balance: %v", err)
	}

	_, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID: "plus-user", Tier: "PLUS", Credits: 2,
	})
	if !errors.Is(err, creditdomain.ErrPoolDepleted) {
		t.Fatalf("expected ErrPoolDepleted, got %v", err)
	}
	account, err := svc.GetUserCredits(ctx, "plus-user", "PLUS")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.CurrentBalance != 0 {
		t.Fatalf("depleted pool must not move user balance, got %d", account.CurrentBalance)
	}
}

func TestGetUserCreditsLazyInit(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, _ := setupCreditService(t, clk)
	ctx := context.Background()

	account, err := svc.GetUserCredits(ctx, "user-1", "FREE")
	if err != nil {
		t.Fatalf("get user credits: %v", err)
	}
	if account.CurrentBalance != 5 {
		t.Fatalf("expected FREE allowance 5, got %d", account.CurrentBalance)
	}
	if account.MonthlyAllowance != 5 {
		t.Fatalf("expected monthly allowance 5, got %d", account.MonthlyAllowance)
	}

	again, err := svc.GetUserCredits(ctx, "user-1", "FREE")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again.ID != account.ID {
		t.Fatalf("expected same account on reread, got %s vs %s", again.ID, account.ID)
	}
}

func TestConsumeFromPersonalBalance(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	ctx := context.Background()

	result, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID:      "user-1",
		Tier:        "PRO",
		Credits:     3,
		ReferenceID: "gen-1",
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Source != creditdomain.SourceUserCredits {
		t.Fatalf("expected user_credits source, got %s", result.Source)
	}
	if result.RemainingBalance != 197 {
		t.Fatalf("expected remaining 197, got %d", result.RemainingBalance)
	}

	var txn creditdomain.CreditTransaction
	if err := db.Where("user_id = ? AND type = ?", "user-1", creditdomain.TxnTypeConsume).First(&txn).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.BalanceBefore != 200 || txn.BalanceAfter != 197 {
		t.Fatalf("transaction chain broken: before=%d after=%d", txn.BalanceBefore, txn.BalanceAfter)
	}

	var account creditdomain.UserCredit
	if err := db.Where("user_id = ?", "user-1").First(&account).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	if account.LifetimeConsumed != 3 || account.ConsumedThisMonth != 3 {
		t.Fatalf("lifetime accounting off: lifetime=%d month=%d", account.LifetimeConsumed, account.ConsumedThisMonth)
	}
}

func TestConsumeInsufficientFreeNoFallback(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	node := mustNode(t)
	seedPool(t, db, node, 1000)
	ctx := context.Background()

	_, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID:  "free-user",
		Tier:    "FREE",
		Credits: 6,
	})
	if !errors.Is(err, creditdomain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	account, err := svc.GetUserCredits(ctx, "free-user", "FREE")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.CurrentBalance != 5 {
		t.Fatalf("failed consume must not change balance, got %d", account.CurrentBalance)
	}

	var pool creditdomain.CreditPool
	if err := db.Where("provider = ?", "nanobanana").First(&pool).Error; err != nil {
		t.Fatalf("load pool: %v", err)
	}
	if pool.AvailableBalance != 1000 {
		t.Fatalf("FREE tier must not draw from pool, balance %d", pool.AvailableBalance)
	}
}

func TestConsumePoolFallbackForPlus(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	node := mustNode(t)
	seedPool(t, db, node, 1000)
	ctx := context.Background()

	if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID: "plus-user", Tier: "PLUS", Credits: 50,
	}); err != nil {
		t.Fatalf("drain personal balance: %v", err)
	}

	result, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID:      "plus-user",
		Tier:        "PLUS",
		Credits:     2,
		ReferenceID: "gen-2",
	})
	if err != nil {
		t.Fatalf("pool consume: %v", err)
	}
	if result.Source != creditdomain.SourcePlatformPool {
		t.Fatalf("expected platform_pool source, got %s", result.Source)
	}
	if result.CostUSD != 0.04 {
		t.Fatalf("expected cost 0.04, got %f", result.CostUSD)
	}

	account, err := svc.GetUserCredits(ctx, "plus-user", "PLUS")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.CurrentBalance != 0 {
		t.Fatalf("pool consume must leave user balance unchanged, got %d", account.CurrentBalance)
	}

	var pool creditdomain.CreditPool
	if err := db.Where("provider = ?", "nanobanana").First(&pool).Error; err != nil {
		t.Fatalf("load pool: %v", err)
	}
	if pool.AvailableBalance != 998 {
		t.Fatalf("expected pool balance 998, got %d", pool.AvailableBalance)
	}
}

func TestRefundRestoresBalance(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, _ := setupCreditService(t, clk)
	ctx := context.Background()

	if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID: "user-1", Tier: "PLUS", Credits: 10, ReferenceID: "gen-3",
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	account, err := svc.Refund(ctx, creditdomain.RefundRequest{
		UserID:      "user-1",
		Credits:     10,
		ReferenceID: "gen-3",
		Reason:      "generation failed",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if account.CurrentBalance != 50 {
		t.Fatalf("expected balance restored to 50, got %d", account.CurrentBalance)
	}
	if account.ConsumedThisMonth != 0 {
		t.Fatalf("expected consumed_this_month back to 0, got %d", account.ConsumedThisMonth)
	}
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	ctx := context.Background()

	if _, err := svc.GetUserCredits(ctx, "free-user", "FREE"); err != nil {
		t.Fatalf("init account: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
				UserID: "free-user", Tier: "FREE", Credits: 1,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected exactly 5 consumes to win, got %d", succeeded)
	}

	var account creditdomain.UserCredit
	if err := db.Where("user_id = ?", "free-user").First(&account).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	if account.CurrentBalance != 0 {
		t.Fatalf("expected balance 0, got %d", account.CurrentBalance)
	}
}

func TestMonthlyAllocationIdempotent(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC))
	svc, _ := setupCreditService(t, clk)
	ctx := context.Background()

	if _, err := svc.GetUserCredits(ctx, "user-1", "PLUS"); err != nil {
		t.Fatalf("init account: %v", err)
	}
	if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID: "user-1", Tier: "PLUS", Credits: 45,
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// New month begins.
	clk.Set(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))

	first, err := svc.AllocateMonthly(ctx)
	if err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	if first.AccountsGranted != 1 {
		t.Fatalf("expected 1 account granted, got %d", first.AccountsGranted)
	}
	if first.CreditsAllocated != 45 {
		t.Fatalf("expected 45 credits granted (5 -> 50), got %d", first.CreditsAllocated)
	}

	second, err := svc.AllocateMonthly(ctx)
	if err != nil {
		t.Fatalf("second allocation: %v", err)
	}
	if second.AccountsGranted != 0 {
		t.Fatalf("allocation must be idempotent within a month, granted %d", second.AccountsGranted)
	}

	account, err := svc.GetUserCredits(ctx, "user-1", "PLUS")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.CurrentBalance != 50 {
		t.Fatalf("expected balance 50 after reset, got %d", account.CurrentBalance)
	}
	if account.ConsumedThisMonth != 0 {
		t.Fatalf("expected consumed_this_month reset, got %d", account.ConsumedThisMonth)
	}
}

func TestMonthlyAllocationKeepsHigherBalance(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC))
	svc, _ := setupCreditService(t, clk)
	ctx := context.Background()

	if _, err := svc.GetUserCredits(ctx, "rich-user", "PLUS"); err != nil {
		t.Fatalf("init account: %v", err)
	}
	if _, err := svc.Purchase(ctx, creditdomain.PurchaseRequest{
		UserID: "rich-user", Credits: 100, CostUSD: 5, ReferenceID: "order-1",
	}); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	clk.Set(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))

	report, err := svc.AllocateMonthly(ctx)
	if err != nil {
		t.Fatalf("allocation: %v", err)
	}
	if report.CreditsAllocated != 0 {
		t.Fatalf("balance above allowance must not grant credits, got %d", report.CreditsAllocated)
	}

	account, err := svc.GetUserCredits(ctx, "rich-user", "PLUS")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.CurrentBalance != 150 {
		t.Fatalf("purchased credits must survive the reset, got %d", account.CurrentBalance)
	}
	if account.ConsumedThisMonth != 0 {
		t.Fatalf("expected consumed_this_month reset, got %d", account.ConsumedThisMonth)
	}
}

func TestAutoRefillBelowThreshold(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	node := mustNode(t)
	seedPool(t, db, node, 40)
	ctx := context.Background()

	pool, err := svc.AutoRefill(ctx, "nanobanana")
	if err != nil {
		t.Fatalf("auto refill: %v", err)
	}
	if pool.AvailableBalance != 540 {
		t.Fatalf("expected balance 540 after refill, got %d", pool.AvailableBalance)
	}
	if pool.LastRefillAt == nil {
		t.Fatalf("expected last_refill_at to be set")
	}

	var request creditdomain.CreditPurchaseRequest
	if err := db.Where("provider = ?", "nanobanana").First(&request).Error; err != nil {
		t.Fatalf("load purchase request: %v", err)
	}
	if request.Status != creditdomain.PurchaseStatusCompleted {
		t.Fatalf("expected completed purchase request, got %s", request.Status)
	}
	if request.AmountRequested != 500 {
		t.Fatalf("expected requested amount 500, got %d", request.AmountRequested)
	}
}

func TestAutoRefillAboveThresholdNoOp(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, db := setupCreditService(t, clk)
	node := mustNode(t)
	seedPool(t, db, node, 800)
	ctx := context.Background()

	pool, err := svc.AutoRefill(ctx, "nanobanana")
	if err != nil {
		t.Fatalf("auto refill: %v", err)
	}
	if pool.AvailableBalance != 800 {
		t.Fatalf("refill above threshold must be a no-op, got %d", pool.AvailableBalance)
	}

	var count int64
	if err := db.Model(&creditdomain.CreditPurchaseRequest{}).Count(&count).Error; err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no purchase requests, got %d", count)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, _ := setupCreditService(t, clk)
	ctx := context.Background()

	if _, err := svc.GetUserCredits(ctx, "user-1", "PRO"); err != nil {
		t.Fatalf("init account: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
			UserID: "user-1", Tier: "PRO", Credits: 1, ReferenceID: fmt.Sprintf("gen-%d", i),
		}); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	first, info, err := svc.ListTransactions(ctx, "user-1", pagination.Pagination{PageSize: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(first))
	}
	if !info.HasMore {
		t.Fatalf("expected more pages")
	}

	rest, info, err := svc.ListTransactions(ctx, "user-1", pagination.Pagination{
		PageSize:  3,
		PageToken: info.NextPageToken,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining transactions, got %d", len(rest))
	}
	if info.HasMore {
		t.Fatalf("expected no more pages")
	}
	if rest[0].ID >= first[len(first)-1].ID {
		t.Fatalf("expected descending id ordering across pages")
	}
}

func TestAdjustNegativeRequiresBalance(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc, _ := setupCreditService(t, clk)
	ctx := context.Background()

	if _, err := svc.GetUserCredits(ctx, "user-1", "FREE"); err != nil {
		t.Fatalf("init account: %v", err)
	}

	if _, err := svc.Adjust(ctx, creditdomain.AdjustRequest{
		UserID: "user-1", Credits: -10, Reason: "abuse cleanup",
	}); !errors.Is(err, creditdomain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits for overdraw, got %v", err)
	}

	account, err := svc.Adjust(ctx, creditdomain.AdjustRequest{
		UserID: "user-1", Credits: -3, Reason: "abuse cleanup",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if account.CurrentBalance != 2 {
		t.Fatalf("expected balance 2 after adjustment, got %d", account.CurrentBalance)
	}
}
