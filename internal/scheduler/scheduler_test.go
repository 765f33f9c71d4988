package scheduler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	"github.com/preset-hq/credits/internal/provider"
	providerdomain "github.com/preset-hq/credits/internal/provider/domain"
	"github.com/preset-hq/credits/pkg/db/pagination"
)

type stubCreditService struct {
	allocateCalls int
	allocateErr   error
	report        creditdomain.AllocationReport

	refillCalls []string
	refillErr   error
	refillPool  *creditdomain.CreditPool
}

func (s *stubCreditService) GetUserCredits(ctx context.Context, userID, tier string) (*creditdomain.UserCredit, error) {
	return nil, creditdomain.ErrAccountNotFound
}

func (s *stubCreditService) CheckAndConsume(ctx context.Context, req creditdomain.ConsumeRequest) (*creditdomain.ConsumeResult, error) {
	return nil, creditdomain.ErrInsufficientCredits
}

func (s *stubCreditService) Refund(ctx context.Context, req creditdomain.RefundRequest) (*creditdomain.UserCredit, error) {
	return nil, creditdomain.ErrAccountNotFound
}

func (s *stubCreditService) Purchase(ctx context.Context, req creditdomain.PurchaseRequest) (*creditdomain.UserCredit, error) {
	return nil, creditdomain.ErrAccountNotFound
}

func (s *stubCreditService) Adjust(ctx context.Context, req creditdomain.AdjustRequest) (*creditdomain.UserCredit, error) {
	return nil, creditdomain.ErrAccountNotFound
}

func (s *stubCreditService) AllocateMonthly(ctx context.Context) (*creditdomain.AllocationReport, error) {
	s.allocateCalls++
	if s.allocateErr != nil {
		return nil, s.allocateErr
	}
	report := s.report
	return &report, nil
}

func (s *stubCreditService) AutoRefill(ctx context.Context, providerName string) (*creditdomain.CreditPool, error) {
	s.refillCalls = append(s.refillCalls, providerName)
	if s.refillErr != nil {
		return nil, s.refillErr
	}
	return s.refillPool, nil
}

func (s *stubCreditService) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]creditdomain.CreditTransaction, pagination.PageInfo, error) {
	return nil, pagination.PageInfo{}, nil
}

func (s *stubCreditService) GetPool(ctx context.Context, providerName string) (*creditdomain.CreditPool, error) {
	return nil, creditdomain.ErrPoolNotFound
}

type stubGenerationService struct {
	expireCalls     int
	expireErr       error
	expired         int
	lastStaleWindow time.Duration
}

func (s *stubGenerationService) Dispatch(ctx context.Context, req generationdomain.DispatchRequest) (*generationdomain.GenerationTask, error) {
	return nil, generationdomain.ErrInvalidRequest
}

func (s *stubGenerationService) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	return nil
}

func (s *stubGenerationService) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.expireCalls++
	s.lastStaleWindow = olderThan
	if s.expireErr != nil {
		return 0, s.expireErr
	}
	return s.expired, nil
}

func (s *stubGenerationService) GetTask(ctx context.Context, taskID string) (*generationdomain.GenerationTask, error) {
	return nil, generationdomain.ErrTaskNotFound
}

type noopGateway struct{}

func (noopGateway) Provider() string { return "nanobanana" }
func (noopGateway) Generate(ctx context.Context, req providerdomain.GenerateRequest) (string, error) {
	return "", nil
}
func (noopGateway) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return nil
}
func (noopGateway) ParseWebhook(ctx context.Context, payload []byte) (*providerdomain.WebhookEvent, error) {
	return nil, providerdomain.ErrInvalidPayload
}
func (noopGateway) GetAccountCredits(ctx context.Context) (int64, error) { return 0, nil }

func newTestScheduler(t *testing.T, credits *stubCreditService, generations *stubGenerationService, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	plans := &config.PlanConfigHolder{}
	plans.Store(config.DefaultPlanConfig())

	s, err := New(Params{
		Log:           zap.NewNop(),
		CreditSvc:     credits,
		GenerationSvc: generations,
		Gateways:      provider.NewStaticGateways(map[string]providerdomain.Gateway{"nanobanana": noopGateway{}}),
		AppConfig:     config.Config{Providers: config.ProvidersConfig{DefaultProvider: "nanobanana"}},
		Plans:         plans,
		GenID:         node,
		Clock:         clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Config:        cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunOnceRunsAllJobs(t *testing.T) {
	credits := &stubCreditService{report: creditdomain.AllocationReport{PeriodStart: "2026-03-01", AccountsGranted: 3}}
	generations := &stubGenerationService{expired: 2}
	s := newTestScheduler(t, credits, generations, Config{})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if credits.allocateCalls != 1 {
		t.Fatalf("expected 1 allocation call, got %d", credits.allocateCalls)
	}
	if len(credits.refillCalls) != 1 || credits.refillCalls[0] != "nanobanana" {
		t.Fatalf("expected one refill call for nanobanana, got %v", credits.refillCalls)
	}
	if generations.expireCalls != 1 {
		t.Fatalf("expected 1 expire call, got %d", generations.expireCalls)
	}
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	credits := &stubCreditService{}
	generations := &stubGenerationService{}
	s := newTestScheduler(t, credits, generations, Config{EnabledJobs: []string{"pool_refill"}})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if credits.allocateCalls != 0 {
		t.Fatalf("allocate_monthly must be skipped, got %d calls", credits.allocateCalls)
	}
	if generations.expireCalls != 0 {
		t.Fatalf("expire_stale_tasks must be skipped, got %d calls", generations.expireCalls)
	}
	if len(credits.refillCalls) != 1 {
		t.Fatalf("expected pool_refill to run, got %v", credits.refillCalls)
	}
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	credits := &stubCreditService{allocateErr: errors.New("db down")}
	generations := &stubGenerationService{}
	s := newTestScheduler(t, credits, generations, Config{})

	err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected error from allocate_monthly")
	}
	// A failing job must not stop the others.
	if len(credits.refillCalls) != 1 {
		t.Fatalf("pool_refill should still run, got %v", credits.refillCalls)
	}
	if generations.expireCalls != 1 {
		t.Fatalf("expire_stale_tasks should still run, got %d", generations.expireCalls)
	}
}

func TestPoolRefillSkipsMissingPools(t *testing.T) {
	credits := &stubCreditService{refillErr: creditdomain.ErrPoolNotFound}
	generations := &stubGenerationService{}
	s := newTestScheduler(t, credits, generations, Config{EnabledJobs: []string{"pool_refill"}})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("missing pool must not fail the job, got %v", err)
	}
}

func TestStaleThresholdPrefersPlanConfig(t *testing.T) {
	credits := &stubCreditService{}
	generations := &stubGenerationService{}
	s := newTestScheduler(t, credits, generations, Config{EnabledJobs: []string{"expire_stale_tasks"}})

	plan := config.DefaultPlanConfig()
	plan.StaleTaskTimeout = "45m"
	s.plans.Store(plan)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if generations.lastStaleWindow != 45*time.Minute {
		t.Fatalf("expected 45m stale window, got %v", generations.lastStaleWindow)
	}
}

func TestStaleThresholdFallsBackToConfig(t *testing.T) {
	credits := &stubCreditService{}
	generations := &stubGenerationService{}
	s := newTestScheduler(t, credits, generations, Config{
		EnabledJobs:        []string{"expire_stale_tasks"},
		StaleTaskThreshold: 15 * time.Minute,
	})

	plan := config.DefaultPlanConfig()
	plan.StaleTaskTimeout = ""
	s.plans.Store(plan)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if generations.lastStaleWindow != 15*time.Minute {
		t.Fatalf("expected 15m stale window, got %v", generations.lastStaleWindow)
	}
}
