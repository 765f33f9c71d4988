package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
	creditrepository "github.com/preset-hq/credits/internal/credit/repository"
	creditservice "github.com/preset-hq/credits/internal/credit/service"
	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	"github.com/preset-hq/credits/internal/generation/repository"
	"github.com/preset-hq/credits/internal/provider"
	providerdomain "github.com/preset-hq/credits/internal/provider/domain"
)

type stubGateway struct {
	taskID    string
	seq       int
	genErr    error
	verifyErr error
	event     *providerdomain.WebhookEvent
	parseErr  error
}

func (s *stubGateway) Provider() string { return "nanobanana" }

func (s *stubGateway) Generate(ctx context.Context, req providerdomain.GenerateRequest) (string, error) {
	if s.genErr != nil {
		return "", s.genErr
	}
	if s.taskID != "" {
		return s.taskID, nil
	}
	s.seq++
	return fmt.Sprintf("task-%d", s.seq), nil
}

func (s *stubGateway) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return s.verifyErr
}

func (s *stubGateway) ParseWebhook(ctx context.Context, payload []byte) (*providerdomain.WebhookEvent, error) {
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	return s.event, nil
}

func (s *stubGateway) GetAccountCredits(ctx context.Context) (int64, error) { return 0, nil }

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupGenerationService(t *testing.T, clk clock.Clock, gateway *stubGateway) (generationdomain.Service, creditdomain.Service, *gorm.DB) {
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

	if err := db.AutoMigrate(
		&creditdomain.UserCredit{},
		&creditdomain.CreditTransaction{},
		&creditdomain.CreditPool{},
		&creditdomain.CreditPurchaseRequest{},
		&generationdomain.GenerationTask{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	plans := &config.PlanConfigHolder{}
	plans.Store(config.DefaultPlanConfig())

	cfg := config.Config{
		Providers: config.ProvidersConfig{
			DefaultProvider: "nanobanana",
			CallbackBaseURL: "https://api.example.com",
		},
	}
	node := mustNode(t)

	credits := creditservice.New(creditservice.Params{
		Config: cfg,
		Plans:  plans,
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Repo:   creditrepository.Provide(),
		Alerts: alertdomain.NoOpSink{},
	})

	generations := New(Params{
		Config:   cfg,
		Plans:    plans,
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Credits:  credits,
		Gateways: provider.NewStaticGateways(map[string]providerdomain.Gateway{"nanobanana": gateway}),
		Alerts:   alertdomain.NoOpSink{},
	})

	return generations, credits, db
}

func balanceOf(t *testing.T, credits creditdomain.Service, userID string) int64 {
	t.Helper()
	account, err := credits.GetUserCredits(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.CurrentBalance
}

func TestDispatchChargesAndRecordsTask(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{taskID: "nb-1"}
	svc, credits, _ := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	task, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "user-1",
		Tier:   "PRO",
		Prompt: "a lighthouse at dusk",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if task.TaskID != "nb-1" {
		t.Fatalf("expected provider task id nb-1, got %s", task.TaskID)
	}
	if task.Status != generationdomain.StatusPending {
		t.Fatalf("expected pending task, got %s", task.Status)
	}
	if task.CreditsCharged != 1 {
		t.Fatalf("expected 1 credit charged, got %d", task.CreditsCharged)
	}

	if got := balanceOf(t, credits, "user-1"); got != 199 {
		t.Fatalf("expected balance 199, got %d", got)
	}
}

func TestDispatchProviderErrorRefunds(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{genErr: errors.New("upstream 500")}
	svc, credits, db := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	if _, err := credits.GetUserCredits(ctx, "user-1", "PRO"); err != nil {
		t.Fatalf("init account: %v", err)
	}

	_, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "user-1",
		Tier:   "PRO",
		Prompt: "a lighthouse at dusk",
	})
	if !errors.Is(err, providerdomain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	if got := balanceOf(t, credits, "user-1"); got != 200 {
		t.Fatalf("expected balance restored to 200, got %d", got)
	}

	var tasks int64
	if err := db.Model(&generationdomain.GenerationTask{}).Count(&tasks).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if tasks != 0 {
		t.Fatalf("expected no task rows after failed dispatch, got %d", tasks)
	}
}

func TestDispatchInsufficientCredits(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{}
	svc, credits, _ := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
			UserID: "free-user", Tier: "FREE", Prompt: "p",
		}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	_, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "free-user", Tier: "FREE", Prompt: "p",
	})
	if !errors.Is(err, creditdomain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if got := balanceOf(t, credits, "free-user"); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestWebhookSuccessCompletesTask(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{taskID: "nb-1"}
	svc, _, db := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "user-1", Tier: "PRO", Prompt: "p",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	gateway.event = &providerdomain.WebhookEvent{
		TaskID:     "nb-1",
		State:      providerdomain.StateSucceeded,
		ResultURLs: []string{"https://cdn/out.png"},
	}
	if err := svc.HandleWebhook(ctx, "nanobanana", []byte(`{}`), http.Header{}); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	var task generationdomain.GenerationTask
	if err := db.Where("task_id = ?", "nb-1").First(&task).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != generationdomain.StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestWebhookFailureRefundsExactlyOnce(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{taskID: "nb-1"}
	svc, credits, db := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "user-1", Tier: "PRO", Prompt: "p",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := balanceOf(t, credits, "user-1"); got != 199 {
		t.Fatalf("expected balance 199 after dispatch, got %d", got)
	}

	gateway.event = &providerdomain.WebhookEvent{
		TaskID:    "nb-1",
		State:     providerdomain.StateFailed,
		ErrorCode: "generation_failed",
	}

	// Provider redelivers the same failure callback.
	for i := 0; i < 3; i++ {
		if err := svc.HandleWebhook(ctx, "nanobanana", []byte(`{}`), http.Header{}); err != nil {
			t.Fatalf("webhook delivery %d: %v", i, err)
		}
	}

	if got := balanceOf(t, credits, "user-1"); got != 200 {
		t.Fatalf("expected exactly one refund (balance 200), got %d", got)
	}

	var task generationdomain.GenerationTask
	if err := db.Where("task_id = ?", "nb-1").First(&task).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != generationdomain.StatusRefunded {
		t.Fatalf("expected refunded status, got %s", task.Status)
	}

	var refunds int64
	if err := db.Model(&creditdomain.CreditTransaction{}).
		Where("user_id = ? AND type = ?", "user-1", creditdomain.TxnTypeRefund).
		Count(&refunds).Error; err != nil {
		t.Fatalf("count refunds: %v", err)
	}
	if refunds != 1 {
		t.Fatalf("expected 1 refund transaction, got %d", refunds)
	}
}

func TestWebhookUnknownTaskAcknowledged(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{
		event: &providerdomain.WebhookEvent{
			TaskID: "never-seen",
			State:  providerdomain.StateSucceeded,
		},
	}
	svc, _, _ := setupGenerationService(t, clk, gateway)

	if err := svc.HandleWebhook(context.Background(), "nanobanana", []byte(`{}`), http.Header{}); err != nil {
		t.Fatalf("unknown task must be acknowledged, got %v", err)
	}
}

func TestWebhookBadSignatureChangesNothing(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{taskID: "nb-1"}
	svc, credits, db := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "user-1", Tier: "PRO", Prompt: "p",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	gateway.verifyErr = providerdomain.ErrInvalidSignature
	err := svc.HandleWebhook(ctx, "nanobanana", []byte(`{}`), http.Header{})
	if !errors.Is(err, providerdomain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	var task generationdomain.GenerationTask
	if err := db.Where("task_id = ?", "nb-1").First(&task).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != generationdomain.StatusPending {
		t.Fatalf("rejected webhook must not change task state, got %s", task.Status)
	}
	if got := balanceOf(t, credits, "user-1"); got != 199 {
		t.Fatalf("rejected webhook must not move credits, got %d", got)
	}
}

func TestExpireStaleRefundsPendingTasks(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	gateway := &stubGateway{taskID: "nb-1"}
	svc, credits, db := setupGenerationService(t, clk, gateway)
	ctx := context.Background()

	if _, err := svc.Dispatch(ctx, generationdomain.DispatchRequest{
		UserID: "user-1", Tier: "PRO", Prompt: "p",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	clk.Advance(31 * time.Minute)

	expired, err := svc.ExpireStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired task, got %d", expired)
	}

	var task generationdomain.GenerationTask
	if err := db.Where("task_id = ?", "nb-1").First(&task).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.Status != generationdomain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", task.Status)
	}
	if task.ErrorCode != "timeout" {
		t.Fatalf("expected timeout error code, got %s", task.ErrorCode)
	}
	if got := balanceOf(t, credits, "user-1"); got != 200 {
		t.Fatalf("expected refund after expiry, got %d", got)
	}

	// Second sweep finds nothing.
	expired, err = svc.ExpireStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected 0 expired on second sweep, got %d", expired)
	}
}
