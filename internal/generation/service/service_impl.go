package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/preset-hq/credits/internal/alert/domain"
	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	"github.com/preset-hq/credits/internal/observability/logger"
	"github.com/preset-hq/credits/internal/observability/metrics"
	"github.com/preset-hq/credits/internal/provider"
	providerdomain "github.com/preset-hq/credits/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const staleBatchSize = 200

type Params struct {
	fx.In

	Config   config.Config
	Plans    *config.PlanConfigHolder
	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     generationdomain.Repository
	Credits  creditdomain.Service
	Gateways *provider.Gateways
	Alerts   alertdomain.Sink
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	cfg      config.Config
	plans    *config.PlanConfigHolder
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     generationdomain.Repository
	credits  creditdomain.Service
	gateways *provider.Gateways
	alerts   alertdomain.Sink
	metrics  *metrics.Metrics
}

func New(p Params) generationdomain.Service {
	return &Service{
		cfg:      p.Config,
		plans:    p.Plans,
		db:       p.DB,
		log:      p.Log.Named("generation.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		credits:  p.Credits,
		gateways: p.Gateways,
		alerts:   p.Alerts,
		metrics:  p.Metrics,
	}
}

func (s *Service) Dispatch(ctx context.Context, req generationdomain.DispatchRequest) (*generationdomain.GenerationTask, error) {
	userID := strings.TrimSpace(req.UserID)
	prompt := strings.TrimSpace(req.Prompt)
	if userID == "" || prompt == "" {
		return nil, generationdomain.ErrInvalidRequest
	}

	providerName := strings.ToLower(strings.TrimSpace(req.Provider))
	if providerName == "" {
		providerName = s.cfg.Providers.DefaultProvider
	}
	gateway, err := s.gateways.Lookup(providerName)
	if err != nil {
		return nil, err
	}

	credits := s.plans.Current().CreditsPerImage
	reference := s.genID.Generate()

	consumed, err := s.credits.CheckAndConsume(ctx, creditdomain.ConsumeRequest{
		UserID:      userID,
		Tier:        req.Tier,
		Credits:     credits,
		Provider:    providerName,
		PurposeTag:  "generation",
		ReferenceID: reference.String(),
	})
	if err != nil {
		s.metrics.RecordDispatch(providerName, "rejected")
		return nil, err
	}

	taskID, err := gateway.Generate(ctx, providerdomain.GenerateRequest{
		Reference:   reference.String(),
		Prompt:      prompt,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
		InputURLs:   req.InputURLs,
		CallbackURL: s.callbackURL(providerName),
	})
	if err != nil {
		s.metrics.RecordDispatch(providerName, "provider_error")
		s.compensate(ctx, userID, credits, consumed.Source, reference.String(), "provider dispatch failed")
		return nil, fmt.Errorf("%w: %v", providerdomain.ErrProviderUnavailable, err)
	}

	params, marshalErr := json.Marshal(map[string]interface{}{
		"aspect_ratio": req.AspectRatio,
		"resolution":   req.Resolution,
		"input_urls":   req.InputURLs,
	})
	if marshalErr != nil {
		params = nil
	}

	now := s.clock.Now()
	task := &generationdomain.GenerationTask{
		ID:             reference,
		TaskID:         taskID,
		UserID:         userID,
		Provider:       providerName,
		Prompt:         prompt,
		Params:         params,
		CreditsCharged: consumed.CreditsConsumed,
		CreditSource:   consumed.Source,
		Status:         generationdomain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, task); err != nil {
		s.metrics.RecordDispatch(providerName, "error")
		s.compensate(ctx, userID, credits, consumed.Source, reference.String(), "task record insert failed")
		return nil, fmt.Errorf("insert task: %w", err)
	}

	s.metrics.RecordDispatch(providerName, "ok")
	logger.WithContext(ctx, s.log).Info("generation dispatched",
		zap.String("user_id", userID),
		zap.String("provider", providerName),
		zap.String("task_id", taskID),
		zap.Int64("credits", consumed.CreditsConsumed),
		zap.String("source", consumed.Source),
	)
	return task, nil
}

func (s *Service) HandleWebhook(ctx context.Context, providerName string, payload []byte, headers http.Header) error {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	gateway, err := s.gateways.Lookup(providerName)
	if err != nil {
		return err
	}

	if err := gateway.VerifyWebhook(ctx, payload, headers); err != nil {
		s.metrics.RecordWebhook(providerName, "bad_signature")
		return err
	}

	event, err := gateway.ParseWebhook(ctx, payload)
	if err != nil {
		s.metrics.RecordWebhook(providerName, "bad_payload")
		return err
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", providerName),
		zap.String("task_id", event.TaskID),
		zap.String("state", event.State),
	)

	switch event.State {
	case providerdomain.StateQueued, providerdomain.StateProcessing:
		s.metrics.RecordWebhook(providerName, "progress")
		return nil
	}

	task, err := s.repo.FindByTaskID(ctx, s.db, event.TaskID)
	if err != nil {
		return fmt.Errorf("find task: %w", err)
	}
	if task == nil {
		// Acknowledge unknown tasks so the provider stops retrying.
		s.metrics.RecordWebhook(providerName, "unknown_task")
		log.Warn("webhook for unknown task")
		return nil
	}

	switch event.State {
	case providerdomain.StateSucceeded:
		return s.completeTask(ctx, log, providerName, task, event)
	case providerdomain.StateFailed:
		return s.failTask(ctx, log, providerName, task, event)
	default:
		s.metrics.RecordWebhook(providerName, "bad_payload")
		return providerdomain.ErrInvalidPayload
	}
}

func (s *Service) completeTask(ctx context.Context, log *zap.Logger, providerName string, task *generationdomain.GenerationTask, event *providerdomain.WebhookEvent) error {
	urls, err := json.Marshal(event.ResultURLs)
	if err != nil {
		urls = nil
	}

	ok, err := s.repo.MarkCompleted(ctx, s.db, task.TaskID, urls, s.clock.Now())
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if !ok {
		s.metrics.RecordWebhook(providerName, "duplicate")
		log.Info("webhook redelivery ignored")
		return nil
	}

	s.metrics.RecordWebhook(providerName, "completed")
	log.Info("generation completed", zap.Int("result_urls", len(event.ResultURLs)))
	return nil
}

// failTask moves the task to failed and issues the compensating refund. The
// pending->failed transition is the redelivery guard: only the delivery that
// wins the CAS refunds, so credits come back exactly once.
func (s *Service) failTask(ctx context.Context, log *zap.Logger, providerName string, task *generationdomain.GenerationTask, event *providerdomain.WebhookEvent) error {
	ok, err := s.repo.MarkFailed(ctx, s.db, task.TaskID, event.ErrorCode, event.ErrorMessage, s.clock.Now())
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if !ok {
		s.metrics.RecordWebhook(providerName, "duplicate")
		log.Info("webhook redelivery ignored")
		return nil
	}

	s.metrics.RecordWebhook(providerName, "failed")
	log.Warn("generation failed",
		zap.String("error_code", event.ErrorCode),
		zap.String("error_message", event.ErrorMessage),
	)
	s.refundTask(ctx, task, "provider reported failure: "+event.ErrorCode)
	return nil
}

// refundTask returns the task's credits to the user. Pool-funded tasks are
// not refunded to the user because their balance never changed; the pool
// absorbs the provider-side cost.
func (s *Service) refundTask(ctx context.Context, task *generationdomain.GenerationTask, reason string) {
	if task.CreditSource != creditdomain.SourceUserCredits || task.CreditsCharged <= 0 {
		if _, err := s.repo.MarkRefunded(ctx, s.db, task.TaskID, s.clock.Now()); err != nil {
			s.log.Error("mark refunded failed", zap.Error(err), zap.String("task_id", task.TaskID))
		}
		return
	}

	_, err := s.credits.Refund(ctx, creditdomain.RefundRequest{
		UserID:      task.UserID,
		Credits:     task.CreditsCharged,
		PurposeTag:  "generation",
		ReferenceID: task.ID.String(),
		Reason:      reason,
	})
	if err != nil {
		// The credit service already raised the operator alert; the task
		// stays failed so the refund can be replayed manually.
		s.log.Error("compensating refund failed",
			zap.Error(err),
			zap.String("task_id", task.TaskID),
			zap.String("user_id", task.UserID),
			zap.Int64("credits", task.CreditsCharged),
		)
		return
	}

	if _, err := s.repo.MarkRefunded(ctx, s.db, task.TaskID, s.clock.Now()); err != nil {
		s.log.Error("mark refunded failed", zap.Error(err), zap.String("task_id", task.TaskID))
	}
}

// compensate undoes the debit taken during Dispatch when the provider call or
// the task insert failed afterwards.
func (s *Service) compensate(ctx context.Context, userID string, credits int64, source, referenceID, reason string) {
	if source != creditdomain.SourceUserCredits {
		return
	}
	if _, err := s.credits.Refund(ctx, creditdomain.RefundRequest{
		UserID:      userID,
		Credits:     credits,
		PurposeTag:  "generation",
		ReferenceID: referenceID,
		Reason:      reason,
	}); err != nil {
		s.log.Error("dispatch compensation failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.Int64("credits", credits),
		)
	}
}

func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
	}
	before := s.clock.Now().Add(-olderThan)

	tasks, err := s.repo.FindStalePending(ctx, s.db, before, staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find stale tasks: %w", err)
	}

	expired := 0
	for i := range tasks {
		task := tasks[i]
		ok, err := s.repo.MarkFailed(ctx, s.db, task.TaskID, "timeout", "no provider callback before deadline", s.clock.Now())
		if err != nil {
			s.log.Error("expire stale task failed", zap.Error(err), zap.String("task_id", task.TaskID))
			continue
		}
		if !ok {
			continue
		}
		expired++
		s.refundTask(ctx, &task, "task expired without provider callback")
	}

	if expired > 0 {
		s.alerts.Notify(ctx, alertdomain.Alert{
			Type:    alertdomain.TypeStaleTask,
			Level:   alertdomain.LevelWarning,
			Message: fmt.Sprintf("%d generation tasks expired without a provider callback", expired),
			Metadata: map[string]interface{}{
				"count":      expired,
				"older_than": olderThan.String(),
			},
		})
	}
	return expired, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*generationdomain.GenerationTask, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, generationdomain.ErrInvalidRequest
	}
	task, err := s.repo.FindByTaskID(ctx, s.db, taskID)
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	if task == nil {
		return nil, generationdomain.ErrTaskNotFound
	}
	return task, nil
}

func (s *Service) callbackURL(providerName string) string {
	base := s.cfg.Providers.CallbackBaseURL
	if base == "" {
		return ""
	}
	return base + "/webhooks/generation/" + providerName
}
