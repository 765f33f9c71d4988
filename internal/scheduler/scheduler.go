package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	obsmetrics "github.com/preset-hq/credits/internal/observability/metrics"
	"github.com/preset-hq/credits/internal/provider"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	Log           *zap.Logger
	CreditSvc     creditdomain.Service
	GenerationSvc generationdomain.Service
	Gateways      *provider.Gateways
	AppConfig     config.Config
	Plans         *config.PlanConfigHolder
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        Config `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	appCfg        config.Config
	plans         *config.PlanConfigHolder
	genID         *snowflake.Node
	clock         clock.Clock
	creditSvc     creditdomain.Service
	generationSvc generationdomain.Service
	gateways      *provider.Gateways
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.CreditSvc == nil || p.GenerationSvc == nil || p.GenID == nil || p.Clock == nil || p.Plans == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		appCfg:        p.AppConfig,
		plans:         p.Plans,
		genID:         p.GenID,
		clock:         p.Clock,
		creditSvc:     p.CreditSvc,
		generationSvc: p.GenerationSvc,
		gateways:      p.Gateways,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		schedMetrics.IncJobError(name, err)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	schedMetrics.IncJobError(name, err)

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"allocate_monthly", s.isJobEnabled("allocate_monthly"), func(ctx context.Context) error {
			return s.runJob(ctx, "allocate_monthly", s.cfg.JobTimeout, s.AllocateMonthlyJob)
		}},
		{"pool_refill", s.isJobEnabled("pool_refill"), func(ctx context.Context) error {
			return s.runJob(ctx, "pool_refill", s.cfg.JobTimeout, s.PoolRefillJob)
		}},
		{"expire_stale_tasks", s.isJobEnabled("expire_stale_tasks"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_stale_tasks", s.cfg.JobTimeout, s.ExpireStaleTasksJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// AllocateMonthlyJob tops every account up to its tier allowance for the
// current calendar month. The credit service keeps the run idempotent, so
// overlapping schedulers or retries grant each account at most once.
func (s *Scheduler) AllocateMonthlyJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "allocate_monthly")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	report, err := s.creditSvc.AllocateMonthly(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.allocate.failed", "allocate_monthly", err)
		return err
	}

	run.AddProcessed(report.AccountsGranted)
	obsmetrics.Scheduler().AddBatchProcessed("allocate_monthly", report.AccountsGranted)
	if report.AccountsGranted > 0 || report.AccountsSkipped > 0 {
		s.log.Info("monthly allocation complete",
			zap.String("period_start", report.PeriodStart),
			zap.Int("accounts_granted", report.AccountsGranted),
			zap.Int("accounts_skipped", report.AccountsSkipped),
			zap.Int64("credits_allocated", report.CreditsAllocated),
		)
	}
	return nil
}

// PoolRefillJob checks every configured provider pool against its refill
// threshold. Pools above the threshold are a no-op inside AutoRefill.
func (s *Scheduler) PoolRefillJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "pool_refill")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	providers := s.poolProviders()
	var jobErr error
	for _, name := range providers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pool, err := s.creditSvc.AutoRefill(ctx, name)
		if err != nil {
			if errors.Is(err, creditdomain.ErrPoolNotFound) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.pool_refill.failed", "pool_refill", err,
				zap.String("provider", name),
			)
			continue
		}
		if pool != nil && pool.LastRefillAt != nil {
			run.AddProcessed(1)
		}
	}
	return jobErr
}

// ExpireStaleTasksJob fails and refunds generation tasks whose provider
// never called back within the stale threshold.
func (s *Scheduler) ExpireStaleTasksJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "expire_stale_tasks")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	expired, err := s.generationSvc.ExpireStale(ctx, s.staleThreshold())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.expire_stale.failed", "expire_stale_tasks", err)
		return err
	}
	run.AddProcessed(expired)
	obsmetrics.Scheduler().AddBatchProcessed("expire_stale_tasks", expired)
	return nil
}

func (s *Scheduler) poolProviders() []string {
	names := map[string]struct{}{}
	if s.gateways != nil {
		for _, name := range s.gateways.Names() {
			names[name] = struct{}{}
		}
	}
	if s.appCfg.Providers.DefaultProvider != "" {
		names[s.appCfg.Providers.DefaultProvider] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	return out
}

// staleThreshold prefers the hot-reloaded plan config so operators can
// tune the deadline without a restart.
func (s *Scheduler) staleThreshold() time.Duration {
	if raw := s.plans.Current().StaleTaskTimeout; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return s.cfg.StaleTaskThreshold
}
