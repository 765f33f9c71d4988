package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/preset-hq/credits/internal/config"
	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	"github.com/preset-hq/credits/internal/observability"
	obslogger "github.com/preset-hq/credits/internal/observability/logger"
	obsmetrics "github.com/preset-hq/credits/internal/observability/metrics"
	obstracing "github.com/preset-hq/credits/internal/observability/tracing"
	"github.com/preset-hq/credits/internal/ratelimit"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, metrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(metrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type engineParams struct {
	fx.In

	ObsCfg  observability.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func registerGin(p engineParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.Metrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	creditSvc       creditdomain.Service
	generationSvc   generationdomain.Service
	dispatchLimiter *ratelimit.DispatchLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	CreditSvc       creditdomain.Service
	GenerationSvc   generationdomain.Service
	DispatchLimiter *ratelimit.DispatchLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		creditSvc:       p.CreditSvc,
		generationSvc:   p.GenerationSvc,
		dispatchLimiter: p.DispatchLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Credits --------
	api.GET("/credits/:user_id", s.GetUserCredits)
	api.POST("/credits/consume", s.ConsumeCredits)
	api.POST("/credits/refund", s.RefundCredits)
	api.POST("/credits/purchase", s.PurchaseCredits)
	api.GET("/credits/:user_id/transactions", s.ListCreditTransactions)

	// -------- Generations --------
	api.POST("/generations", s.DispatchRateLimit(), s.CreateGeneration)
	api.GET("/generations/:task_id", s.GetGeneration)

	// -------- Pools --------
	api.GET("/pools/:provider", s.GetCreditPool)
	api.POST("/pools/:provider/refill", s.RefillCreditPool)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/generation/:provider", s.HandleGenerationWebhook)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.POST("/jobs/allocate", s.RunMonthlyAllocation)
}
