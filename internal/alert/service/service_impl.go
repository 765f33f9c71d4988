package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/preset-hq/credits/internal/alert/domain"
	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	"github.com/preset-hq/credits/internal/observability/metrics"
	"github.com/preset-hq/credits/internal/providers/email"
	"github.com/preset-hq/credits/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
	Slack   slack.Provider
	Email   email.Provider
}

// Sink persists alerts and fans them out to the configured channels. Channel
// failures are logged and swallowed so alerting can never break the ledger.
type Sink struct {
	cfg     config.AlertsConfig
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
	slack   slack.Provider
	email   email.Provider
}

func New(p Params) alertdomain.Sink {
	return &Sink{
		cfg:     p.Config.Alerts,
		db:      p.DB,
		log:     p.Log.Named("alert.sink"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
		slack:   p.Slack,
		email:   p.Email,
	}
}

func (s *Sink) Notify(ctx context.Context, alert alertdomain.Alert) {
	if alert.Level == "" {
		alert.Level = alertdomain.LevelWarning
	}
	s.metrics.RecordAlert(alert.Type)

	var metadata []byte
	if len(alert.Metadata) > 0 {
		encoded, err := json.Marshal(alert.Metadata)
		if err != nil {
			s.log.Warn("alert metadata not serializable", zap.Error(err), zap.String("type", alert.Type))
		} else {
			metadata = encoded
		}
	}

	record := alertdomain.SystemAlert{
		ID:        s.genID.Generate(),
		Type:      alert.Type,
		Level:     alert.Level,
		Message:   alert.Message,
		Metadata:  metadata,
		CreatedAt: s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.Error("persist alert failed",
			zap.Error(err),
			zap.String("type", alert.Type),
			zap.String("message", alert.Message),
		)
	}

	text := fmt.Sprintf("[%s] %s: %s", alert.Level, alert.Type, alert.Message)
	if err := s.slack.PostMessage(ctx, s.cfg.SlackChannel, text); err != nil {
		s.log.Warn("slack alert failed", zap.Error(err), zap.String("type", alert.Type))
	}

	if s.cfg.EmailEnabled && s.cfg.EmailTo != "" {
		subject := fmt.Sprintf("Preset credits alert: %s", alert.Type)
		body := fmt.Sprintf("<p><strong>%s</strong></p><p>%s</p>", alert.Type, alert.Message)
		if err := s.email.Send(ctx, []string{s.cfg.EmailTo}, subject, body); err != nil {
			s.log.Warn("email alert failed", zap.Error(err), zap.String("type", alert.Type))
		}
	}

	s.log.Info("alert emitted",
		zap.String("type", alert.Type),
		zap.String("level", alert.Level),
		zap.String("message", alert.Message),
	)
}
