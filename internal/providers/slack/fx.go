package slack

import (
	"github.com/preset-hq/credits/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.Alerts.SlackWebhookURL == "" {
		return &NoOpProvider{}
	}
	return NewWebhook(cfg.Alerts.SlackWebhookURL)
}
