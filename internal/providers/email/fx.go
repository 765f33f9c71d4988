package email

import (
	"github.com/preset-hq/credits/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if !cfg.Alerts.EmailEnabled {
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.Alerts.SMTPHost,
		Port:     cfg.Alerts.SMTPPort,
		Username: cfg.Alerts.SMTPUsername,
		Password: cfg.Alerts.SMTPPassword,
		From:     cfg.Alerts.SMTPFrom,
	})
}
