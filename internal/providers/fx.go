package providers

import (
	"github.com/preset-hq/credits/internal/providers/email"
	"github.com/preset-hq/credits/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	slack.Module,
	email.Module,
)
