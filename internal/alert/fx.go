package alert

import (
	"github.com/preset-hq/credits/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.sink",
	fx.Provide(service.New),
)
