package credit

import (
	"github.com/preset-hq/credits/internal/credit/repository"
	"github.com/preset-hq/credits/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
