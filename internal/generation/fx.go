package generation

import (
	"github.com/preset-hq/credits/internal/generation/repository"
	"github.com/preset-hq/credits/internal/generation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
