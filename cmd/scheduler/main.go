// Scheduler-only binary for split deployments. Runs the background jobs
// without the HTTP surface; pair it with SCHEDULER_ENABLED_JOBS on the API
// binary to avoid double-running jobs.
package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/preset-hq/credits/internal/alert"
	"github.com/preset-hq/credits/internal/clock"
	"github.com/preset-hq/credits/internal/config"
	"github.com/preset-hq/credits/internal/credit"
	"github.com/preset-hq/credits/internal/generation"
	"github.com/preset-hq/credits/internal/migration"
	"github.com/preset-hq/credits/internal/observability"
	"github.com/preset-hq/credits/internal/provider"
	"github.com/preset-hq/credits/internal/providers"
	"github.com/preset-hq/credits/internal/scheduler"
	"github.com/preset-hq/credits/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the jobs
		providers.Module,
		alert.Module,
		credit.Module,
		provider.Module,
		generation.Module,

		// No server module.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
