package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/clock"
	"github.com/soulbridge/atelier/internal/config"
	"github.com/soulbridge/atelier/internal/ledger"
	"github.com/soulbridge/atelier/internal/logger"
	"github.com/soulbridge/atelier/internal/migration"
	"github.com/soulbridge/atelier/internal/observability"
	"github.com/soulbridge/atelier/internal/scheduler"
	"github.com/soulbridge/atelier/internal/usage"
	"github.com/soulbridge/atelier/pkg/db"
	"go.uber.org/fx"
)

// Standalone scheduler for deployments that separate the background
// jobs from the HTTP tier.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		catalog.Module,
		migration.Module,

		ledger.Module,
		usage.Module,

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
