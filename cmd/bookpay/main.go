package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/clock"
	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/smallbiznis/bookpay/internal/migration"
	"github.com/smallbiznis/bookpay/internal/observability"
	"github.com/smallbiznis/bookpay/internal/scheduler"
	"github.com/smallbiznis/bookpay/internal/server"
	"github.com/smallbiznis/bookpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// HTTP API with every domain module
		server.Module,

		// In-process sweeper; set SCHEDULER_ENABLED=false when apps/worker runs it
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
