package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/booking"
	"github.com/smallbiznis/bookpay/internal/clock"
	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/smallbiznis/bookpay/internal/events"
	"github.com/smallbiznis/bookpay/internal/ledger"
	"github.com/smallbiznis/bookpay/internal/observability"
	"github.com/smallbiznis/bookpay/internal/payment"
	"github.com/smallbiznis/bookpay/internal/ratelimit"
	"github.com/smallbiznis/bookpay/internal/revenue"
	"github.com/smallbiznis/bookpay/internal/scheduler"
	"github.com/smallbiznis/bookpay/internal/voucher"
	"github.com/smallbiznis/bookpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services the sweeper drives
		events.Module,
		revenue.Module,
		ledger.Module,
		voucher.Module,
		booking.Module,
		payment.Module,
		ratelimit.Module,

		// No server module!
		scheduler.Components,
		fx.Invoke(scheduler.Start),
	)
	app.Run()
}

// RegisterSnowflake uses a node id distinct from the API process.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
