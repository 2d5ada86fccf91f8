package scheduler

import (
	"context"

	"github.com/smallbiznis/bookpay/internal/config"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	paymentservice "github.com/smallbiznis/bookpay/internal/payment/service"
	"github.com/smallbiznis/bookpay/internal/ratelimit"
	"go.uber.org/fx"
)

// Components provides the scheduler without starting it.
var Components = fx.Options(
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(s *paymentservice.Service) SettlementRetrier { return s },
		func(l *ratelimit.JobLock) JobLocker { return l },
		func(c paymentdomain.ChannelService) EventReplayer { return c },
	),
	fx.Provide(New),
)

var Module = fx.Module("scheduler",
	Components,
	fx.Invoke(NewScheduler),
)

// NewScheduler runs the loop inside the API process when enabled in config.
func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Scheduler.Enabled {
		return
	}
	Start(lc, sched)
}

// Start binds the run loop to the application lifecycle.
func Start(lc fx.Lifecycle, sched *Scheduler) {
	cancel := context.CancelFunc(func() {})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
