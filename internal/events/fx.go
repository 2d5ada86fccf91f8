package events

import (
	"context"

	"github.com/smallbiznis/bookpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects to the broker when AMQP_URL is set and falls back to
// dropping messages otherwise. A broker outage at startup is not fatal.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	log = log.Named("events.publisher")
	if cfg.AMQP.URL == "" {
		log.Info("amqp disabled, events are dropped")
		return NewNoopPublisher()
	}

	pub, err := DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AppName, log)
	if err != nil {
		log.Warn("amqp unavailable, events are dropped", zap.Error(err))
		return NewNoopPublisher()
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	log.Info("amqp publisher ready", zap.String("exchange", cfg.AMQP.Exchange))
	return pub
}
