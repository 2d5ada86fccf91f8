package payment

import (
	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/smallbiznis/bookpay/internal/payment/adapters"
	"github.com/smallbiznis/bookpay/internal/payment/adapters/billplz"
	"github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/bookpay/internal/payment/service"
	"github.com/smallbiznis/bookpay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			billplz.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(paymentservice.ProvideSettlement),
	fx.Provide(webhook.NewService),
	fx.Invoke(configureGateways),
)

// configureGateways builds the Billplz adapter from env config. Missing
// credentials leave the provider unconfigured so the API still starts; bill
// creation and callbacks then fail with provider_not_found.
func configureGateways(registry *adapters.Registry, cfg config.Config, log *zap.Logger) {
	_, err := registry.Configure(domain.AdapterConfig{
		Provider:     billplz.ProviderName,
		APIKey:       cfg.Billplz.APIKey,
		CollectionID: cfg.Billplz.CollectionID,
		SignatureKey: cfg.Billplz.XSignatureKey,
		BaseURL:      cfg.Billplz.BaseURL,
		CallbackURL:  cfg.Billplz.CallbackURL,
		RedirectURL:  cfg.Billplz.RedirectURL,
		Timeout:      cfg.Billplz.Timeout,
	})
	if err != nil {
		log.Warn("billplz adapter not configured", zap.Error(err))
		return
	}
	log.Info("billplz adapter configured",
		zap.String("base_url", cfg.Billplz.BaseURL),
		zap.Bool("sandbox", cfg.Billplz.Sandbox),
	)
}
