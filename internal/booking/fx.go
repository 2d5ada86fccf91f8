package booking

import (
	"github.com/smallbiznis/bookpay/internal/booking/repository"
	"github.com/smallbiznis/bookpay/internal/booking/service"
	"go.uber.org/fx"
)

var Module = fx.Module("booking.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideDirectory),
	fx.Provide(service.NewService),
)
