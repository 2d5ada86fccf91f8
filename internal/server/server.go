package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/bookpay/internal/booking"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/smallbiznis/bookpay/internal/events"
	"github.com/smallbiznis/bookpay/internal/ledger"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	obsmiddleware "github.com/smallbiznis/bookpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/bookpay/internal/observability/tracing"
	"github.com/smallbiznis/bookpay/internal/payment"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/ratelimit"
	"github.com/smallbiznis/bookpay/internal/receipt"
	"github.com/smallbiznis/bookpay/internal/revenue"
	"github.com/smallbiznis/bookpay/internal/voucher"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultHTTPAddr = ":8080"

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	events.Module,
	revenue.Module,
	ledger.Module,
	voucher.Module,
	payment.Module,
	booking.Module,
	receipt.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           cfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	bookingSvc bookingdomain.Service
	ledgerSvc  ledgerdomain.Service
	voucherSvc voucherdomain.Service
	channels   paymentdomain.ChannelService
	receipts   *receipt.Service
	limiter    *ratelimit.PublicLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	BookingSvc bookingdomain.Service
	LedgerSvc  ledgerdomain.Service
	VoucherSvc voucherdomain.Service
	Channels   paymentdomain.ChannelService
	Receipts   *receipt.Service
	Limiter    *ratelimit.PublicLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		bookingSvc: p.BookingSvc,
		ledgerSvc:  p.LedgerSvc,
		voucherSvc: p.VoucherSvc,
		channels:   p.Channels,
		receipts:   p.Receipts,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerGatewayRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Bookings --------
	api.POST("/bookings", s.CreateBooking)
	api.GET("/bookings/:id", s.GetBooking)
	api.POST("/bookings/:id/payment", s.InitiatePayment)
	api.POST("/bookings/:id/cancel", s.CancelBooking)
	api.GET("/bookings/:id/receipt", s.DownloadReceipt)
	api.GET("/customers/:id/bookings", s.ListCustomerBookings)

	// -------- Ledger --------
	api.GET("/users/:id/balance", s.GetBalance)
	api.GET("/users/:id/transactions", s.ListTransactions)
	api.POST("/users/:id/credit", s.AddCredit)
	api.POST("/users/:id/credit/deduct", s.DeductCredit)

	// -------- Vouchers --------
	api.GET("/users/:id/vouchers", s.ListUserVouchers)
	api.GET("/users/:id/vouchers/available", s.ListAvailableVouchers)
	api.POST("/users/:id/vouchers/:voucher_id/redeem", s.RedeemVoucher)
}

// registerGatewayRoutes mounts the unauthenticated endpoints the payment
// gateway and the customer's browser call.
func (s *Server) registerGatewayRoutes() {
	s.engine.POST("/webhooks/:provider", s.PublicRateLimit(), s.HandlePaymentWebhook)
	s.engine.GET("/payments/:provider/redirect", s.PublicRateLimit(), s.HandlePaymentRedirect)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
