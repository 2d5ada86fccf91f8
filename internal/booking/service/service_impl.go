package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/internal/clock"
	"github.com/smallbiznis/bookpay/internal/config"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	"github.com/smallbiznis/bookpay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/revenue"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"github.com/smallbiznis/bookpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MinChargeSen is the smallest bill the gateway accepts. Credit is capped so
	// the amount due never drops below it.
	MinChargeSen = 100

	defaultGatewayTimeout = 10 * time.Second
	defaultListLimit      = 20
	maxListLimit          = 100
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Config      config.Config
	Repo        bookingdomain.Repository
	Directory   bookingdomain.ProviderDirectory
	PaymentRepo paymentdomain.Repository
	Gateways    *adapters.Registry
	Voucher     voucherdomain.Service
	Ledger      ledgerdomain.Service
	Calculator  *revenue.Calculator
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        bookingdomain.Repository
	directory   bookingdomain.ProviderDirectory
	paymentRepo paymentdomain.Repository
	gateways    *adapters.Registry
	voucher     voucherdomain.Service
	ledger      ledgerdomain.Service
	calculator  *revenue.Calculator
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics

	provider       string
	gatewayTimeout time.Duration
}

func NewService(p Params) bookingdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	provider := strings.TrimSpace(p.Config.PaymentProvider)
	if provider == "" {
		provider = "billplz"
	}
	timeout := p.Config.Billplz.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("booking.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		directory:      p.Directory,
		paymentRepo:    p.PaymentRepo,
		gateways:       p.Gateways,
		voucher:        p.Voucher,
		ledger:         p.Ledger,
		calculator:     p.Calculator,
		clock:          clk,
		obsMetrics:     p.ObsMetrics,
		provider:       provider,
		gatewayTimeout: timeout,
	}
}

func (s *Service) CreateBooking(ctx context.Context, req bookingdomain.CreateBookingRequest) (*bookingdomain.Booking, error) {
	verrs := validateCreate(req)
	if !verrs.Empty() {
		return nil, verrs
	}

	bookable, err := s.directory.IsBookable(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !bookable {
		verrs.Add("provider_id", "provider_unavailable", "This provider is not taking bookings right now.")
		return nil, verrs
	}

	now := s.clock.Now()
	booking := &bookingdomain.Booking{
		ID:            s.genID.Generate(),
		CustomerID:    req.CustomerID,
		ProviderID:    req.ProviderID,
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		Address:       strings.TrimSpace(req.Address),
		DistanceKm:    math.Round(req.DistanceKm*10) / 10,
		IsWalkIn:      req.IsWalkIn,
		PaymentMethod: req.PaymentMethod,
		UserVoucherID: req.UserVoucherID,
		CreditToApply: req.CreditToApply,
		Currency:      revenue.Currency,
		Status:        bookingdomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if booking.IsWalkIn {
		booking.DistanceKm = 0
	}

	var subtotal int64
	for i, item := range req.Items {
		subtotal += item.PriceCents
		booking.Items = append(booking.Items, bookingdomain.BookingItem{
			ID:              s.genID.Generate(),
			BookingID:       booking.ID,
			ServiceID:       item.ServiceID,
			Name:            strings.TrimSpace(item.Name),
			PriceCents:      item.PriceCents,
			DurationMinutes: item.DurationMinutes,
			Position:        i,
		})
	}

	split, err := s.calculator.Calculate(subtotal, booking.DistanceKm, booking.IsWalkIn)
	if err != nil {
		verrs.Add("distance_km", "invalid", err.Error())
		return nil, verrs
	}
	booking.ServiceSubtotal = split.ServicePrice
	booking.TravelCost = split.TravelCost
	booking.PlatformFee = split.PlatformFee
	booking.Commission = split.Commission
	booking.ProviderNet = split.ProviderNet
	booking.PlatformRevenue = split.PlatformRevenue
	booking.Total = split.Total

	if req.UserVoucherID != nil {
		quote, err := s.voucher.Quote(ctx, voucherdomain.QuoteRequest{
			CustomerID:    req.CustomerID,
			UserVoucherID: *req.UserVoucherID,
			Subtotal:      subtotal,
			ServiceIDs:    booking.ServiceIDs(),
		})
		if err != nil {
			if code, msg, ok := voucherRejection(err); ok {
				verrs.Add("user_voucher_id", code, msg)
				return nil, verrs
			}
			return nil, err
		}
		booking.Discount = quote.Discount
	}

	if req.CreditToApply > 0 {
		balance, err := s.ledger.GetBalance(ctx, req.CustomerID)
		if err != nil {
			return nil, err
		}
		booking.CreditApplied = capCredit(req.CreditToApply, balance.Credit, booking.Total-booking.Discount)
	}
	booking.AmountDue = booking.Total - booking.Discount - booking.CreditApplied

	if err := s.repo.Insert(ctx, s.db, booking); err != nil {
		return nil, err
	}

	s.log.Info("booking_created",
		zap.String("booking_id", booking.ID.String()),
		zap.String("customer_id", booking.CustomerID.String()),
		zap.Int64("total", booking.Total),
		zap.Int64("discount", booking.Discount),
		zap.Int64("credit_applied", booking.CreditApplied),
		zap.Int64("amount_due", booking.AmountDue),
	)
	return booking, nil
}

func (s *Service) InitiatePayment(ctx context.Context, bookingID snowflake.ID) (*bookingdomain.Checkout, error) {
	booking, err := s.repo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, bookingdomain.ErrBookingNotFound
	}

	intent, err := s.paymentRepo.FindIntentByBookingID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if intent != nil {
		switch booking.Status {
		case bookingdomain.StatusPaymentInitiated, bookingdomain.StatusPaid, bookingdomain.StatusConfirmed:
			return &bookingdomain.Checkout{Booking: booking, Intent: intent}, nil
		}
		return nil, invalidState(booking, "initiate payment")
	}
	if booking.Status != bookingdomain.StatusPending {
		return nil, invalidState(booking, "initiate payment")
	}

	adapter, err := s.gateways.Adapter(s.provider)
	if err != nil {
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	bill, err := adapter.CreateBill(gwCtx, paymentdomain.BillRequest{
		Amount:      booking.AmountDue,
		Currency:    booking.Currency,
		Email:       booking.CustomerEmail,
		Name:        booking.CustomerName,
		Description: billDescription(booking),
		Reference:   booking.ID.String(),
	})
	cancel()
	if err != nil {
		return nil, s.handleGatewayFailure(ctx, booking, err)
	}

	now := s.clock.Now()
	intent = &paymentdomain.PaymentIntent{
		ID:         s.genID.Generate(),
		BookingID:  booking.ID,
		Provider:   adapter.Provider(),
		BillID:     bill.ID,
		Amount:     booking.AmountDue,
		Currency:   booking.Currency,
		PaymentURL: bill.URL,
		Status:     paymentdomain.IntentAwaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.InsertIntent(ctx, tx, intent); err != nil {
			return err
		}
		moved, err := s.repo.Transition(ctx, tx, booking.ID, bookingdomain.Transition{
			To:   bookingdomain.StatusPaymentInitiated,
			From: []bookingdomain.Status{bookingdomain.StatusPending},
			At:   now,
		})
		if err != nil {
			return err
		}
		if !moved {
			return bookingdomain.ErrInvalidState
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) || errors.Is(err, bookingdomain.ErrInvalidState) {
			s.log.Warn("bill_orphaned",
				zap.String("booking_id", booking.ID.String()),
				zap.String("bill_id", bill.ID),
				zap.Error(err),
			)
			return s.existingCheckout(ctx, bookingID)
		}
		return nil, err
	}

	s.obsMetrics.RecordBillCreated(ctx, intent.Provider)
	s.log.Info("payment_initiated",
		zap.String("booking_id", booking.ID.String()),
		zap.String("bill_id", bill.ID),
		zap.Int64("amount", intent.Amount),
	)

	booking.Status = bookingdomain.StatusPaymentInitiated
	booking.UpdatedAt = now
	return &bookingdomain.Checkout{Booking: booking, Intent: intent}, nil
}

// existingCheckout resolves a lost race between two InitiatePayment calls.
func (s *Service) existingCheckout(ctx context.Context, bookingID snowflake.ID) (*bookingdomain.Checkout, error) {
	booking, err := s.repo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, bookingdomain.ErrBookingNotFound
	}
	intent, err := s.paymentRepo.FindIntentByBookingID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, invalidState(booking, "initiate payment")
	}
	return &bookingdomain.Checkout{Booking: booking, Intent: intent}, nil
}

func (s *Service) handleGatewayFailure(ctx context.Context, booking *bookingdomain.Booking, err error) error {
	if paymentdomain.IsRetryableGatewayError(err) {
		s.log.Warn("gateway_unavailable",
			zap.String("booking_id", booking.ID.String()),
			zap.Error(err),
		)
		return err
	}

	moved, terr := s.repo.Transition(ctx, s.db, booking.ID, bookingdomain.Transition{
		To:     bookingdomain.StatusFailed,
		From:   []bookingdomain.Status{bookingdomain.StatusPending},
		Reason: "payment could not be started",
		At:     s.clock.Now(),
	})
	if terr != nil {
		return errors.Join(err, terr)
	}
	s.log.Error("gateway_rejected",
		zap.String("booking_id", booking.ID.String()),
		zap.Bool("booking_failed", moved),
		zap.Error(err),
	)
	return err
}

func (s *Service) GetBookingStatus(ctx context.Context, bookingID snowflake.ID) (*bookingdomain.StatusView, error) {
	booking, err := s.repo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, bookingdomain.ErrBookingNotFound
	}
	intent, err := s.paymentRepo.FindIntentByBookingID(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.paymentRepo.ListTasksForBooking(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}

	view := &bookingdomain.StatusView{Booking: booking, Intent: intent}
	for _, task := range tasks {
		if task.Status == paymentdomain.TaskPending {
			view.Pending = append(view.Pending, task)
		}
	}
	return view, nil
}

func (s *Service) Cancel(ctx context.Context, bookingID snowflake.ID, reason string) (*bookingdomain.Booking, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by customer"
	}

	var out *bookingdomain.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booking, err := s.repo.LockByID(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			return bookingdomain.ErrBookingNotFound
		}
		intent, err := s.paymentRepo.FindIntentByBookingID(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if intent != nil && intent.Status == paymentdomain.IntentSettled {
			return invalidState(booking, "cancel")
		}

		now := s.clock.Now()
		moved, err := s.repo.Transition(ctx, tx, bookingID, bookingdomain.Transition{
			To:     bookingdomain.StatusCancelled,
			From:   []bookingdomain.Status{bookingdomain.StatusPending, bookingdomain.StatusPaymentInitiated},
			Reason: reason,
			At:     now,
		})
		if err != nil {
			return err
		}
		if !moved {
			return invalidState(booking, "cancel")
		}

		booking.Status = bookingdomain.StatusCancelled
		booking.CancelReason = reason
		booking.CancelledAt = &now
		booking.UpdatedAt = now
		out = booking
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("booking_cancelled",
		zap.String("booking_id", bookingID.String()),
		zap.String("reason", reason),
	)
	return out, nil
}

func (s *Service) ListBookings(ctx context.Context, customerID snowflake.ID, limit int) ([]bookingdomain.Booking, error) {
	if customerID == 0 {
		return nil, &bookingdomain.ValidationErrors{Errors: []bookingdomain.FieldError{{
			Field: "customer_id", Code: "required", Message: "Customer is required.",
		}}}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListByCustomer(ctx, s.db, customerID, limit)
}

func validateCreate(req bookingdomain.CreateBookingRequest) *bookingdomain.ValidationErrors {
	verrs := &bookingdomain.ValidationErrors{}
	if req.CustomerID == 0 {
		verrs.Add("customer_id", "required", "Customer is required.")
	}
	if req.ProviderID == 0 {
		verrs.Add("provider_id", "required", "Please choose a provider.")
	}
	if len(req.Items) == 0 {
		verrs.Add("items", "required", "Please choose at least one service.")
	}
	for i, item := range req.Items {
		if item.PriceCents <= 0 {
			verrs.Add(fmt.Sprintf("items[%d].price_cents", i), "must_be_positive", "Service price must be greater than zero.")
		}
		if item.DurationMinutes < 0 {
			verrs.Add(fmt.Sprintf("items[%d].duration_minutes", i), "invalid", "Service duration cannot be negative.")
		}
	}
	if !req.IsWalkIn && strings.TrimSpace(req.Address) == "" {
		verrs.Add("address", "required", "An address is required for home service.")
	}
	if req.DistanceKm < 0 || math.IsNaN(req.DistanceKm) || math.IsInf(req.DistanceKm, 0) {
		verrs.Add("distance_km", "invalid", "Distance cannot be negative.")
	}
	if !req.PaymentMethod.Valid() {
		verrs.Add("payment_method", "invalid", "Payment method must be card or bank_transfer.")
	}
	if req.CreditToApply < 0 {
		verrs.Add("credit_to_apply", "invalid", "Credit to apply cannot be negative.")
	}
	return verrs
}

// capCredit limits requested credit to the balance and keeps the bill at or
// above the gateway minimum.
func capCredit(requested, balance, payable int64) int64 {
	credit := requested
	if credit > balance {
		credit = balance
	}
	if limit := payable - MinChargeSen; credit > limit {
		credit = limit
	}
	if credit < 0 {
		return 0
	}
	return credit
}

func voucherRejection(err error) (string, string, bool) {
	switch {
	case errors.Is(err, voucherdomain.ErrVoucherNotFound):
		return "not_found", "This voucher could not be found.", true
	case errors.Is(err, voucherdomain.ErrVoucherNotOwned):
		return "not_owned", "This voucher does not belong to you.", true
	case errors.Is(err, voucherdomain.ErrVoucherAlreadyUsed):
		return "already_used", "This voucher has already been used.", true
	case errors.Is(err, voucherdomain.ErrVoucherExpired):
		return "expired", "This voucher has expired.", true
	case errors.Is(err, voucherdomain.ErrVoucherNotApplicable):
		return "not_applicable", "This voucher does not cover the selected services.", true
	case errors.Is(err, voucherdomain.ErrMinSpendNotMet):
		return "min_spend_not_met", "Your booking does not meet the voucher's minimum spend.", true
	default:
		return "", "", false
	}
}

func invalidState(b *bookingdomain.Booking, op string) error {
	return &bookingdomain.InvalidStateError{BookingID: b.ID.String(), Status: b.Status, Op: op}
}

func billDescription(b *bookingdomain.Booking) string {
	names := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		names = append(names, item.Name)
	}
	desc := "Booking " + b.ID.String()
	if len(names) > 0 {
		desc += ": " + strings.Join(names, ", ")
	}
	return desc
}
