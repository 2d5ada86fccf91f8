package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/internal/clock"
	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/smallbiznis/bookpay/internal/events"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"github.com/smallbiznis/bookpay/internal/revenue"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 8
	defaultRetryBase   = 30 * time.Second
	defaultRetryMax    = time.Hour
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Config      config.Config
	Repo        paymentdomain.Repository
	BookingRepo bookingdomain.Repository
	Voucher     voucherdomain.Service
	Ledger      ledgerdomain.Service
	Calculator  *revenue.Calculator
	Events      events.Publisher    `optional:"true"`
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        paymentdomain.Repository
	bookingRepo bookingdomain.Repository
	voucher     voucherdomain.Service
	ledger      ledgerdomain.Service
	calculator  *revenue.Calculator
	events      events.Publisher
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics

	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	pub := p.Events
	if pub == nil {
		pub = events.NewNoopPublisher()
	}
	settlement := p.Config.Settlement
	if settlement.MaxAttempts <= 0 {
		settlement.MaxAttempts = defaultMaxAttempts
	}
	if settlement.RetryBase <= 0 {
		settlement.RetryBase = defaultRetryBase
	}
	if settlement.RetryMax <= 0 {
		settlement.RetryMax = defaultRetryMax
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.settlement"),
		genID:       p.GenID,
		repo:        p.Repo,
		bookingRepo: p.BookingRepo,
		voucher:     p.Voucher,
		ledger:      p.Ledger,
		calculator:  p.Calculator,
		events:      pub,
		clock:       clk,
		obsMetrics:  p.ObsMetrics,
		maxAttempts: settlement.MaxAttempts,
		retryBase:   settlement.RetryBase,
		retryMax:    settlement.RetryMax,
	}
}

// ProvideSettlement exposes the service through its domain interface.
func ProvideSettlement(s *Service) paymentdomain.SettlementService {
	return s
}

// Settle applies a verified payment signal. Any number of calls for the same
// bill, from either channel and in any order, settle it at most once.
func (s *Service) Settle(ctx context.Context, req paymentdomain.SettleRequest) (paymentdomain.SettleResult, error) {
	if req.BillID == "" {
		return paymentdomain.SettleResult{}, paymentdomain.ErrInvalidPayload
	}

	intent, err := s.repo.FindIntentByBillID(ctx, s.db, req.BillID)
	if err != nil {
		return paymentdomain.SettleResult{}, err
	}
	if intent == nil {
		return paymentdomain.SettleResult{}, paymentdomain.ErrIntentNotFound
	}

	log := s.log.With(
		zap.String("bill_id", req.BillID),
		zap.String("booking_id", intent.BookingID.String()),
		zap.String("source", string(req.Source)),
	)

	if intent.Status == paymentdomain.IntentSettled {
		return s.finish(ctx, req, s.alreadySettled(ctx, intent))
	}

	if !req.Paid && req.State == paymentdomain.BillStateDue {
		// The bill is still open and the customer may pay it later.
		log.Info("payment_pending", zap.String("state", req.State))
		return s.finish(ctx, req, s.pending(ctx, intent))
	}

	if !req.Paid || (req.State != "" && req.State != paymentdomain.BillStatePaid) {
		result, err := s.settleUnpaid(ctx, intent, req)
		if err != nil {
			return result, err
		}
		log.Info("payment_not_completed",
			zap.String("state", req.State),
			zap.String("outcome", string(result.Outcome)),
		)
		return s.finish(ctx, req, result)
	}

	if req.Amount > 0 && req.Amount != intent.Amount {
		log.Error("amount_mismatch",
			zap.Error(paymentdomain.ErrAmountMismatch),
			zap.Int64("expected_amount", intent.Amount),
			zap.Int64("received_amount", req.Amount),
		)
		return s.finish(ctx, req, paymentdomain.SettleResult{
			Outcome:   paymentdomain.OutcomeAmountMismatch,
			BookingID: intent.BookingID,
		})
	}

	now := s.clock.Now()
	var (
		result    = paymentdomain.SettleResult{BookingID: intent.BookingID}
		booking   *bookingdomain.Booking
		exhausted []paymentdomain.SettlementTask
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.repo.MarkIntentSettled(ctx, tx, req.BillID, req.Source, now)
		if err != nil {
			return err
		}
		if !won {
			result.Outcome = paymentdomain.OutcomeAlreadySettled
			return nil
		}

		booking, err = s.bookingRepo.LockByID(ctx, tx, intent.BookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			return bookingdomain.ErrBookingNotFound
		}
		if booking.Status == bookingdomain.StatusCancelled {
			result.Outcome = paymentdomain.OutcomeSettledAfterCancel
			result.BookingStatus = string(booking.Status)
			return nil
		}

		if _, err := s.bookingRepo.Transition(ctx, tx, booking.ID, bookingdomain.Transition{
			To:   bookingdomain.StatusPaid,
			From: []bookingdomain.Status{bookingdomain.StatusPaymentInitiated, bookingdomain.StatusFailed},
			At:   now,
		}); err != nil {
			return err
		}

		for _, kind := range s.sideEffectsFor(booking) {
			effectErr := tx.Transaction(func(sp *gorm.DB) error {
				return s.runSideEffect(ctx, sp, kind, booking)
			})
			if effectErr == nil {
				continue
			}
			task, err := s.deferSideEffect(ctx, tx, booking, req.BillID, kind, effectErr, now)
			if err != nil {
				return err
			}
			result.Deferred = append(result.Deferred, kind)
			if task.Status == paymentdomain.TaskFailed {
				exhausted = append(exhausted, *task)
			}
		}

		confirmed, err := s.bookingRepo.Transition(ctx, tx, booking.ID, bookingdomain.Transition{
			To:   bookingdomain.StatusConfirmed,
			From: []bookingdomain.Status{bookingdomain.StatusPaid},
			At:   now,
		})
		if err != nil {
			return err
		}
		if !confirmed {
			return fmt.Errorf("booking %s not confirmable from %s", booking.ID, booking.Status)
		}
		result.Outcome = paymentdomain.OutcomeSettled
		result.BookingStatus = string(bookingdomain.StatusConfirmed)
		return nil
	})
	if err != nil {
		return paymentdomain.SettleResult{}, err
	}

	switch result.Outcome {
	case paymentdomain.OutcomeAlreadySettled:
		return s.finish(ctx, req, s.alreadySettled(ctx, intent))
	case paymentdomain.OutcomeSettledAfterCancel:
		log.Error("settled_after_cancel", zap.Int64("amount", intent.Amount))
		s.publish(ctx, events.RoutingSettledAfterCancel, events.SettledAfterCancel{
			BookingID: intent.BookingID,
			BillID:    req.BillID,
			Amount:    intent.Amount,
			SettledAt: now,
		})
		return s.finish(ctx, req, result)
	}

	for _, kind := range result.Deferred {
		s.obsMetrics.RecordSideEffectDeferred(ctx, string(kind))
	}
	for _, task := range exhausted {
		s.publishTaskFailed(ctx, task)
	}

	deferred := make([]string, 0, len(result.Deferred))
	for _, kind := range result.Deferred {
		deferred = append(deferred, string(kind))
	}
	s.publish(ctx, events.RoutingBookingConfirmed, events.BookingConfirmed{
		BookingID:   booking.ID,
		CustomerID:  booking.CustomerID,
		ProviderID:  booking.ProviderID,
		BillID:      req.BillID,
		AmountPaid:  intent.Amount,
		Currency:    intent.Currency,
		SettledVia:  string(req.Source),
		Deferred:    deferred,
		ConfirmedAt: now,
	})
	log.Info("settlement_applied",
		zap.Int64("amount", intent.Amount),
		zap.Strings("deferred", deferred),
	)
	return s.finish(ctx, req, result)
}

func (s *Service) finish(ctx context.Context, req paymentdomain.SettleRequest, result paymentdomain.SettleResult) (paymentdomain.SettleResult, error) {
	s.obsMetrics.RecordSettlement(ctx, string(req.Source), string(result.Outcome))
	return result, nil
}

func (s *Service) alreadySettled(ctx context.Context, intent *paymentdomain.PaymentIntent) paymentdomain.SettleResult {
	return s.unchanged(ctx, intent, paymentdomain.OutcomeAlreadySettled)
}

// pending answers a callback for a bill that is still open. Nothing changes.
func (s *Service) pending(ctx context.Context, intent *paymentdomain.PaymentIntent) paymentdomain.SettleResult {
	return s.unchanged(ctx, intent, paymentdomain.OutcomePending)
}

func (s *Service) unchanged(ctx context.Context, intent *paymentdomain.PaymentIntent, outcome paymentdomain.SettleOutcome) paymentdomain.SettleResult {
	result := paymentdomain.SettleResult{
		Outcome:   outcome,
		BookingID: intent.BookingID,
	}
	if booking, err := s.bookingRepo.FindByID(ctx, s.db, intent.BookingID); err == nil && booking != nil {
		result.BookingStatus = string(booking.Status)
	}
	return result
}

// settleUnpaid records a failed or deleted bill. Neither update touches a
// settled intent or a booking past payment.
func (s *Service) settleUnpaid(ctx context.Context, intent *paymentdomain.PaymentIntent, req paymentdomain.SettleRequest) (paymentdomain.SettleResult, error) {
	now := s.clock.Now()
	result := paymentdomain.SettleResult{BookingID: intent.BookingID, Outcome: paymentdomain.OutcomeFailed}

	target := bookingdomain.Transition{
		To:     bookingdomain.StatusFailed,
		From:   []bookingdomain.Status{bookingdomain.StatusPending, bookingdomain.StatusPaymentInitiated},
		Reason: "payment was not completed",
		At:     now,
	}
	if req.State == paymentdomain.BillStateDeleted {
		result.Outcome = paymentdomain.OutcomeCancelled
		target = bookingdomain.Transition{
			To:     bookingdomain.StatusCancelled,
			From:   []bookingdomain.Status{bookingdomain.StatusPending, bookingdomain.StatusPaymentInitiated},
			Reason: "payment bill was deleted",
			At:     now,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.MarkIntentFailed(ctx, tx, req.BillID, now); err != nil {
			return err
		}
		_, err := s.bookingRepo.Transition(ctx, tx, intent.BookingID, target)
		return err
	})
	if err != nil {
		return paymentdomain.SettleResult{}, err
	}

	booking, err := s.bookingRepo.FindByID(ctx, s.db, intent.BookingID)
	if err != nil {
		return paymentdomain.SettleResult{}, err
	}
	if booking != nil {
		result.BookingStatus = string(booking.Status)
	}
	return result, nil
}

func (s *Service) sideEffectsFor(b *bookingdomain.Booking) []paymentdomain.TaskKind {
	var kinds []paymentdomain.TaskKind
	if b.UserVoucherID != nil {
		kinds = append(kinds, paymentdomain.TaskVoucherApply)
	}
	if b.CreditApplied > 0 {
		kinds = append(kinds, paymentdomain.TaskCreditDeduct)
	}
	if s.calculator.Rates().PointsFor(b.ServiceSubtotal) > 0 {
		kinds = append(kinds, paymentdomain.TaskPointsAward)
	}
	return kinds
}

// runSideEffect applies one post-settlement mutation. Each is scoped to the
// booking in storage, so running it twice has no further effect.
func (s *Service) runSideEffect(ctx context.Context, tx *gorm.DB, kind paymentdomain.TaskKind, b *bookingdomain.Booking) error {
	bookingID := b.ID
	switch kind {
	case paymentdomain.TaskVoucherApply:
		if b.UserVoucherID == nil {
			return nil
		}
		_, err := s.voucher.ApplyToBooking(ctx, tx, voucherdomain.ApplyRequest{
			BookingID:     b.ID,
			CustomerID:    b.CustomerID,
			UserVoucherID: *b.UserVoucherID,
			OriginalTotal: b.Total,
			Discount:      b.Discount,
			FinalTotal:    b.Total - b.Discount,
		})
		return err
	case paymentdomain.TaskCreditDeduct:
		if b.CreditApplied <= 0 {
			return nil
		}
		_, err := s.ledger.DeductCreditTx(ctx, tx, ledgerdomain.CreditRequest{
			UserID:      b.CustomerID,
			Amount:      b.CreditApplied,
			Source:      ledgerdomain.CreditSourceBookingPayment,
			Description: "Credit applied to booking " + b.ID.String(),
			BookingID:   &bookingID,
		})
		return err
	case paymentdomain.TaskPointsAward:
		points := s.calculator.Rates().PointsFor(b.ServiceSubtotal)
		if points <= 0 {
			return nil
		}
		_, err := s.ledger.EarnPointsTx(ctx, tx, ledgerdomain.PointsRequest{
			UserID:      b.CustomerID,
			Amount:      points,
			Description: "Points earned on booking " + b.ID.String(),
			BookingID:   &bookingID,
		})
		return err
	default:
		return fmt.Errorf("unknown settlement task kind %q", kind)
	}
}

func (s *Service) deferSideEffect(
	ctx context.Context,
	tx *gorm.DB,
	b *bookingdomain.Booking,
	billID string,
	kind paymentdomain.TaskKind,
	cause error,
	now time.Time,
) (*paymentdomain.SettlementTask, error) {
	task := &paymentdomain.SettlementTask{
		ID:            s.genID.Generate(),
		BookingID:     b.ID,
		BillID:        billID,
		Kind:          kind,
		Status:        paymentdomain.TaskPending,
		Attempts:      1,
		LastError:     cause.Error(),
		NextAttemptAt: now.Add(s.backoff(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if permanentSideEffectError(cause) {
		task.Status = paymentdomain.TaskFailed
	}
	if _, err := s.repo.InsertTask(ctx, tx, task); err != nil {
		return nil, err
	}

	s.log.Warn("side_effect_deferred",
		zap.String("booking_id", b.ID.String()),
		zap.String("bill_id", billID),
		zap.String("kind", string(kind)),
		zap.String("task_status", string(task.Status)),
		zap.Error(fmt.Errorf("%w: %w", paymentdomain.ErrSideEffectDeferred, cause)),
	)
	return task, nil
}

// RetryTask reruns a deferred side effect inside its own transaction and
// records the outcome on the task row.
func (s *Service) RetryTask(ctx context.Context, task paymentdomain.SettlementTask) error {
	if task.Status != paymentdomain.TaskPending {
		return nil
	}

	var effectErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		booking, err := s.bookingRepo.FindByID(ctx, tx, task.BookingID)
		if err != nil {
			return err
		}
		if booking == nil {
			return bookingdomain.ErrBookingNotFound
		}
		effectErr = tx.Transaction(func(sp *gorm.DB) error {
			return s.runSideEffect(ctx, sp, task.Kind, booking)
		})

		now := s.clock.Now()
		task.Attempts++
		task.UpdatedAt = now
		switch {
		case effectErr == nil:
			task.Status = paymentdomain.TaskDone
			task.LastError = ""
		case permanentSideEffectError(effectErr) || task.Attempts >= s.maxAttempts:
			task.Status = paymentdomain.TaskFailed
			task.LastError = effectErr.Error()
		default:
			task.LastError = effectErr.Error()
			task.NextAttemptAt = now.Add(s.backoff(task.Attempts))
		}
		return s.repo.UpdateTask(ctx, tx, &task)
	})
	if err != nil {
		return err
	}

	log := s.log.With(
		zap.String("task_id", task.ID.String()),
		zap.String("booking_id", task.BookingID.String()),
		zap.String("kind", string(task.Kind)),
		zap.Int("attempts", task.Attempts),
	)
	switch task.Status {
	case paymentdomain.TaskDone:
		log.Info("side_effect_applied")
	case paymentdomain.TaskFailed:
		log.Error("side_effect_exhausted", zap.Error(effectErr))
		s.publishTaskFailed(ctx, task)
	default:
		log.Warn("side_effect_retry_scheduled", zap.Time("next_attempt_at", task.NextAttemptAt), zap.Error(effectErr))
	}
	return nil
}

// ClaimDueTasks locks due tasks and leases them to the caller.
func (s *Service) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]paymentdomain.SettlementTask, error) {
	var tasks []paymentdomain.SettlementTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		tasks, err = s.repo.ClaimDueTasks(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		// Push the claimed rows past the current sweep so a concurrent worker
		// skips them once this transaction commits.
		lease := now.Add(s.retryBase)
		for i := range tasks {
			leased := tasks[i]
			leased.NextAttemptAt = lease
			leased.UpdatedAt = now
			if err := s.repo.UpdateTask(ctx, tx, &leased); err != nil {
				return err
			}
		}
		return nil
	})
	return tasks, err
}

func (s *Service) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.retryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.retryMax {
			return s.retryMax
		}
	}
	if delay > s.retryMax {
		return s.retryMax
	}
	return delay
}

// permanentSideEffectError reports failures that no retry can fix.
func permanentSideEffectError(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInsufficientBalance) ||
		errors.Is(err, ledgerdomain.ErrInsufficientPoints) ||
		errors.Is(err, ledgerdomain.ErrInvalidAmount) ||
		errors.Is(err, voucherdomain.ErrVoucherAlreadyUsed) ||
		errors.Is(err, voucherdomain.ErrVoucherExpired) ||
		errors.Is(err, voucherdomain.ErrVoucherNotOwned) ||
		errors.Is(err, voucherdomain.ErrVoucherNotFound)
}

func (s *Service) publishTaskFailed(ctx context.Context, task paymentdomain.SettlementTask) {
	obsmetrics.Scheduler().IncTaskExhausted(string(task.Kind))
	s.publish(ctx, events.RoutingSideEffectFailed, events.SideEffectFailed{
		TaskID:    task.ID,
		BookingID: task.BookingID,
		BillID:    task.BillID,
		Kind:      string(task.Kind),
		Attempts:  task.Attempts,
		LastError: task.LastError,
		FailedAt:  task.UpdatedAt,
	})
}

func (s *Service) publish(ctx context.Context, routingKey string, payload any) {
	if err := s.events.Publish(ctx, routingKey, payload); err != nil {
		s.log.Warn("event_publish_failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}
