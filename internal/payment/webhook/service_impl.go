package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/internal/clock"
	"github.com/smallbiznis/bookpay/internal/config"
	obsmetrics "github.com/smallbiznis/bookpay/internal/observability/metrics"
	"github.com/smallbiznis/bookpay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Cfg         config.Config
	Repo        paymentdomain.Repository
	BookingRepo bookingdomain.Repository
	Settlement  paymentdomain.SettlementService
	Adapters    *adapters.Registry
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	repo            paymentdomain.Repository
	bookingRepo     bookingdomain.Repository
	settlement      paymentdomain.SettlementService
	adapters        *adapters.Registry
	clock           clock.Clock
	obsMetrics      *obsmetrics.Metrics
	redirectSettles bool
}

func NewService(p Params) paymentdomain.ChannelService {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.webhook"),
		genID:           p.GenID,
		repo:            p.Repo,
		bookingRepo:     p.BookingRepo,
		settlement:      p.Settlement,
		adapters:        p.Adapters,
		clock:           clk,
		obsMetrics:      p.ObsMetrics,
		redirectSettles: p.Cfg.Settlement.RedirectSettles,
	}
}

// IngestWebhook records a gateway callback and settles it. A nil error means
// the callback is durably recorded and the gateway may stop retrying.
func (s *Service) IngestWebhook(ctx context.Context, provider string, form url.Values) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}

	n, err := adapter.VerifyWebhook(ctx, form)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrSignatureInvalid) {
			s.recordRejected(ctx, provider, paymentdomain.SourceWebhook, form)
			s.log.Warn("webhook_signature_invalid",
				zap.String("provider", provider),
				zap.String("bill_id", rawBillID(form)),
			)
		}
		return err
	}

	stored, fresh, err := s.record(ctx, n)
	if err != nil {
		return err
	}
	if !fresh && stored.ProcessedAt != nil {
		s.log.Info("webhook_duplicate",
			zap.String("provider", provider),
			zap.String("bill_id", n.BillID),
			zap.String("provider_event_id", stored.ProviderEventID),
		)
		return nil
	}

	// The event is durable from here on, so the gateway gets its ack even when
	// settlement fails. The replay job picks the event up again.
	if err := s.process(ctx, stored, n); err != nil {
		s.log.Error("webhook_settle_deferred",
			zap.String("provider", provider),
			zap.String("bill_id", n.BillID),
			zap.Error(err),
		)
	}
	return nil
}

// ReplayUnprocessed reverifies and settles webhook events that were recorded
// but never closed.
func (s *Service) ReplayUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) (int, error) {
	events, err := s.repo.ListUnprocessedEvents(ctx, s.db, paymentdomain.SourceWebhook, receivedBefore, limit)
	if err != nil {
		return 0, err
	}

	var (
		done int
		errs error
	)
	for i := range events {
		event := &events[i]
		n, err := s.reverify(ctx, event)
		if err != nil {
			s.log.Warn("webhook_replay_unverifiable",
				zap.String("event_id", event.ID.String()),
				zap.String("bill_id", event.BillID),
				zap.Error(err),
			)
			errs = errors.Join(errs, s.repo.MarkEventForReview(ctx, s.db, event.ID, paymentdomain.ReviewUnverifiable))
			continue
		}
		if err := s.process(ctx, event, n); err != nil {
			errs = errors.Join(errs, fmt.Errorf("event %s: %w", event.ID, err))
			continue
		}
		done++
	}
	return done, errs
}

// process settles a recorded webhook event and closes it. Events that need an
// operator stay open with a review reason.
func (s *Service) process(ctx context.Context, event *paymentdomain.EventRecord, n *paymentdomain.Notification) error {
	log := s.log.With(
		zap.String("provider", n.Provider),
		zap.String("bill_id", n.BillID),
		zap.String("event_type", n.EventType()),
	)

	result, err := s.settlement.Settle(ctx, settleRequest(n))
	if err != nil {
		if errors.Is(err, paymentdomain.ErrIntentNotFound) {
			log.Warn("webhook_unknown_bill")
			return s.repo.MarkEventForReview(ctx, s.db, event.ID, paymentdomain.ReviewUnknownBill)
		}
		return err
	}
	if result.Outcome == paymentdomain.OutcomeAmountMismatch {
		return s.repo.MarkEventForReview(ctx, s.db, event.ID, paymentdomain.ReviewAmountMismatch)
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db, event.ID, s.clock.Now()); err != nil {
		return err
	}
	log.Info("webhook_processed",
		zap.String("outcome", string(result.Outcome)),
		zap.String("booking_status", result.BookingStatus),
	)
	return nil
}

// reverify runs a stored payload through the provider adapter again.
func (s *Service) reverify(ctx context.Context, event *paymentdomain.EventRecord) (*paymentdomain.Notification, error) {
	adapter, err := s.adapters.Adapter(event.Provider)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	if err := json.Unmarshal(event.Payload, &fields); err != nil {
		return nil, err
	}
	form := make(url.Values, len(fields))
	for k, v := range fields {
		form.Set(k, v)
	}
	return adapter.VerifyWebhook(ctx, form)
}

// HandleRedirect records the customer's return from checkout and reports the
// booking status. It settles only when redirect settlement is enabled.
func (s *Service) HandleRedirect(ctx context.Context, provider string, query url.Values) (paymentdomain.RedirectResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return paymentdomain.RedirectResult{}, err
	}

	n, err := adapter.VerifyRedirect(ctx, query)
	if err != nil {
		billID := rawBillID(query)
		switch {
		case errors.Is(err, paymentdomain.ErrSignatureInvalid):
			s.recordRejected(ctx, provider, paymentdomain.SourceRedirect, query)
			s.log.Warn("redirect_signature_invalid",
				zap.String("provider", provider),
				zap.String("bill_id", billID),
			)
		case errors.Is(err, paymentdomain.ErrInvalidPayload):
			s.log.Warn("redirect_unparseable",
				zap.String("provider", provider),
				zap.String("bill_id", billID),
			)
		default:
			return paymentdomain.RedirectResult{}, err
		}
		return pendingRedirect(provider, billID, false), nil
	}

	intent, err := s.repo.FindIntentByBillID(ctx, s.db, n.BillID)
	if err != nil {
		return paymentdomain.RedirectResult{}, err
	}
	if intent == nil {
		s.log.Warn("redirect_unknown_bill",
			zap.String("provider", provider),
			zap.String("bill_id", n.BillID),
		)
		return pendingRedirect(provider, n.BillID, true), nil
	}

	stored, fresh, err := s.record(ctx, n)
	if err != nil {
		return paymentdomain.RedirectResult{}, err
	}

	out := paymentdomain.RedirectResult{
		Provider:       provider,
		BillID:         n.BillID,
		BookingID:      intent.BookingID,
		SignatureValid: true,
		Paid:           n.Paid,
	}

	if fresh || stored.ProcessedAt == nil {
		if s.redirectSettles && n.Paid {
			result, err := s.settlement.Settle(ctx, settleRequest(n))
			if err != nil {
				return paymentdomain.RedirectResult{}, err
			}
			out.BookingStatus = result.BookingStatus
		}
		if err := s.repo.MarkEventProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
			return paymentdomain.RedirectResult{}, err
		}
	}

	if out.BookingStatus == "" {
		booking, err := s.bookingRepo.FindByID(ctx, s.db, intent.BookingID)
		if err != nil {
			return paymentdomain.RedirectResult{}, err
		}
		if booking == nil {
			return paymentdomain.RedirectResult{}, bookingdomain.ErrBookingNotFound
		}
		out.BookingStatus = string(booking.Status)
	}

	s.log.Info("redirect_received",
		zap.String("bill_id", n.BillID),
		zap.Bool("paid", n.Paid),
		zap.String("booking_status", out.BookingStatus),
	)
	return out, nil
}

// record writes the verified signal. fresh is false when the same delivery was
// seen before; the stored row is returned either way.
func (s *Service) record(ctx context.Context, n *paymentdomain.Notification) (*paymentdomain.EventRecord, bool, error) {
	payload, err := json.Marshal(n.Fields)
	if err != nil {
		return nil, false, err
	}
	event := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        n.Provider,
		ProviderEventID: n.DedupeKey,
		BillID:          n.BillID,
		Source:          n.Source,
		EventType:       n.EventType(),
		Payload:         datatypes.JSON(payload),
		SignatureValid:  true,
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, event)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return event, true, nil
	}

	stored, err := s.repo.FindEvent(ctx, s.db, n.Provider, n.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, paymentdomain.ErrInvalidPayload
	}
	return stored, false, nil
}

// recordRejected keeps an audit row for a payload that failed verification.
// Failures to write it are logged only.
func (s *Service) recordRejected(ctx context.Context, provider string, source paymentdomain.Source, values url.Values) {
	s.obsMetrics.RecordSignatureRejected(ctx, provider, string(source))

	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	event := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: "invalid:" + uuid.NewString(),
		BillID:          rawBillID(values),
		Source:          source,
		EventType:       paymentdomain.EventTypeSignatureInvalid,
		Payload:         datatypes.JSON(payload),
		SignatureValid:  false,
		ReceivedAt:      s.clock.Now(),
	}
	if _, err := s.repo.InsertEvent(ctx, s.db, event); err != nil {
		s.log.Warn("rejected_event_not_recorded", zap.Error(err))
	}
}

// pendingRedirect is the answer for a return the service cannot tie to a
// settled booking. The customer keeps waiting for the webhook.
func pendingRedirect(provider, billID string, signatureValid bool) paymentdomain.RedirectResult {
	return paymentdomain.RedirectResult{
		Provider:       provider,
		BillID:         billID,
		SignatureValid: signatureValid,
		BookingStatus:  string(bookingdomain.StatusPending),
	}
}

func settleRequest(n *paymentdomain.Notification) paymentdomain.SettleRequest {
	return paymentdomain.SettleRequest{
		Provider: n.Provider,
		BillID:   n.BillID,
		Source:   n.Source,
		Paid:     n.Paid,
		State:    n.State,
		Amount:   n.Amount,
		PaidAt:   n.PaidAt,
	}
}

func rawBillID(values url.Values) string {
	if id := strings.TrimSpace(values.Get("id")); id != "" {
		return id
	}
	return strings.TrimSpace(values.Get("billplz[id]"))
}
