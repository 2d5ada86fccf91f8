package receipt

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrReceiptUnavailable = errors.New("receipt_unavailable")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	BookingRepo bookingdomain.Repository
	PaymentRepo paymentdomain.Repository
	LedgerRepo  ledgerdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	bookingRepo bookingdomain.Repository
	paymentRepo paymentdomain.Repository
	ledgerRepo  ledgerdomain.Repository
}

// Receipt is a rendered document ready to download.
type Receipt struct {
	FileName string
	Content  []byte
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("receipt.service"),
		bookingRepo: p.BookingRepo,
		paymentRepo: p.PaymentRepo,
		ledgerRepo:  p.LedgerRepo,
	}
}

// BookingReceipt renders the receipt of a confirmed booking.
func (s *Service) BookingReceipt(ctx context.Context, bookingID snowflake.ID) (*Receipt, error) {
	data, err := s.dataFor(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	content, err := Render(data)
	if err != nil {
		s.log.Error("receipt_render_failed", zap.String("booking_id", bookingID.String()), zap.Error(err))
		return nil, err
	}
	return &Receipt{FileName: FileName(data), Content: content}, nil
}

func (s *Service) dataFor(ctx context.Context, bookingID snowflake.ID) (Data, error) {
	booking, err := s.bookingRepo.FindByID(ctx, s.db, bookingID)
	if err != nil {
		return Data{}, err
	}
	if booking == nil {
		return Data{}, bookingdomain.ErrBookingNotFound
	}
	if booking.Status != bookingdomain.StatusConfirmed {
		return Data{}, &bookingdomain.InvalidStateError{
			BookingID: booking.ID.String(),
			Status:    booking.Status,
			Op:        "issue receipt",
		}
	}

	intent, err := s.paymentRepo.FindIntentByBookingID(ctx, s.db, bookingID)
	if err != nil {
		return Data{}, err
	}
	if intent == nil || intent.SettledAt == nil {
		return Data{}, ErrReceiptUnavailable
	}

	data := Data{
		BookingID:       booking.ID.String(),
		BillID:          intent.BillID,
		PaidAt:          *intent.SettledAt,
		CustomerName:    booking.CustomerName,
		CustomerEmail:   booking.CustomerEmail,
		Address:         booking.Address,
		PaymentMethod:   string(booking.PaymentMethod),
		ServiceSubtotal: booking.ServiceSubtotal,
		TravelCost:      booking.TravelCost,
		PlatformFee:     booking.PlatformFee,
		Discount:        booking.Discount,
		CreditApplied:   booking.CreditApplied,
		AmountPaid:      intent.Amount,
	}
	for _, item := range booking.Items {
		data.Items = append(data.Items, Line{
			Name:            item.Name,
			DurationMinutes: item.DurationMinutes,
			Price:           item.PriceCents,
		})
	}

	points, err := s.ledgerRepo.FindPointsTransactionForBooking(ctx, s.db, booking.CustomerID, booking.ID, ledgerdomain.PointsTxEarn)
	if err != nil {
		return Data{}, err
	}
	if points != nil {
		data.PointsEarned = points.Amount
	}
	return data, nil
}
