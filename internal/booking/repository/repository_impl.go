package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookpay/internal/booking/domain"
	"github.com/smallbiznis/bookpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type directory struct {
	db *gorm.DB
}

// ProvideDirectory reads provider availability from service_providers.
func ProvideDirectory(conn *gorm.DB) domain.ProviderDirectory {
	return &directory{db: conn}
}

const bookingColumns = `id, customer_id, provider_id, customer_email, customer_name, address,
	distance_km, is_walk_in, payment_method, user_voucher_id, credit_to_apply,
	service_subtotal, travel_cost, platform_fee, commission, provider_net, platform_revenue,
	discount, credit_applied, total, amount_due, currency,
	status, cancel_reason, failure_reason, confirmed_at, cancelled_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, b *domain.Booking) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`INSERT INTO bookings (`+bookingColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.CustomerID, b.ProviderID, b.CustomerEmail, b.CustomerName, b.Address,
			b.DistanceKm, b.IsWalkIn, b.PaymentMethod, b.UserVoucherID, b.CreditToApply,
			b.ServiceSubtotal, b.TravelCost, b.PlatformFee, b.Commission, b.ProviderNet, b.PlatformRevenue,
			b.Discount, b.CreditApplied, b.Total, b.AmountDue, b.Currency,
			b.Status, b.CancelReason, b.FailureReason, b.ConfirmedAt, b.CancelledAt, b.CreatedAt, b.UpdatedAt,
		).Error; err != nil {
			return err
		}
		for _, item := range b.Items {
			if err := tx.Exec(
				`INSERT INTO booking_items (id, booking_id, service_id, name, price_cents, duration_minutes, position)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				item.ID, b.ID, item.ServiceID, item.Name, item.PriceCents, item.DurationMinutes, item.Position,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Booking, error) {
	return r.find(ctx, db, id, "")
}

func (r *repo) LockByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Booking, error) {
	return r.find(ctx, tx, id, db.ForUpdate(tx))
}

func (r *repo) find(ctx context.Context, conn *gorm.DB, id snowflake.ID, lock string) (*domain.Booking, error) {
	var item domain.Booking
	err := conn.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ? LIMIT 1`+lock,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	items, err := r.listItems(ctx, conn, id)
	if err != nil {
		return nil, err
	}
	item.Items = items
	return &item, nil
}

func (r *repo) listItems(ctx context.Context, conn *gorm.DB, bookingID snowflake.ID) ([]domain.BookingItem, error) {
	var items []domain.BookingItem
	err := conn.WithContext(ctx).Raw(
		`SELECT id, booking_id, service_id, name, price_cents, duration_minutes, position
		 FROM booking_items
		 WHERE booking_id = ?
		 ORDER BY position ASC`,
		bookingID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID, limit int) ([]domain.Booking, error) {
	var items []domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE customer_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		customerID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	for i := range items {
		lines, err := r.listItems(ctx, db, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Items = lines
	}
	return items, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, t domain.Transition) (bool, error) {
	if len(t.From) == 0 {
		t.From = domain.SourcesFor(t.To)
	}
	if len(t.From) == 0 {
		return false, nil
	}

	updates := `status = ?, updated_at = ?`
	args := []any{t.To, t.At}
	switch t.To {
	case domain.StatusCancelled:
		updates += `, cancel_reason = ?, cancelled_at = ?`
		args = append(args, t.Reason, t.At)
	case domain.StatusFailed:
		updates += `, failure_reason = ?`
		args = append(args, t.Reason)
	case domain.StatusConfirmed:
		updates += `, confirmed_at = ?`
		args = append(args, t.At)
	}
	from := make([]string, 0, len(t.From))
	for _, status := range t.From {
		from = append(from, string(status))
	}
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(
		`UPDATE bookings SET `+updates+` WHERE id = ? AND status IN ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (d *directory) IsBookable(ctx context.Context, providerID snowflake.ID) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM service_providers
		 WHERE id = ? AND is_active = ? AND accepts_bookings = ?`,
		providerID,
		true,
		true,
	).Scan(&count).Error
	return count > 0, err
}
