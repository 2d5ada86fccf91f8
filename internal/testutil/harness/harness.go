// Package harness wires the booking, settlement and ledger services against an
// in-memory database and a local Billplz stand-in, for end-to-end package tests.
package harness

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/bookpay/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/bookpay/internal/booking/repository"
	bookingservice "github.com/smallbiznis/bookpay/internal/booking/service"
	"github.com/smallbiznis/bookpay/internal/clock"
	"github.com/smallbiznis/bookpay/internal/config"
	ledgerdomain "github.com/smallbiznis/bookpay/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/bookpay/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/bookpay/internal/ledger/service"
	"github.com/smallbiznis/bookpay/internal/payment/adapters"
	"github.com/smallbiznis/bookpay/internal/payment/adapters/billplz"
	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/bookpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/bookpay/internal/payment/service"
	"github.com/smallbiznis/bookpay/internal/payment/webhook"
	"github.com/smallbiznis/bookpay/internal/revenue"
	"github.com/smallbiznis/bookpay/internal/testutil"
	voucherdomain "github.com/smallbiznis/bookpay/internal/voucher/domain"
	voucherrepo "github.com/smallbiznis/bookpay/internal/voucher/repository"
	voucherservice "github.com/smallbiznis/bookpay/internal/voucher/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const SignatureKey = "S-harness-signature-key"

type Harness struct {
	DB         *gorm.DB
	Node       *snowflake.Node
	Clock      *clock.FakeClock
	Config     config.Config
	Calculator *revenue.Calculator

	Ledger      ledgerdomain.Service
	Voucher     voucherdomain.Service
	BookingRepo bookingdomain.Repository
	PaymentRepo paymentdomain.Repository
	Gateways    *adapters.Registry
	Gateway     *Gateway
	Events      *RecordingPublisher

	Booking    bookingdomain.Service
	Settlement *paymentservice.Service
	Channels   paymentdomain.ChannelService
}

type Option func(*config.Config)

// WithRedirectSettlement lets a verified paid redirect settle.
func WithRedirectSettlement() Option {
	return func(cfg *config.Config) { cfg.Settlement.RedirectSettles = true }
}

func New(t testing.TB, opts ...Option) *Harness {
	t.Helper()

	db := testutil.OpenSQLite(t)
	node := testutil.NewNode(t, 5)
	clk := clock.NewFakeClock(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	gateway := newGateway(t)

	cfg := config.Config{
		AppName:         "bookpay",
		PaymentProvider: billplz.ProviderName,
		Billplz: config.BillplzConfig{
			APIKey:        "api-key",
			CollectionID:  "col_harness",
			XSignatureKey: SignatureKey,
			BaseURL:       gateway.URL(),
			CallbackURL:   "https://bookpay.test/webhooks/billplz",
			RedirectURL:   "https://bookpay.test/payments/billplz/redirect",
			Timeout:       500 * time.Millisecond,
		},
		Settlement: config.SettlementConfig{
			MaxAttempts: 3,
			RetryBase:   time.Minute,
			RetryMax:    time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := zap.NewNop()
	calc := revenue.NewCalculator(config.NewStaticPricingHolder(config.DefaultPricingConfig()))

	registry := adapters.NewRegistry(billplz.NewFactory())
	if _, err := registry.Configure(paymentdomain.AdapterConfig{
		Provider:     billplz.ProviderName,
		APIKey:       cfg.Billplz.APIKey,
		CollectionID: cfg.Billplz.CollectionID,
		SignatureKey: cfg.Billplz.XSignatureKey,
		BaseURL:      cfg.Billplz.BaseURL,
		CallbackURL:  cfg.Billplz.CallbackURL,
		RedirectURL:  cfg.Billplz.RedirectURL,
		Timeout:      cfg.Billplz.Timeout,
	}); err != nil {
		t.Fatalf("configure billplz: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Repo: ledgerrepo.Provide(), Clock: clk,
	})
	voucherSvc := voucherservice.NewService(voucherservice.Params{
		DB: db, Log: log, GenID: node, Repo: voucherrepo.Provide(), Ledger: ledgerSvc, Clock: clk,
	})
	bRepo := bookingrepo.Provide()
	pRepo := paymentrepo.Provide()
	publisher := &RecordingPublisher{}

	bookingSvc := bookingservice.NewService(bookingservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Config:      cfg,
		Repo:        bRepo,
		Directory:   bookingrepo.ProvideDirectory(db),
		PaymentRepo: pRepo,
		Gateways:    registry,
		Voucher:     voucherSvc,
		Ledger:      ledgerSvc,
		Calculator:  calc,
		Clock:       clk,
	})
	settlement := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Config:      cfg,
		Repo:        pRepo,
		BookingRepo: bRepo,
		Voucher:     voucherSvc,
		Ledger:      ledgerSvc,
		Calculator:  calc,
		Events:      publisher,
		Clock:       clk,
	})
	channels := webhook.NewService(webhook.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Cfg:         cfg,
		Repo:        pRepo,
		BookingRepo: bRepo,
		Settlement:  settlement,
		Adapters:    registry,
		Clock:       clk,
	})

	return &Harness{
		DB:          db,
		Node:        node,
		Clock:       clk,
		Config:      cfg,
		Calculator:  calc,
		Ledger:      ledgerSvc,
		Voucher:     voucherSvc,
		BookingRepo: bRepo,
		PaymentRepo: pRepo,
		Gateways:    registry,
		Gateway:     gateway,
		Events:      publisher,
		Booking:     bookingSvc,
		Settlement:  settlement,
		Channels:    channels,
	}
}

// SeedProvider inserts a bookable service provider.
func (h *Harness) SeedProvider(t testing.TB) snowflake.ID {
	t.Helper()
	id := h.Node.Generate()
	now := h.Clock.Now()
	if err := h.DB.Exec(
		`INSERT INTO service_providers (id, display_name, is_active, accepts_bookings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, "Kedai Gunting", true, true, now, now,
	).Error; err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return id
}

// BookingRequest returns a valid request: one RM30.00 service at 3 km.
func (h *Harness) BookingRequest(customerID, providerID snowflake.ID) bookingdomain.CreateBookingRequest {
	return bookingdomain.CreateBookingRequest{
		CustomerID:    customerID,
		ProviderID:    providerID,
		CustomerEmail: "ali@example.com",
		CustomerName:  "Ali",
		Items: []bookingdomain.ItemInput{{
			ServiceID:       h.Node.Generate(),
			Name:            "Haircut",
			PriceCents:      3000,
			DurationMinutes: 45,
		}},
		DistanceKm:    3,
		Address:       "12 Jalan Ampang, Kuala Lumpur",
		PaymentMethod: bookingdomain.PaymentMethodCard,
	}
}

// Checkout creates a booking from req and initiates its payment.
func (h *Harness) Checkout(t testing.TB, req bookingdomain.CreateBookingRequest) *bookingdomain.Checkout {
	t.Helper()
	ctx := context.Background()
	booking, err := h.Booking.CreateBooking(ctx, req)
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	checkout, err := h.Booking.InitiatePayment(ctx, booking.ID)
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	return checkout
}

// WebhookForm builds a signed Billplz callback for billID.
func WebhookForm(billID string, amount int64, paid bool, state string) url.Values {
	form := url.Values{}
	form.Set("id", billID)
	form.Set("collection_id", "col_harness")
	form.Set("paid", strconv.FormatBool(paid))
	form.Set("state", state)
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("paid_amount", strconv.FormatInt(amount, 10))
	form.Set("transaction_id", "TX-"+billID)
	form.Set("transaction_status", "completed")
	if paid {
		form.Set("paid_at", "2026-10-16 17:05:00 +0800")
	}
	fields := map[string]string{}
	for _, key := range []string{"amount", "collection_id", "id", "paid", "paid_at", "state", "transaction_id", "transaction_status"} {
		fields[key] = form.Get(key)
	}
	form.Set("x_signature", billplz.Sign(SignatureKey, fields))
	return form
}

// RedirectQuery builds signed return-URL parameters for billID.
func RedirectQuery(billID string, paid bool) url.Values {
	query := url.Values{}
	query.Set("billplz[id]", billID)
	query.Set("billplz[paid]", strconv.FormatBool(paid))
	fields := map[string]string{"id": billID, "paid": strconv.FormatBool(paid)}
	if paid {
		query.Set("billplz[paid_at]", "2026-10-16 17:05:00 +0800")
		fields["paid_at"] = query.Get("billplz[paid_at]")
	}
	query.Set("billplz[x_signature]", billplz.Sign(SignatureKey, fields))
	return query
}

// Gateway is a local stand-in for the Billplz bill API.
type Gateway struct {
	server *httptest.Server
	seq    atomic.Int64
	status atomic.Int64
	calls  atomic.Int64
}

func newGateway(t testing.TB) *Gateway {
	g := &Gateway{}
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *Gateway) URL() string { return g.server.URL }

// FailWith makes subsequent bill requests answer with status. Zero restores success.
func (g *Gateway) FailWith(status int) { g.status.Store(int64(status)) }

func (g *Gateway) Calls() int64 { return g.calls.Load() }

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	g.calls.Add(1)
	if status := int(g.status.Load()); status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"type":"RecordInvalid","message":["rejected"]}}`))
		return
	}
	id := fmt.Sprintf("bill_%d", g.seq.Add(1))
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"id":%q,"url":%q}`, id, g.server.URL+"/bills/"+id)
}

type Message struct {
	RoutingKey string
	Payload    any
}

// RecordingPublisher keeps published events in memory.
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []Message
}

func (p *RecordingPublisher) Publish(_ context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{RoutingKey: routingKey, Payload: payload})
	return nil
}

// Count returns how many messages were published with routingKey.
func (p *RecordingPublisher) Count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.RoutingKey == routingKey {
			n++
		}
	}
	return n
}
