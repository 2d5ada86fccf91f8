package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	billsCreated        metric.Int64Counter
	settlements         metric.Int64Counter
	sideEffectsDeferred metric.Int64Counter
	ledgerPostings      metric.Int64Counter
	voucherRedemptions  metric.Int64Counter
	signatureRejections metric.Int64Counter
	rateLimitDenials    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New creates the settlement and ledger instruments on the configured meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceLabel(cfg))
	m := &Metrics{}
	instruments := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.billsCreated, "bookpay_bills_created_total", "Gateway bills issued for bookings."},
		{&m.settlements, "bookpay_settlements_total", "Settlement attempts by channel and outcome."},
		{&m.sideEffectsDeferred, "bookpay_side_effects_deferred_total", "Post-payment side effects queued for retry."},
		{&m.ledgerPostings, "bookpay_ledger_postings_total", "Points and credit ledger postings."},
		{&m.voucherRedemptions, "bookpay_voucher_redemptions_total", "Voucher redemption attempts by outcome."},
		{&m.signatureRejections, "bookpay_signature_rejections_total", "Gateway payloads with an invalid signature."},
		{&m.rateLimitDenials, "bookpay_rate_limit_denied_total", "Public requests refused by the rate limiter."},
	}
	for _, in := range instruments {
		counter, err := meter.Int64Counter(in.name, metric.WithDescription(in.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", in.name, err)
		}
		*in.dst = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func (m *Metrics) RecordBillCreated(ctx context.Context, provider string) {
	if m != nil {
		m.add(ctx, m.billsCreated, label("provider", provider))
	}
}

// RecordSettlement counts settlement attempts by channel (webhook, redirect,
// reconcile) and outcome.
func (m *Metrics) RecordSettlement(ctx context.Context, source, outcome string) {
	if m != nil {
		m.add(ctx, m.settlements, label("source", source), label("outcome", outcome))
	}
}

func (m *Metrics) RecordSideEffectDeferred(ctx context.Context, kind string) {
	if m != nil {
		m.add(ctx, m.sideEffectsDeferred, label("kind", kind))
	}
}

// RecordLedgerPosting counts postings; resource is "points" or "credit".
func (m *Metrics) RecordLedgerPosting(ctx context.Context, resource, txType string) {
	if m != nil {
		m.add(ctx, m.ledgerPostings, label("resource", resource), label("tx_type", txType))
	}
}

func (m *Metrics) RecordVoucherRedemption(ctx context.Context, outcome string) {
	if m != nil {
		m.add(ctx, m.voucherRedemptions, label("outcome", outcome))
	}
}

func (m *Metrics) RecordSignatureRejected(ctx context.Context, provider, source string) {
	if m != nil {
		m.add(ctx, m.signatureRejections, label("provider", provider), label("source", source))
	}
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m != nil {
		m.add(ctx, m.rateLimitDenials, label("endpoint", endpoint))
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider": {},
	"source":   {},
	"outcome":  {},
	"kind":     {},
	"resource": {},
	"tx_type":  {},
	"reason":   {},
	"endpoint": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
