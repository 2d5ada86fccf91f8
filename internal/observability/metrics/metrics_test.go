package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "billplz"),
		attribute.String("booking_id", "456"),
		attribute.String("source", "webhook"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "provider" && attrs[1].Key != "provider" {
		t.Fatalf("expected provider to be retained")
	}
	if attrs[0].Key != "source" && attrs[1].Key != "source" {
		t.Fatalf("expected source to be retained")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSettlement(context.Background(), "webhook", "settled")
	m.RecordSideEffectDeferred(context.Background(), "credit_deduct")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordBillCreated(context.Background(), "billplz")
	m.RecordSignatureRejected(context.Background(), "billplz", "redirect")
}

func TestRecordSettlementExportsLowCardinalityLabels(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(Config{ServiceName: "bookpay"}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordSettlement(context.Background(), "webhook", "settled")
	m.RecordSettlement(context.Background(), "webhook", "settled")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, got := range scope.Metrics {
			if got.Name != "bookpay_settlements_total" {
				continue
			}
			sum := got.Data.(metricdata.Sum[int64])
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
				t.Fatalf("unexpected data points: %+v", sum.DataPoints)
			}
			if v, ok := sum.DataPoints[0].Attributes.Value("source"); !ok || v.AsString() != "webhook" {
				t.Fatalf("missing source label")
			}
			return
		}
	}
	t.Fatalf("bookpay_settlements_total not exported")
}
