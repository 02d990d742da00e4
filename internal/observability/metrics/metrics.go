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

const exportInterval = 10 * time.Second

// Config configures the OTLP metrics pipeline.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the storefront counters. A nil *Metrics records nothing.
type Metrics struct {
	purchasesInitiated metric.Int64Counter
	purchasesCompleted metric.Int64Counter
	paymentEvents      metric.Int64Counter
	downloads          metric.Int64Counter
	gatewayCalls       metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled telemetry gets a no-op provider
// so instruments can still be created.
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
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)),
	))
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	if log != nil {
		log.Info("otlp metrics enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New creates the storefront instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(firstNonEmpty(cfg.ServiceName, "bookshelf"))
	m := &Metrics{}
	for _, inst := range []struct {
		name   string
		help   string
		target *metric.Int64Counter
	}{
		{"purchases_initiated_total", "Purchase attempts by payment method and outcome.", &m.purchasesInitiated},
		{"purchases_completed_total", "Purchase completions by outcome.", &m.purchasesCompleted},
		{"payment_events_total", "Provider webhook events applied.", &m.paymentEvents},
		{"downloads_total", "Authorized downloads by access reason.", &m.downloads},
		{"gateway_calls_total", "Payment gateway calls by operation and outcome.", &m.gatewayCalls},
		{"rate_limit_allowed_total", "Requests admitted by the purchase rate limiter.", &m.rateLimitAllowed},
		{"rate_limit_denied_total", "Requests rejected by the purchase rate limiter.", &m.rateLimitDenied},
	} {
		counter, err := meter.Int64Counter("bookshelf_"+inst.name, metric.WithDescription(inst.help))
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", inst.name, err)
		}
		*inst.target = counter
	}
	return m, nil
}

func (m *Metrics) RecordPurchaseInitiated(ctx context.Context, paymentMethod, outcome string) {
	if m != nil {
		add(ctx, m.purchasesInitiated, "payment_method", paymentMethod, "outcome", outcome)
	}
}

func (m *Metrics) RecordPurchaseCompleted(ctx context.Context, outcome string) {
	if m != nil {
		add(ctx, m.purchasesCompleted, "outcome", outcome)
	}
}

func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m != nil {
		add(ctx, m.paymentEvents, "provider", provider, "event_type", eventType)
	}
}

// RecordDownload counts authorized downloads by the reason they were allowed.
func (m *Metrics) RecordDownload(ctx context.Context, reason string) {
	if m != nil {
		add(ctx, m.downloads, "reason", reason)
	}
}

func (m *Metrics) RecordGatewayCall(ctx context.Context, provider, operation, outcome string) {
	if m != nil {
		add(ctx, m.gatewayCalls, "provider", provider, "operation", operation, "outcome", outcome)
	}
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m != nil {
		add(ctx, m.rateLimitAllowed, "endpoint", endpoint)
	}
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m != nil {
		add(ctx, m.rateLimitDenied, "endpoint", endpoint, "reason", reason)
	}
}

// add increments counter by one with the given key/value label pairs.
func add(ctx context.Context, counter metric.Int64Counter, kv ...string) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], strings.TrimSpace(kv[i+1])))
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Labels allowed on storefront metrics. User, order and item ids never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":       {},
	"method":         {},
	"route":          {},
	"status_code":    {},
	"provider":       {},
	"operation":      {},
	"payment_method": {},
	"event_type":     {},
	"outcome":        {},
	"reason":         {},
}

// FilterAttributes drops labels outside allowedLabelKeys.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}

func firstNonEmpty(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
