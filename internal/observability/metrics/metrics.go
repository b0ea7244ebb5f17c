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
	"go.opentelemetry.io/otel/sdk/resource"
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
	deducts             metric.Int64Counter
	deductedCredits     metric.Int64Counter
	refunds             metric.Int64Counter
	refundedCredits     metric.Int64Counter
	refundFailures      metric.Int64Counter
	refundRetriesOK     metric.Int64Counter
	grants              metric.Int64Counter
	limitDenials        metric.Int64Counter
	insufficientDenials metric.Int64Counter
	usageRecorded       metric.Int64Counter
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

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "atelier"
	}
	meter := provider.Meter(name)

	deducts, err := meter.Int64Counter("atelier_credit_deducts_total")
	if err != nil {
		return nil, err
	}
	deductedCredits, err := meter.Int64Counter("atelier_credits_deducted_total")
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter("atelier_credit_refunds_total")
	if err != nil {
		return nil, err
	}
	refundedCredits, err := meter.Int64Counter("atelier_credits_refunded_total")
	if err != nil {
		return nil, err
	}
	refundFailures, err := meter.Int64Counter("atelier_refund_failures_total")
	if err != nil {
		return nil, err
	}
	refundRetriesOK, err := meter.Int64Counter("atelier_refund_retries_applied_total")
	if err != nil {
		return nil, err
	}
	grants, err := meter.Int64Counter("atelier_credit_grants_total")
	if err != nil {
		return nil, err
	}
	limitDenials, err := meter.Int64Counter("atelier_daily_limit_denials_total")
	if err != nil {
		return nil, err
	}
	insufficientDenials, err := meter.Int64Counter("atelier_insufficient_funds_denials_total")
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("atelier_feature_usage_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deducts:             deducts,
		deductedCredits:     deductedCredits,
		refunds:             refunds,
		refundedCredits:     refundedCredits,
		refundFailures:      refundFailures,
		refundRetriesOK:     refundRetriesOK,
		grants:              grants,
		limitDenials:        limitDenials,
		insufficientDenials: insufficientDenials,
		usageRecorded:       usageRecorded,
	}, nil
}

// RecordDeduct increments deduct counts and deducted credit totals.
func (m *Metrics) RecordDeduct(ctx context.Context, feature string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.deducts.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deductedCredits.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordRefund increments refund counts and refunded credit totals.
func (m *Metrics) RecordRefund(ctx context.Context, feature string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.refunds.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.refundedCredits.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordRefundFailure counts refunds that could not be applied synchronously.
func (m *Metrics) RecordRefundFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.refundFailures.Add(ctx, 1)
}

// RecordRefundRetryApplied counts queued refunds applied by the scheduler.
func (m *Metrics) RecordRefundRetryApplied(ctx context.Context) {
	if m == nil {
		return
	}
	m.refundRetriesOK.Add(ctx, 1)
}

// RecordGrant counts allowance grants and top-ups.
func (m *Metrics) RecordGrant(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	m.grants.Add(ctx, 1)
}

// RecordLimitDenial counts requests rejected by the daily cap.
func (m *Metrics) RecordLimitDenial(ctx context.Context, feature, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("tier", strings.TrimSpace(tier)),
	)
	m.limitDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInsufficientFunds counts requests rejected on balance.
func (m *Metrics) RecordInsufficientFunds(ctx context.Context, feature, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("tier", strings.TrimSpace(tier)),
	)
	m.insufficientDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsage counts successful metered invocations.
func (m *Metrics) RecordUsage(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"feature":     {},
	"tier":        {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
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
