package observability

import (
	"github.com/soulbridge/atelier/internal/config"
	"github.com/soulbridge/atelier/internal/observability/metrics"
	"github.com/soulbridge/atelier/internal/observability/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

func newMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}

func newTracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.TracingEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ServiceName:      cfg.AppName,
		ServiceVersion:   cfg.AppVersion,
		Environment:      cfg.Environment,
	}
}

func ensureTracerProvider(_ trace.TracerProvider) {}

// Module wires the metric and trace providers plus domain instruments.
var Module = fx.Module("observability",
	fx.Provide(newMetricsConfig),
	fx.Provide(metrics.NewProvider),
	fx.Provide(metrics.New),
	fx.Provide(newTracingConfig),
	fx.Provide(tracing.NewProvider),
	fx.Invoke(ensureTracerProvider),
)
