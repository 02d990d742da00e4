package observability

import (
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	"github.com/smallbiznis/bookshelf/internal/observability/metrics"
	"github.com/smallbiznis/bookshelf/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the process logger, the tracer provider and the storefront metrics.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.LoggerConfig,
		Config.TracingConfig,
		Config.MetricsConfig,
		Config.PushConfig,
	),
	fx.Provide(logger.New),
	fx.Provide(tracing.NewProvider),
	fx.Provide(
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.ReconcileWithConfig,
	),
	// The tracer provider registers itself globally; nothing else depends on it.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

// PushModule pushes the prometheus registry on an interval and once at shutdown. Processes
// without an HTTP listener (the reconciler) use it in place of a /metrics scrape.
var PushModule = fx.Module("observability.push",
	fx.Provide(metrics.NewPusher),
	fx.Invoke(metrics.RunPusher),
)
