package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	"github.com/smallbiznis/bookshelf/internal/observability/metrics"
	"github.com/smallbiznis/bookshelf/internal/observability/tracing"
)

const defaultSamplingRatio = 0.1

// Config is the telemetry slice of the application config. Each signal gets its own
// settings through LoggerConfig, TracingConfig and MetricsConfig.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	MetricsPushExporter string
	MetricsPushEndpoint string
	MetricsPushToken    string
	MetricsPushInterval time.Duration
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:          strings.TrimSpace(cfg.AppName),
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             cfg.Telemetry.LogLevel,
		LogFormat:            cfg.Telemetry.LogFormat,
		OtelEnabled:          cfg.Telemetry.OtelEnabled,
		OtelExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		OtelExporterProtocol: cfg.Telemetry.OTLPProtocol,
		OtelSamplingRatio:    cfg.Telemetry.SamplingRatio,
		MetricsPushExporter:  cfg.Telemetry.MetricsPushExporter,
		MetricsPushEndpoint:  cfg.Telemetry.MetricsPushEndpoint,
		MetricsPushToken:     cfg.Telemetry.MetricsPushToken,
		MetricsPushInterval:  cfg.Telemetry.MetricsPushInterval,
	}
	if out.ServiceName == "" {
		out.ServiceName = "bookshelf"
	}
	if out.OtelSamplingRatio < 0 || out.OtelSamplingRatio > 1 {
		out.OtelSamplingRatio = defaultSamplingRatio
	}
	return out
}

// Debug is true for debug log level and for non-production environments.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) LoggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}

func (c Config) PushConfig() metrics.PushConfig {
	return metrics.PushConfig{
		Exporter:    c.MetricsPushExporter,
		Endpoint:    c.MetricsPushEndpoint,
		AuthToken:   c.MetricsPushToken,
		Job:         c.ServiceName,
		Environment: c.Environment,
		Interval:    c.MetricsPushInterval,
	}
}
