package observability

import (
	"testing"

	"github.com/smallbiznis/bookshelf/internal/config"
)

func TestLoadConfigDefaultsServiceNameAndRatio(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: "production",
		Telemetry:   config.TelemetryConfig{LogLevel: "info", SamplingRatio: 3},
	})

	if cfg.ServiceName != "bookshelf" {
		t.Fatalf("expected bookshelf service name, got %q", cfg.ServiceName)
	}
	if cfg.OtelSamplingRatio != 0.1 {
		t.Fatalf("expected fallback sampling ratio, got %v", cfg.OtelSamplingRatio)
	}
	if cfg.Debug() {
		t.Fatalf("production info config should not be debug")
	}
}

func TestDebugInDevelopment(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: "development"})
	if !cfg.Debug() {
		t.Fatalf("development should enable debug")
	}
}

func TestSignalConfigsShareServiceIdentity(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppName:     "bookshelf-api",
		AppVersion:  "1.2.0",
		Environment: "production",
		Telemetry: config.TelemetryConfig{
			LogLevel:      "warn",
			OtelEnabled:   true,
			OTLPEndpoint:  "collector:4317",
			SamplingRatio: 0.5,
		},
	})

	logCfg := cfg.LoggerConfig()
	if logCfg.ServiceName != "bookshelf-api" || logCfg.Level != "warn" || logCfg.IncludeStackOnError {
		t.Fatalf("unexpected logger config %+v", logCfg)
	}
	traceCfg := cfg.TracingConfig()
	if !traceCfg.Enabled || traceCfg.ServiceVersion != "1.2.0" || traceCfg.SamplingRatio != 0.5 {
		t.Fatalf("unexpected tracing config %+v", traceCfg)
	}
	if got := cfg.MetricsConfig().ExporterEndpoint; got != "collector:4317" {
		t.Fatalf("expected collector endpoint, got %q", got)
	}
}
