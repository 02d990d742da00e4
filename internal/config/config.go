package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator and must differ between running replicas.
	NodeID int64

	AuthJWTSecret    string
	AuthJWTIssuer    string
	TrialTokenSecret string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBSlowQueryMillis int

	RedisURL string

	Payment   PaymentConfig
	RateLimit RateLimitConfig
}

// PaymentConfig selects and configures the payment gateway.
type PaymentConfig struct {
	Provider       string
	CreateTimeout  time.Duration
	CaptureTimeout time.Duration
	MaxAttempts    int
	// AllowDirect enables the gateway-less "direct" method used by local setups and tests.
	AllowDirect bool

	PayPal PayPalConfig
	Stripe StripeConfig
}

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
	BrandName    string
}

type StripeConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
}

// TelemetryConfig covers logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64

	// MetricsPush* configure pushing prometheus metrics from processes nobody scrapes.
	MetricsPushExporter string
	MetricsPushEndpoint string
	MetricsPushToken    string
	MetricsPushInterval time.Duration
}

type RateLimitConfig struct {
	Enabled         bool
	PurchaseRate    float64
	PurchaseBurst   int
	DeniedRetryHint time.Duration
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewStorefrontPolicyHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:          getenv("APP_SERVICE", "bookshelf"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Environment:      getenv("ENVIRONMENT", "development"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		NodeID:           int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		AuthJWTSecret:    strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer:    strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "bookshelf")),
		TrialTokenSecret: strings.TrimSpace(getenv("TRIAL_TOKEN_SECRET", "")),

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),

			MetricsPushExporter: strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			MetricsPushEndpoint: strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			MetricsPushToken:    strings.TrimSpace(getenv("METRICS_PUSH_TOKEN", "")),
			MetricsPushInterval: getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "bookshelf"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBSlowQueryMillis: getenvInt("DATABASE_SLOW_QUERY_MS", 200),

		RedisURL: strings.TrimSpace(getenv("REDIS_URL", "")),

		Payment: PaymentConfig{
			Provider:       strings.ToLower(strings.TrimSpace(getenv("PAYMENT_PROVIDER", "paypal"))),
			CreateTimeout:  getenvDuration("GATEWAY_CREATE_TIMEOUT", 15*time.Second),
			CaptureTimeout: getenvDuration("GATEWAY_CAPTURE_TIMEOUT", 10*time.Second),
			MaxAttempts:    getenvInt("GATEWAY_MAX_ATTEMPTS", 3),
			AllowDirect:    getenvBool("PAYMENT_ALLOW_DIRECT", false),
			PayPal: PayPalConfig{
				BaseURL:      strings.TrimRight(getenv("PAYPAL_BASE_URL", "https://api.sandbox.paypal.com"), "/"),
				ClientID:     strings.TrimSpace(getenv("PAYPAL_CLIENT_ID", "")),
				ClientSecret: strings.TrimSpace(getenv("PAYPAL_CLIENT_SECRET", "")),
				WebhookID:    strings.TrimSpace(getenv("PAYPAL_WEBHOOK_ID", "")),
				ReturnURL:    getenv("PAYPAL_RETURN_URL", "http://localhost:3000/purchase/success"),
				CancelURL:    getenv("PAYPAL_CANCEL_URL", "http://localhost:3000/purchase/cancel"),
				BrandName:    getenv("PAYPAL_BRAND_NAME", "Bookshelf"),
			},
			Stripe: StripeConfig{
				BaseURL:       strings.TrimRight(getenv("STRIPE_BASE_URL", "https://api.stripe.com"), "/"),
				SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
				WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			},
		},

		RateLimit: RateLimitConfig{
			Enabled:         getenvBool("PURCHASE_RATE_LIMIT_ENABLED", false),
			PurchaseRate:    getenvFloat("PURCHASE_RATE_PER_SECOND", 0.5),
			PurchaseBurst:   getenvInt("PURCHASE_BURST", 5),
			DeniedRetryHint: getenvDuration("PURCHASE_RETRY_HINT", 2*time.Second),
		},
	}

	return cfg
}

// IsProduction reports whether the service runs in the production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("15s") or plain seconds ("15").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
