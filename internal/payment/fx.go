package payment

import (
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/payment/adapters"
	"github.com/smallbiznis/bookshelf/internal/payment/adapters/paypal"
	"github.com/smallbiznis/bookshelf/internal/payment/adapters/stripe"
	"github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/payment/gateway"
	"github.com/smallbiznis/bookshelf/internal/payment/repository"
	paymentservice "github.com/smallbiznis/bookshelf/internal/payment/service"
	"github.com/smallbiznis/bookshelf/internal/payment/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(func(r *adapters.Registry) domain.GatewayResolver { return r }),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

type RegistryParams struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
	Redis *redis.Client `optional:"true"`
}

// NewRegistry builds an adapter for every provider with credentials configured.
// Providers without credentials are skipped rather than failing startup.
func NewRegistry(p RegistryParams) (*adapters.Registry, error) {
	cfg := p.Cfg.Payment
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	retry := gateway.DefaultRetryPolicy(cfg.MaxAttempts)
	log := p.Log.Named("payment.registry")

	var configured []domain.ProviderAdapter
	if cfg.PayPal.ClientID != "" && cfg.PayPal.ClientSecret != "" {
		adapter, err := paypal.New(paypal.Config{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
			BrandName:    cfg.PayPal.BrandName,
			Retry:        retry,
		}, client, p.Redis, p.Clock, p.Log)
		if err != nil {
			return nil, err
		}
		configured = append(configured, adapter)
	}
	if cfg.Stripe.SecretKey != "" {
		adapter, err := stripe.New(stripe.Config{
			BaseURL:       cfg.Stripe.BaseURL,
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Retry:         retry,
		}, client, p.Clock, p.Log)
		if err != nil {
			return nil, err
		}
		configured = append(configured, adapter)
	}

	registry := adapters.NewRegistry(cfg.Provider, configured...)
	if len(configured) == 0 {
		log.Warn("no payment provider configured")
	} else {
		log.Info("payment providers configured", zap.Strings("providers", registry.Providers()))
	}
	return registry, nil
}
