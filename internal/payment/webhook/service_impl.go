package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/bookshelf/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	paymentservice "github.com/smallbiznis/bookshelf/internal/payment/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Delivery outcomes, recorded on the span and the log line.
const (
	outcomeApplied  = "applied"
	outcomeReplayed = "replayed"
	outcomeIgnored  = "ignored"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

var errProcessorUnavailable = errors.New("payment_service_unavailable")

type eventProcessor interface {
	ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
}

type Service struct {
	log       *zap.Logger
	tracer    trace.Tracer
	processor eventProcessor
	adapters  *adapters.Registry
}

func NewService(p Params) paymentdomain.WebhookService {
	s := &Service{
		log:      p.Log.Named("payment.webhook"),
		tracer:   otel.Tracer("bookshelf/payment.webhook"),
		adapters: p.Adapters,
	}
	if p.PaymentSvc != nil {
		s.processor = p.PaymentSvc
	}
	return s
}

// IngestWebhook authenticates a provider delivery, normalizes it and applies it. Event
// types the storefront does not act on, and redeliveries of applied events, return nil so
// the provider stops retrying.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ctx, span := s.tracer.Start(ctx, "payment.webhook", trace.WithAttributes(attribute.String("payment.provider", provider)))
	defer span.End()

	event, err := s.authenticate(ctx, provider, payload, headers)
	outcome := outcomeApplied
	switch {
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		outcome, err = outcomeIgnored, nil
	case err != nil:
		outcome = outcomeRejected
	default:
		err = s.apply(ctx, event, payload)
		switch {
		case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
			outcome, err = outcomeReplayed, nil
		case err != nil:
			outcome = outcomeFailed
		}
	}

	span.SetAttributes(attribute.String("payment.webhook.outcome", outcome))
	fields := []zap.Field{zap.String("provider", provider), zap.String("outcome", outcome)}
	if event != nil {
		fields = append(fields,
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_type", event.Type),
		)
	}
	switch outcome {
	case outcomeRejected:
		s.log.Warn("payment webhook rejected", append(fields, zap.Error(err))...)
	case outcomeFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment event not applied")
		s.log.Warn("payment webhook not applied", append(fields, zap.Error(err))...)
	default:
		s.log.Debug("payment webhook handled", fields...)
	}
	return err
}

// authenticate resolves the adapter, checks the signature and parses the canonical event.
func (s *Service) authenticate(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return nil, paymentdomain.ErrInvalidPayload
	}
	adapter, err := s.adapters.Webhook(provider)
	if err != nil {
		return nil, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return nil, err
	}
	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return event, nil
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) error {
	if s.processor == nil {
		return errProcessorUnavailable
	}
	return s.processor.ProcessEvent(ctx, event, payload)
}
