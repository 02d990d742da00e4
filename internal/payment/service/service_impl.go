package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	"github.com/smallbiznis/bookshelf/internal/clock"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/bookshelf/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Engine     entitlementdomain.Service
	Repo       paymentdomain.Repository
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	engine     entitlementdomain.Service
	auditSvc   auditdomain.Service
	repo       paymentdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      clk,
		engine:     p.Engine,
		auditSvc:   p.AuditSvc,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// ProcessEvent records a provider event once and applies it to the order it refers to.
// An event is only marked processed after it has been applied, so a failed application is
// retried when the provider redelivers.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}
	if err := validateEvent(event); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		ExternalRef:     event.ExternalRef,
		OrderID:         event.OrderID,
		Amount:          event.Amount,
		Currency:        event.Currency,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	if err := s.processEvent(ctx, stored, event); err != nil {
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now().UTC()); err != nil {
		return err
	}

	if inserted {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}
	return nil
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	event.ExternalRef = strings.TrimSpace(event.ExternalRef)
	if event.ExternalRef == "" && (event.OrderID == nil || *event.OrderID == 0) {
		return paymentdomain.ErrInvalidEvent
	}
	event.Currency = strings.ToUpper(strings.TrimSpace(event.Currency))
	if event.OccurredAt.IsZero() {
		return paymentdomain.ErrInvalidEvent
	}

	switch event.Type {
	case paymentdomain.EventTypeCaptureCompleted:
		if event.Amount <= 0 {
			return paymentdomain.ErrInvalidAmount
		}
		if event.Currency == "" {
			return paymentdomain.ErrInvalidCurrency
		}
	case paymentdomain.EventTypeOrderApproved, paymentdomain.EventTypePaymentFailed:
	default:
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

func (s *Service) processEvent(ctx context.Context, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent) error {
	ref := entitlementdomain.GatewayOrderRef{
		Provider:   event.Provider,
		GatewayRef: event.ExternalRef,
		OrderID:    event.OrderID,
	}
	log := s.log.With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
		zap.String("gateway_ref", event.ExternalRef),
	)

	switch event.Type {
	case paymentdomain.EventTypeCaptureCompleted:
		res, err := s.engine.CompleteByGatewayRef(ctx, entitlementdomain.GatewayCompletion{
			GatewayOrderRef: ref,
			PaidAmount:      event.Amount,
			Currency:        event.Currency,
		})
		if err != nil {
			return s.settleFailure(ctx, log, stored, event, err)
		}
		log.Info("capture applied", zap.Bool("already_owned", res.AlreadyOwned))
		s.writeAuditLog(ctx, "payment.received", stored, event, map[string]any{"already_owned": res.AlreadyOwned})
		return nil
	case paymentdomain.EventTypeOrderApproved:
		res, err := s.engine.VerifyByGatewayRef(ctx, ref)
		if err != nil {
			return s.settleFailure(ctx, log, stored, event, err)
		}
		log.Info("approved order verified", zap.String("status", string(res.Status)))
		s.writeAuditLog(ctx, "payment.approved", stored, event, map[string]any{"status": string(res.Status)})
		return nil
	case paymentdomain.EventTypePaymentFailed:
		// The order stays pending; the buyer may retry with another instrument and the
		// reconciler expires it otherwise.
		log.Warn("provider reported payment failure")
		s.writeAuditLog(ctx, "payment.failed", stored, event, nil)
		return nil
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

// settleFailure decides whether a failed application should be redelivered. Outcomes that
// will never change on retry are recorded and acknowledged.
func (s *Service) settleFailure(ctx context.Context, log *zap.Logger, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent, err error) error {
	switch {
	case errors.Is(err, entitlementdomain.ErrAmountMismatch):
		log.Warn("payment event amount does not match order", zap.Int64("amount", event.Amount), zap.Error(err))
		s.writeAuditLog(ctx, "payment.amount_mismatch", stored, event, map[string]any{"error": err.Error()})
		return nil
	case errors.Is(err, entitlementdomain.ErrOrderNotFound):
		log.Warn("payment event for unknown order", zap.Error(err))
		s.writeAuditLog(ctx, "payment.unmatched", stored, event, nil)
		return nil
	case errors.Is(err, paymentdomain.ErrGatewayFatal):
		log.Warn("capture rejected by provider", zap.Error(err))
		return nil
	default:
		// Reconciliation failures and transient errors go back to the provider for redelivery.
		log.Error("payment event not applied", zap.Error(err))
		return err
	}
}

func (s *Service) writeAuditLog(ctx context.Context, action string, stored *paymentdomain.EventRecord, event *paymentdomain.PaymentEvent, extra map[string]any) {
	if s.auditSvc == nil {
		s.log.Warn("audit service unavailable for payment event", zap.String("action", action))
		return
	}
	metadata := map[string]any{
		"provider":          stored.Provider,
		"provider_event_id": stored.ProviderEventID,
		"event_type":        stored.EventType,
		"gateway_ref":       event.ExternalRef,
		"amount":            event.Amount,
		"currency":          event.Currency,
		"payment_event_id":  stored.ID.String(),
		"occurred_at":       event.OccurredAt.UTC().Format(time.RFC3339),
		"received_at":       stored.ReceivedAt.UTC().Format(time.RFC3339),
	}
	if event.OrderID != nil && *event.OrderID != 0 {
		metadata["order_id"] = event.OrderID.String()
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeWebhook,
		ActorID:    stored.Provider,
		Action:     action,
		TargetType: "payment_event",
		TargetID:   stored.ID.String(),
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("failed to write payment audit log", zap.String("action", action), zap.Error(err))
	}
}
