package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"go.uber.org/zap"
)

// VerifyPurchase drives an order toward a terminal state. Pending orders with a gateway
// reference are captured; captured orders missing their entitlement are repaired.
func (s *Service) VerifyPurchase(ctx context.Context, orderID snowflake.ID) (*domain.VerifyResult, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case purchasedomain.OrderStatusCaptured:
		owned, err := s.repo.Find(ctx, s.db, order.UserID, order.ItemID)
		if err != nil {
			return nil, err
		}
		if owned != nil {
			return &domain.VerifyResult{
				Status:       order.Status,
				Success:      true,
				AlreadyOwned: owned.OrderID == nil || *owned.OrderID != order.ID,
			}, nil
		}
		res, err := s.RepairEntitlement(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return &domain.VerifyResult{Status: order.Status, Success: res.Success, AlreadyOwned: res.AlreadyOwned}, nil
	case purchasedomain.OrderStatusAlreadyOwned:
		return &domain.VerifyResult{Status: order.Status, Success: true, AlreadyOwned: true}, nil
	}

	ref := order.GatewayRef()
	if ref == "" || !order.PaymentMethod.UsesGateway() || s.gateways == nil {
		return &domain.VerifyResult{Status: order.Status}, nil
	}
	gateway, err := s.gateways.Gateway(order.Provider)
	if err != nil {
		return nil, err
	}

	log := s.orderLogger(ctx, order, ref)
	captureCtx, cancel := context.WithTimeout(ctx, s.payment.CaptureTimeout)
	defer cancel()

	captured, err := gateway.CaptureOrder(captureCtx, ref)
	if err != nil {
		switch {
		case errors.Is(err, paymentdomain.ErrGatewayTimeout):
			log.Warn("gateway capture timed out", zap.Error(err))
			s.metrics.RecordGatewayCall(ctx, order.Provider, "capture_order", "timeout")
			return &domain.VerifyResult{Status: purchasedomain.OrderStatusPending, Retryable: true}, nil
		case errors.Is(err, paymentdomain.ErrGatewayTransient):
			log.Warn("gateway capture failed, retryable", zap.Error(err))
			s.metrics.RecordGatewayCall(ctx, order.Provider, "capture_order", purchasedomain.FailureGatewayTransient)
			return nil, fmt.Errorf("capture gateway order: %w", err)
		default:
			s.metrics.RecordGatewayCall(ctx, order.Provider, "capture_order", purchasedomain.FailureGatewayFatal)
			if err := s.fail(ctx, log, order, purchasedomain.FailureGatewayFatal, err); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("capture gateway order: %w", err)
		}
	}
	s.metrics.RecordGatewayCall(ctx, order.Provider, "capture_order", string(captured.Status))

	switch captured.Status {
	case paymentdomain.CaptureStatusCaptured:
		res, err := s.CompletePurchase(ctx, domain.CompletePurchaseRequest{
			OrderID:    order.ID,
			GatewayRef: ref,
			PaidAmount: captured.CapturedAmount.Amount,
			Currency:   captured.CapturedAmount.Currency,
		})
		if err != nil {
			return nil, err
		}
		current, err := s.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return &domain.VerifyResult{Status: current.Status, Success: res.Success, AlreadyOwned: res.AlreadyOwned}, nil
	case paymentdomain.CaptureStatusFailed:
		if err := s.fail(ctx, log, order, purchasedomain.FailureGatewayDeclined, nil); err != nil {
			return nil, err
		}
		return &domain.VerifyResult{Status: purchasedomain.OrderStatusFailed}, nil
	default:
		return &domain.VerifyResult{Status: purchasedomain.OrderStatusPending}, nil
	}
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, order *purchasedomain.Order, reason string, cause error) error {
	updated, err := s.orderRepo.MarkFailed(ctx, s.db, order.ID, reason, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	metadata := map[string]any{"failure_reason": reason}
	if cause != nil {
		metadata["error"] = cause.Error()
	}
	log.Warn("order failed", zap.String("failure_reason", reason), zap.Error(cause))
	s.audit(ctx, "purchase.failed", order, metadata)
	return nil
}

// CompleteByGatewayRef completes the order a provider notification refers to.
func (s *Service) CompleteByGatewayRef(ctx context.Context, req domain.GatewayCompletion) (*domain.CompletePurchaseResult, error) {
	order, err := s.resolveGatewayOrder(ctx, req.GatewayOrderRef)
	if err != nil {
		return nil, err
	}
	return s.CompletePurchase(ctx, domain.CompletePurchaseRequest{
		OrderID:    order.ID,
		GatewayRef: req.GatewayRef,
		PaidAmount: req.PaidAmount,
		Currency:   req.Currency,
	})
}

// VerifyByGatewayRef verifies the order a provider notification refers to. Used for
// approval events where the capture still has to be requested.
func (s *Service) VerifyByGatewayRef(ctx context.Context, ref domain.GatewayOrderRef) (*domain.VerifyResult, error) {
	order, err := s.resolveGatewayOrder(ctx, ref)
	if err != nil {
		return nil, err
	}
	if order.ExternalRef == nil && strings.TrimSpace(ref.GatewayRef) != "" {
		if err := s.orderRepo.SetExternalRef(ctx, s.db, order.ID, strings.TrimSpace(ref.GatewayRef), s.clock.Now().UTC()); err != nil {
			return nil, err
		}
	}
	return s.VerifyPurchase(ctx, order.ID)
}

// resolveGatewayOrder prefers the stored external ref and falls back to the order id the
// provider echoed back, which covers events that arrive before the ref is persisted.
func (s *Service) resolveGatewayOrder(ctx context.Context, ref domain.GatewayOrderRef) (*purchasedomain.Order, error) {
	provider := strings.ToLower(strings.TrimSpace(ref.Provider))
	gatewayRef := strings.TrimSpace(ref.GatewayRef)
	if provider == "" {
		return nil, domain.ErrOrderNotFound
	}

	if gatewayRef != "" {
		order, err := s.orderRepo.FindByExternalRef(ctx, s.db, provider, gatewayRef)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}

	if ref.OrderID == nil || *ref.OrderID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	order, err := s.orderRepo.FindByID(ctx, s.db, *ref.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.Provider != provider {
		return nil, domain.ErrOrderNotFound
	}
	if stored := order.GatewayRef(); stored != "" && gatewayRef != "" && stored != gatewayRef {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// RepairEntitlement re-runs the grant for a captured order. Safe to call any number of times.
func (s *Service) RepairEntitlement(ctx context.Context, orderID snowflake.ID) (*domain.CompletePurchaseResult, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != purchasedomain.OrderStatusCaptured {
		return nil, domain.ErrOrderNotCaptured
	}

	log := s.orderLogger(ctx, order, "")
	owned, err := s.repo.Find(ctx, s.db, order.UserID, order.ItemID)
	if err != nil {
		return nil, err
	}
	if owned != nil {
		s.markAlreadyOwned(ctx, log, order, owned, order.Price())
		if _, err := s.repo.ResolveIssues(ctx, s.db, order.ID, s.clock.Now().UTC()); err != nil {
			log.Warn("resolve reconciliation issues", zap.Error(err))
		}
		return &domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, nil
	}

	log.Info("repairing entitlement")
	granted, err := s.grant(ctx, log, order)
	if err != nil {
		return nil, err
	}
	return &domain.CompletePurchaseResult{Success: true, AlreadyOwned: !granted}, nil
}

// ExpireOrder fails a Pending order that was never paid. It reports false when the order
// had already moved on.
func (s *Service) ExpireOrder(ctx context.Context, orderID snowflake.ID) (bool, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != purchasedomain.OrderStatusPending {
		return false, nil
	}
	updated, err := s.orderRepo.MarkFailed(ctx, s.db, order.ID, purchasedomain.FailureExpired, s.clock.Now().UTC())
	if err != nil {
		return false, err
	}
	if updated {
		s.orderLogger(ctx, order, "").Info("pending order expired")
		s.audit(ctx, "purchase.expired", order, nil)
	}
	return updated, nil
}
