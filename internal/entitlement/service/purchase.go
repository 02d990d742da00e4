package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/bookshelf/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"github.com/smallbiznis/bookshelf/pkg/money"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeCreated        = "created"
	outcomeAlreadyOwned   = "already_owned"
	outcomePending        = "pending"
	outcomeFailed         = "failed"
	outcomeCaptured       = "captured"
	outcomeAmountMismatch = "amount_mismatch"
	outcomeReconciliation = "reconciliation_failure"
)

var errOrderSettled = errors.New("order already settled")

// InitiatePurchase records a Pending order at the catalog price and asks the gateway for
// an approval handle. Owned items never reach the gateway.
func (s *Service) InitiatePurchase(ctx context.Context, req domain.InitiatePurchaseRequest) (*domain.InitiatePurchaseResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		return nil, domain.ErrInvalidItem
	}

	method := req.PaymentMethod
	if method == "" && s.gateways != nil {
		method = purchasedomain.PaymentMethod(s.gateways.DefaultProvider())
	}
	method, ok := purchasedomain.ParsePaymentMethod(string(method))
	if !ok {
		return nil, domain.ErrInvalidPaymentMethod
	}
	if method == purchasedomain.PaymentMethodDirect && !s.payment.AllowDirect {
		return nil, domain.ErrInvalidPaymentMethod
	}

	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrNotFound) {
			return nil, domain.ErrItemNotFound
		}
		return nil, err
	}
	if !item.Active {
		return nil, domain.ErrItemNotFound
	}

	owned, err := s.repo.Find(ctx, s.db, userID, itemID)
	if err != nil {
		return nil, err
	}
	if owned != nil {
		s.metrics.RecordPurchaseInitiated(ctx, string(method), outcomeAlreadyOwned)
		return nil, domain.ErrAlreadyOwned
	}

	var gateway paymentdomain.Gateway
	if method.UsesGateway() {
		if s.gateways == nil {
			return nil, domain.ErrInvalidPaymentMethod
		}
		gateway, err = s.gateways.Gateway(string(method))
		if err != nil {
			if errors.Is(err, paymentdomain.ErrProviderNotFound) || errors.Is(err, paymentdomain.ErrInvalidProvider) {
				return nil, domain.ErrInvalidPaymentMethod
			}
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	order := &purchasedomain.Order{
		ID:            s.genID.Generate(),
		UserID:        userID,
		ItemID:        itemID,
		Amount:        item.Price,
		Currency:      money.NormalizeCurrency(item.Currency),
		Status:        purchasedomain.OrderStatusPending,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if gateway != nil {
		order.Provider = gateway.Provider()
	}
	if err := s.orderRepo.Insert(ctx, s.db, order); err != nil {
		return nil, err
	}

	log := s.orderLogger(ctx, order, "")
	log.Info("purchase initiated",
		zap.String("payment_method", string(method)),
		zap.Int64("amount", order.Amount),
		zap.String("currency", order.Currency),
	)
	s.audit(ctx, "purchase.initiated", order, nil)

	if gateway == nil {
		s.metrics.RecordPurchaseInitiated(ctx, string(method), outcomeCreated)
		return &domain.InitiatePurchaseResult{OrderID: order.ID, Status: purchasedomain.OrderStatusPending}, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, s.payment.CreateTimeout)
	defer cancel()

	created, err := gateway.CreateOrder(createCtx, paymentdomain.CreateOrderRequest{
		Amount:         order.Price(),
		Description:    item.Title,
		Metadata:       paymentdomain.OrderMetadata{OrderID: order.ID, ItemID: order.ItemID},
		IdempotencyKey: order.ID.String(),
	})
	if err != nil {
		switch {
		case errors.Is(err, paymentdomain.ErrGatewayTimeout):
			// The provider may still create the order; the reconciler picks it up.
			log.Warn("gateway create timed out, order left pending", zap.Error(err))
			s.metrics.RecordGatewayCall(ctx, order.Provider, "create_order", "timeout")
			s.metrics.RecordPurchaseInitiated(ctx, string(method), outcomePending)
			return &domain.InitiatePurchaseResult{
				OrderID:   order.ID,
				Status:    purchasedomain.OrderStatusPending,
				Retryable: true,
			}, nil
		case errors.Is(err, paymentdomain.ErrGatewayTransient):
			return nil, s.failInitiate(ctx, log, order, purchasedomain.FailureGatewayTransient, err)
		default:
			return nil, s.failInitiate(ctx, log, order, purchasedomain.FailureGatewayFatal, err)
		}
	}

	s.metrics.RecordGatewayCall(ctx, order.Provider, "create_order", "ok")
	if ref := strings.TrimSpace(created.ExternalOrderID); ref != "" {
		if err := s.orderRepo.SetExternalRef(ctx, s.db, order.ID, ref, s.clock.Now().UTC()); err != nil {
			return nil, err
		}
		order.ExternalRef = &ref
	}

	s.orderLogger(ctx, order, "").Info("gateway order created")
	s.metrics.RecordPurchaseInitiated(ctx, string(method), outcomeCreated)
	return &domain.InitiatePurchaseResult{
		OrderID:        order.ID,
		ApprovalHandle: created.ApprovalURL,
		Status:         purchasedomain.OrderStatusPending,
	}, nil
}

func (s *Service) failInitiate(ctx context.Context, log *zap.Logger, order *purchasedomain.Order, reason string, cause error) error {
	if _, err := s.orderRepo.MarkFailed(ctx, s.db, order.ID, reason, s.clock.Now().UTC()); err != nil {
		log.Error("mark order failed", zap.Error(err))
	}
	log.Warn("gateway create failed", zap.String("failure_reason", reason), zap.Error(cause))
	s.metrics.RecordGatewayCall(ctx, order.Provider, "create_order", reason)
	s.metrics.RecordPurchaseInitiated(ctx, string(order.PaymentMethod), outcomeFailed)
	s.audit(ctx, "purchase.failed", order, map[string]any{
		"failure_reason": reason,
		"error":          cause.Error(),
	})
	return fmt.Errorf("create gateway order: %w", cause)
}

// CompletePurchase turns a confirmed payment into an entitlement. Calling it again for the
// same order, or for an item the user already owns, reports AlreadyOwned without side effects.
func (s *Service) CompletePurchase(ctx context.Context, req domain.CompletePurchaseRequest) (*domain.CompletePurchaseResult, error) {
	if req.OrderID == 0 {
		return nil, domain.ErrInvalidOrder
	}
	order, err := s.orderRepo.FindByID(ctx, s.db, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	gatewayRef := strings.TrimSpace(req.GatewayRef)
	if existing := order.GatewayRef(); existing != "" && gatewayRef != "" && existing != gatewayRef {
		s.orderLogger(ctx, order, gatewayRef).Warn("gateway ref does not match order", zap.String("stored_ref", existing))
		return nil, domain.ErrOrderNotFound
	}
	log := s.orderLogger(ctx, order, gatewayRef)

	currency := req.Currency
	if strings.TrimSpace(currency) == "" {
		currency = order.Currency
	}
	paid := money.New(req.PaidAmount, currency)
	cmp, cmpErr := paid.Compare(order.Price())
	if cmpErr != nil || cmp < 0 {
		if order.Status == purchasedomain.OrderStatusPending {
			if _, err := s.orderRepo.MarkFailed(ctx, s.db, order.ID, purchasedomain.FailureAmountMismatch, s.clock.Now().UTC()); err != nil {
				return nil, err
			}
		}
		log.Warn("paid amount does not cover order price",
			zap.Int64("paid_amount", paid.Amount),
			zap.String("paid_currency", paid.Currency),
			zap.Int64("amount", order.Amount),
			zap.String("currency", order.Currency),
		)
		s.audit(ctx, "purchase.amount_mismatch", order, map[string]any{
			"paid_amount":   paid.Amount,
			"paid_currency": paid.Currency,
		})
		s.metrics.RecordPurchaseCompleted(ctx, outcomeAmountMismatch)
		return nil, fmt.Errorf("%w: paid %s for %s", domain.ErrAmountMismatch, paid.String(), order.Price().String())
	}
	if cmp > 0 {
		log.Warn("overpayment accepted", zap.Int64("paid_amount", paid.Amount), zap.Int64("amount", order.Amount))
	}

	owned, err := s.repo.Find(ctx, s.db, order.UserID, order.ItemID)
	if err != nil {
		return nil, err
	}
	if owned != nil {
		s.markAlreadyOwned(ctx, log, order, owned, paid)
		s.metrics.RecordPurchaseCompleted(ctx, outcomeAlreadyOwned)
		return &domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, nil
	}

	now := s.clock.Now().UTC()
	var transitioned bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if transitioned, err = s.orderRepo.MarkCaptured(ctx, tx, order.ID, now); err != nil {
			return err
		}
		if !transitioned {
			current, err := s.orderRepo.FindByID(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if current == nil || current.Status != purchasedomain.OrderStatusCaptured {
				return errOrderSettled
			}
		}
		if _, err := s.orderRepo.InsertLine(ctx, tx, &purchasedomain.OrderLine{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			ItemID:    order.ItemID,
			UnitPrice: order.Amount,
			Currency:  order.Currency,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if order.ExternalRef == nil && gatewayRef != "" {
			if err := s.orderRepo.SetExternalRef(ctx, tx, order.ID, gatewayRef, now); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errOrderSettled) {
		// Another caller settled this order as a duplicate while we were reading.
		s.metrics.RecordPurchaseCompleted(ctx, outcomeAlreadyOwned)
		return &domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if order.ExternalRef == nil && gatewayRef != "" {
		order.ExternalRef = &gatewayRef
	}
	order.Status = purchasedomain.OrderStatusCaptured
	if transitioned {
		order.CapturedAt = &now
		log.Info("payment captured", zap.Int64("paid_amount", paid.Amount))
		s.audit(ctx, "purchase.captured", order, map[string]any{"paid_amount": paid.Amount})
	}

	granted, err := s.grant(ctx, log, order)
	if err != nil {
		s.metrics.RecordPurchaseCompleted(ctx, outcomeReconciliation)
		return nil, err
	}
	if !granted {
		s.metrics.RecordPurchaseCompleted(ctx, outcomeAlreadyOwned)
		return &domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, nil
	}

	s.metrics.RecordPurchaseCompleted(ctx, outcomeCaptured)
	return &domain.CompletePurchaseResult{Success: true}, nil
}

// markAlreadyOwned settles a payment for an item another order already unlocked. The money
// was taken, so the order is flagged for a manual refund instead of being failed.
func (s *Service) markAlreadyOwned(ctx context.Context, log *zap.Logger, order *purchasedomain.Order, holder *domain.Entitlement, paid money.Money) {
	if holder.OrderID != nil && *holder.OrderID == order.ID {
		return
	}
	switch order.Status {
	case purchasedomain.OrderStatusPending, purchasedomain.OrderStatusFailed:
	case purchasedomain.OrderStatusCaptured:
		// Only demote a capture when the entitlement provably belongs to another order.
		if holder.OrderID == nil {
			return
		}
	default:
		return
	}
	updated, err := s.orderRepo.MarkAlreadyOwned(ctx, s.db, order.ID, s.clock.Now().UTC())
	if err != nil {
		log.Error("mark order already owned", zap.Error(err))
		return
	}
	if !updated {
		return
	}
	order.Status = purchasedomain.OrderStatusAlreadyOwned
	log.Warn("item already owned, refund required", zap.Int64("paid_amount", paid.Amount))
	s.audit(ctx, "purchase.already_owned", order, map[string]any{
		"paid_amount":     paid.Amount,
		"refund_required": true,
	})
}

// grant writes the entitlement with bounded retries. It reports false when another order
// already holds the entitlement.
func (s *Service) grant(ctx context.Context, log *zap.Logger, order *purchasedomain.Order) (bool, error) {
	policy := s.policy.Get()
	attempts := policy.GrantMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.GrantRetryDelay()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		orderID := order.ID
		inserted, err := s.repo.Grant(ctx, s.db, &domain.Entitlement{
			ID:        s.genID.Generate(),
			UserID:    order.UserID,
			ItemID:    order.ItemID,
			OrderID:   &orderID,
			GrantedAt: s.clock.Now().UTC(),
		})
		if err == nil {
			if !inserted {
				s.reconcile.IncGrantAttempt(obsmetrics.GrantOutcomeAlreadyOwned)
				s.settleLostGrant(ctx, log, order)
				return false, nil
			}
			s.reconcile.IncGrantAttempt(obsmetrics.GrantOutcomeGranted)
			if resolved, err := s.repo.ResolveIssues(ctx, s.db, order.ID, s.clock.Now().UTC()); err != nil {
				log.Warn("resolve reconciliation issues", zap.Error(err))
			} else if resolved > 0 {
				log.Info("reconciliation issues resolved", zap.Int64("count", resolved))
			}
			log.Info("entitlement granted", zap.Int("attempt", attempt))
			s.audit(ctx, "entitlement.granted", order, map[string]any{"attempt": attempt})
			return true, nil
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		s.reconcile.IncGrantAttempt(obsmetrics.GrantOutcomeRetry)
		log.Warn("entitlement grant failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, delay); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	s.reconcile.IncGrantAttempt(obsmetrics.GrantOutcomeExhausted)
	return false, s.recordReconciliationFailure(ctx, log, order, lastErr, attempts)
}

// settleLostGrant handles a capture that raced another order for the same user and item:
// the entitlement belongs to the winner, so this order is moved to AlreadyOwned.
func (s *Service) settleLostGrant(ctx context.Context, log *zap.Logger, order *purchasedomain.Order) {
	holder, err := s.repo.Find(ctx, s.db, order.UserID, order.ItemID)
	if err != nil {
		log.Error("load entitlement holder", zap.Error(err))
		return
	}
	if holder == nil || holder.OrderID == nil || *holder.OrderID == order.ID {
		return
	}
	updated, err := s.orderRepo.MarkAlreadyOwned(ctx, s.db, order.ID, s.clock.Now().UTC())
	if err != nil {
		log.Error("mark order already owned", zap.Error(err))
		return
	}
	if updated {
		order.Status = purchasedomain.OrderStatusAlreadyOwned
	}
	log.Warn("duplicate capture, refund required", zap.String("entitled_order_id", holder.OrderID.String()))
	s.audit(ctx, "purchase.duplicate_capture", order, map[string]any{
		"entitled_order_id": holder.OrderID.String(),
		"refund_required":   true,
	})
}

// recordReconciliationFailure persists a paid-but-not-entitled order so it cannot be lost.
func (s *Service) recordReconciliationFailure(ctx context.Context, log *zap.Logger, order *purchasedomain.Order, cause error, attempts int) error {
	causeText := "unknown"
	if cause != nil {
		causeText = cause.Error()
	}
	detail, _ := json.Marshal(map[string]any{
		"attempts": attempts,
		"amount":   order.Amount,
		"currency": order.Currency,
	})
	issue := &domain.ReconciliationIssue{
		ID:         s.genID.Generate(),
		OrderID:    order.ID,
		UserID:     order.UserID,
		ItemID:     order.ItemID,
		GatewayRef: order.GatewayRef(),
		Stage:      domain.IssueStageGrant,
		Error:      causeText,
		Detail:     datatypes.JSON(detail),
		CreatedAt:  s.clock.Now().UTC(),
	}
	// The issue must outlive a cancelled request.
	if err := s.repo.InsertIssue(context.WithoutCancel(ctx), s.db, issue); err != nil {
		log.Error("record reconciliation issue", zap.Error(err))
	}

	log.Error("reconciliation failure: payment captured without entitlement",
		zap.String("severity", "critical"),
		zap.String("stage", string(domain.IssueStageGrant)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	s.reconcile.IncReconciliationFailure(string(domain.IssueStageGrant))
	s.audit(ctx, "entitlement.reconciliation_failure", order, map[string]any{
		"issue_id": issue.ID.String(),
		"error":    causeText,
	})
	return fmt.Errorf("%w: order %s: %v", domain.ErrReconciliationFailure, order.ID, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
