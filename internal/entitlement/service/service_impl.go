package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookshelf/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"github.com/smallbiznis/bookshelf/internal/trial"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Cfg              config.Config
	Policy           *config.StorefrontPolicyHolder
	Repo             domain.Repository
	OrderRepo        purchasedomain.Repository
	Catalog          catalogdomain.Service
	Gateways         paymentdomain.GatewayResolver
	Trial            *trial.Issuer                `optional:"true"`
	AuditSvc         auditdomain.Service          `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
	ReconcileMetrics *obsmetrics.ReconcileMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	payment   config.PaymentConfig
	policy    *config.StorefrontPolicyHolder
	repo      domain.Repository
	orderRepo purchasedomain.Repository
	catalog   catalogdomain.Service
	gateways  paymentdomain.GatewayResolver
	trial     *trial.Issuer
	auditSvc  auditdomain.Service
	metrics   *obsmetrics.Metrics
	reconcile *obsmetrics.ReconcileMetrics
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("entitlement.service"),
		genID:     p.GenID,
		clock:     clk,
		payment:   p.Cfg.Payment,
		policy:    p.Policy,
		repo:      p.Repo,
		orderRepo: p.OrderRepo,
		catalog:   p.Catalog,
		gateways:  p.Gateways,
		trial:     p.Trial,
		auditSvc:  p.AuditSvc,
		metrics:   p.ObsMetrics,
		reconcile: p.ReconcileMetrics,
	}
}

var _ domain.Service = (*Service)(nil)

// CanDownload answers from local state only: trial evidence first, then the entitlement row.
func (s *Service) CanDownload(ctx context.Context, req domain.CanDownloadRequest) (domain.Decision, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Decision{}, domain.ErrInvalidUser
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		return domain.Decision{}, domain.ErrInvalidItem
	}

	if s.trialActive(userID, req.Trial) {
		return domain.Decision{Authorized: true, Reason: domain.ReasonTrial}, nil
	}

	ent, err := s.repo.Find(ctx, s.db, userID, itemID)
	if err != nil {
		return domain.Decision{}, err
	}
	if ent != nil {
		return domain.Decision{Authorized: true, Reason: domain.ReasonPurchased}, nil
	}
	return domain.Decision{Authorized: false, Reason: domain.ReasonPurchaseRequired}, nil
}

// trialActive treats trial evidence as advisory. A token that fails verification is no
// evidence at all rather than an error.
func (s *Service) trialActive(userID string, evidence *domain.TrialEvidence) bool {
	if evidence == nil {
		return false
	}
	now := s.clock.Now()
	if evidence.StartedAt != nil {
		window := trial.NewWindow(*evidence.StartedAt, s.policy.Get().TrialDuration())
		if window.Active(now) {
			return true
		}
	}
	if evidence.Token != "" && s.trial != nil {
		window, err := s.trial.Verify(evidence.Token, userID)
		if err == nil && window.Active(now) {
			return true
		}
	}
	return false
}

func (s *Service) GetOrder(ctx context.Context, orderID snowflake.ID) (*purchasedomain.Order, error) {
	if orderID == 0 {
		return nil, domain.ErrInvalidOrder
	}
	order, err := s.orderRepo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the user's most recent orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string, limit int) ([]purchasedomain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	orders, err := s.orderRepo.ListByUser(ctx, s.db, userID, limit)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []purchasedomain.Order{}
	}
	return orders, nil
}

func (s *Service) ListLibrary(ctx context.Context, userID string) ([]domain.LibraryEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	ents, err := s.repo.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return []domain.LibraryEntry{}, nil
	}

	ids := make([]string, 0, len(ents))
	for _, ent := range ents {
		ids = append(ids, ent.ItemID)
	}
	items, err := s.catalog.GetItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.LibraryEntry, 0, len(ents))
	for _, ent := range ents {
		entry := domain.LibraryEntry{ItemID: ent.ItemID, GrantedAt: ent.GrantedAt}
		// Owned items stay in the library even if the catalog later hides them.
		if item, ok := items[ent.ItemID]; ok {
			entry.Title = item.Title
			entry.Author = item.Author
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Service) ListIssues(ctx context.Context, filter domain.IssueFilter) ([]domain.ReconciliationIssue, error) {
	return s.repo.ListIssues(ctx, s.db, filter)
}

func (s *Service) orderLogger(ctx context.Context, order *purchasedomain.Order, gatewayRef string) *zap.Logger {
	if gatewayRef == "" {
		gatewayRef = order.GatewayRef()
	}
	base := s.log.With(zap.String("request_id", obscontext.RequestIDFromContext(ctx)))
	return logger.WithOrder(base, order.ID.String(), order.UserID, order.ItemID, gatewayRef)
}

func (s *Service) audit(ctx context.Context, action string, order *purchasedomain.Order, metadata map[string]any) {
	if s.auditSvc == nil || order == nil {
		return
	}
	payload := map[string]any{
		"order_id":       order.ID.String(),
		"item_id":        order.ItemID,
		"amount":         order.Amount,
		"currency":       order.Currency,
		"payment_method": string(order.PaymentMethod),
	}
	if ref := order.GatewayRef(); ref != "" {
		payload["gateway_ref"] = ref
	}
	for key, value := range metadata {
		payload[key] = value
	}

	actorType := auditdomain.ActorTypeSystem
	if userID, ok := obscontext.UserIDFromContext(ctx); ok && userID == order.UserID {
		actorType = auditdomain.ActorTypeUser
	}
	// Audit writes never fail a monetary operation; the service logs its own failures.
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    order.UserID,
		Action:     action,
		TargetType: "order",
		TargetID:   order.ID.String(),
		Metadata:   payload,
	})
}
