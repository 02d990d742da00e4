package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	RoleAdmin    = "admin"
	RoleSupport  = "support"
	RoleCustomer = "customer"
)

const (
	ObjectAnalytics      = "analytics"
	ObjectReconciliation = "reconciliation"
	ObjectAuditLog       = "audit_log"
	ObjectOrder          = "order"
)

const (
	ActionAnalyticsView = "analytics.view"

	ActionReconciliationView = "reconciliation.view"
	ActionReconciliationRun  = "reconciliation.run"
	ActionEntitlementRepair  = "entitlement.repair"

	ActionAuditLogView = "audit_log.view"

	ActionOrderViewAny = "order.view_any"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	userID := strings.TrimSpace(actor.UserID)
	if userID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == "" {
		role = RoleCustomer
	}
	subject := fmt.Sprintf("user:%s", userID)
	if err := s.ensureGrouping(subject, fmt.Sprintf("role:%s", role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDecision(ctx, userID, "authorization.denied", object, action, role)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditDecision(ctx, userID, "authorization.granted", object, action, role)
	}
	return nil
}

// ensureGrouping keeps exactly one role link per subject so a role change in the
// token takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDecision(ctx context.Context, userID string, event string, object string, action string, role string) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    userID,
		Action:     event,
		TargetType: "authorization",
		TargetID:   object + ":" + action,
		Metadata:   map[string]any{"object": object, "action": action, "role": role},
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionReconciliationRun, ActionEntitlementRepair:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support staff can look but not act.
		{"role:support", ObjectAnalytics, ActionAnalyticsView},
		{"role:support", ObjectReconciliation, ActionReconciliationView},
		{"role:support", ObjectOrder, ActionOrderViewAny},

		{"role:admin", ObjectAnalytics, ActionAnalyticsView},
		{"role:admin", ObjectReconciliation, ActionReconciliationView},
		{"role:admin", ObjectReconciliation, ActionReconciliationRun},
		{"role:admin", ObjectReconciliation, ActionEntitlementRepair},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},
		{"role:admin", ObjectOrder, ActionOrderViewAny},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
