package migration

import (
	"fmt"

	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
	downloaddomain "github.com/smallbiznis/bookshelf/internal/download/domain"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"gorm.io/gorm"
)

// models mirrors 000001_init for dialects the embedded SQL does not target. The unique
// indexes carry the insert-or-ignore semantics of grants, order lines and webhook dedupe.
func models() []any {
	return []any{
		&catalogdomain.Item{},
		&purchasedomain.Order{},
		&purchasedomain.OrderLine{},
		&entitlementdomain.Entitlement{},
		&entitlementdomain.ReconciliationIssue{},
		&downloaddomain.Event{},
		&paymentdomain.EventRecord{},
		&auditdomain.AuditLog{},
	}
}

// AutoMigrate builds the schema from the gorm models. Used for sqlite and mysql.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
