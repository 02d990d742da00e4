package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the purchase ledger. Orders are never deleted; status moves only forward
// except for late capture of a Failed order and a Captured order losing the entitlement
// to another order for the same item.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, provider, externalRef string) (*Order, error)
	SetExternalRef(ctx context.Context, db *gorm.DB, id snowflake.ID, externalRef string, now time.Time) error
	MarkCaptured(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error)
	MarkAlreadyOwned(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	InsertLine(ctx context.Context, db *gorm.DB, line *OrderLine) (bool, error)
	FindLine(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*OrderLine, error)
	ListStalePending(ctx context.Context, db *gorm.DB, filter StaleFilter) ([]Order, error)
	ListCapturedWithoutEntitlement(ctx context.Context, db *gorm.DB, limit int) ([]Order, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]Order, error)
}

type StaleFilter struct {
	CreatedBefore time.Time
	RequireRef    bool
	Limit         int
	LockForUpdate bool
}

var (
	ErrOrderNotFound = errors.New("order_not_found")
)
