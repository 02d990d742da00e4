package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, userID, itemID string) (*Entitlement, error)
	// Grant is an insert-or-ignore on (user_id, item_id). It reports false when a row already existed.
	Grant(ctx context.Context, db *gorm.DB, ent *Entitlement) (bool, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]Entitlement, error)
	CountForUserItem(ctx context.Context, db *gorm.DB, userID, itemID string) (int64, error)

	InsertIssue(ctx context.Context, db *gorm.DB, issue *ReconciliationIssue) error
	ResolveIssues(ctx context.Context, db *gorm.DB, orderID snowflake.ID, now time.Time) (int64, error)
	ListIssues(ctx context.Context, db *gorm.DB, filter IssueFilter) ([]ReconciliationIssue, error)
}

type IssueFilter struct {
	OpenOnly bool
	Limit    int
}
