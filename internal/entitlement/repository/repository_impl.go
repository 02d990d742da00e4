package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID, itemID string) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, item_id, order_id, granted_at
		 FROM entitlements
		 WHERE user_id = ? AND item_id = ?
		 LIMIT 1`,
		userID,
		itemID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Grant(ctx context.Context, db *gorm.DB, ent *domain.Entitlement) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "item_id"}},
			DoNothing: true,
		}).
		Create(ent)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, item_id, order_id, granted_at
		 FROM entitlements
		 WHERE user_id = ?
		 ORDER BY granted_at DESC`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountForUserItem(ctx context.Context, db *gorm.DB, userID, itemID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM entitlements WHERE user_id = ? AND item_id = ?`,
		userID,
		itemID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertIssue(ctx context.Context, db *gorm.DB, issue *domain.ReconciliationIssue) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_issues (
			id, order_id, user_id, item_id, gateway_ref, stage, error, detail, resolved_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID,
		issue.OrderID,
		issue.UserID,
		issue.ItemID,
		issue.GatewayRef,
		issue.Stage,
		issue.Error,
		issue.Detail,
		issue.ResolvedAt,
		issue.CreatedAt,
	).Error
}

func (r *repo) ResolveIssues(ctx context.Context, db *gorm.DB, orderID snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE reconciliation_issues
		 SET resolved_at = ?
		 WHERE order_id = ? AND resolved_at IS NULL`,
		now,
		orderID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListIssues(ctx context.Context, db *gorm.DB, filter domain.IssueFilter) ([]domain.ReconciliationIssue, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	stmt := db.WithContext(ctx).Model(&domain.ReconciliationIssue{})
	if filter.OpenOnly {
		stmt = stmt.Where("resolved_at IS NULL")
	}
	var items []domain.ReconciliationIssue
	if err := stmt.Order("created_at DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
