package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const orderColumns = `id, user_id, item_id, amount, currency, status, payment_method, provider,
	external_ref, failure_reason, captured_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.UserID,
		order.ItemID,
		order.Amount,
		order.Currency,
		order.Status,
		order.PaymentMethod,
		order.Provider,
		order.ExternalRef,
		order.FailureReason,
		order.CapturedAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, provider, externalRef string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders
		 WHERE provider = ? AND external_ref = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		provider,
		externalRef,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SetExternalRef(ctx context.Context, db *gorm.DB, id snowflake.ID, externalRef string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders SET external_ref = ?, updated_at = ? WHERE id = ?`,
		externalRef,
		now,
		id,
	).Error
}

// MarkCaptured accepts Pending and Failed orders; a late capture of a failed order still wins.
func (r *repo) MarkCaptured(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, captured_at = ?, failure_reason = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.OrderStatusCaptured,
		now,
		now,
		id,
		domain.OrderStatusPending,
		domain.OrderStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.OrderStatusFailed,
		reason,
		now,
		id,
		domain.OrderStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkAlreadyOwned also accepts Captured so an order that lost the entitlement race to
// another order of the same user and item stops counting as a capture.
func (r *repo) MarkAlreadyOwned(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		domain.OrderStatusAlreadyOwned,
		now,
		id,
		domain.OrderStatusPending,
		domain.OrderStatusFailed,
		domain.OrderStatusCaptured,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertLine(ctx context.Context, db *gorm.DB, line *domain.OrderLine) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).
		Create(line)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindLine(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.OrderLine, error) {
	var line domain.OrderLine
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, item_id, unit_price, currency, created_at
		 FROM order_lines WHERE order_id = ?`,
		orderID,
	).Scan(&line).Error
	if err != nil {
		return nil, err
	}
	if line.ID == 0 {
		return nil, nil
	}
	return &line, nil
}

// ListStalePending returns the oldest pending orders first. When LockForUpdate is set the rows
// are claimed with SKIP LOCKED so concurrent reconcilers never poll the same order; sqlite has
// no row locks and ignores the flag.
func (r *repo) ListStalePending(ctx context.Context, db *gorm.DB, filter domain.StaleFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = ? AND created_at < ?`
	if filter.RequireRef {
		query += ` AND external_ref IS NOT NULL AND external_ref <> ''`
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	if filter.LockForUpdate && db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var items []domain.Order
	err := db.WithContext(ctx).Raw(
		query,
		domain.OrderStatusPending,
		filter.CreatedBefore,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListCapturedWithoutEntitlement(ctx context.Context, db *gorm.DB, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT o.id, o.user_id, o.item_id, o.amount, o.currency, o.status, o.payment_method, o.provider,
			o.external_ref, o.failure_reason, o.captured_at, o.created_at, o.updated_at
		 FROM orders o
		 LEFT JOIN entitlements e ON e.user_id = o.user_id AND e.item_id = o.item_id
		 WHERE o.status = ? AND e.id IS NULL
		 ORDER BY o.captured_at ASC
		 LIMIT ?`,
		domain.OrderStatusCaptured,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
