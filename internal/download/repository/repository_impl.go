package repository

import (
	"context"

	"github.com/smallbiznis/bookshelf/internal/download/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO download_events (id, user_id, item_id, downloaded_at)
		 VALUES (?, ?, ?, ?)`,
		event.ID,
		event.UserID,
		event.ItemID,
		event.DownloadedAt,
	).Error
}

func (r *repo) CountForItem(ctx context.Context, db *gorm.DB, itemID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM download_events WHERE item_id = ?`,
		itemID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountAll(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM download_events`).Scan(&count).Error
	return count, err
}

func (r *repo) TopItems(ctx context.Context, db *gorm.DB, limit int) ([]domain.ItemCount, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []domain.ItemCount
	err := db.WithContext(ctx).Raw(
		`SELECT item_id, COUNT(1) AS downloads
		 FROM download_events
		 GROUP BY item_id
		 ORDER BY downloads DESC, item_id ASC
		 LIMIT ?`,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
