package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	CountForItem(ctx context.Context, db *gorm.DB, itemID string) (int64, error)
	CountAll(ctx context.Context, db *gorm.DB) (int64, error)
	TopItems(ctx context.Context, db *gorm.DB, limit int) ([]ItemCount, error)
}
