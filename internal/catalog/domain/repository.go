package domain

import (
	"context"

	"gorm.io/gorm"
)

type ListFilter struct {
	ActiveOnly   bool
	FeaturedOnly bool
	CategoryID   string
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Item, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]Item, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Item, error)
	CountActive(ctx context.Context, db *gorm.DB) (int64, error)
}
