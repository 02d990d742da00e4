package repository

import (
	"context"

	"github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"gorm.io/gorm"
)

const itemColumns = `id, title, author, description, price, currency, cover_image_url, file_url,
	category_id, active, featured, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Item, error) {
	var item domain.Item
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+` FROM items WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Item
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+` FROM items WHERE id IN ?`,
		ids,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Item, error) {
	stmt := db.WithContext(ctx).Model(&domain.Item{})
	if filter.ActiveOnly {
		stmt = stmt.Where("active = ?", true)
	}
	if filter.FeaturedOnly {
		stmt = stmt.Where("featured = ?", true)
	}
	if filter.CategoryID != "" {
		stmt = stmt.Where("category_id = ?", filter.CategoryID)
	}

	var items []domain.Item
	if err := stmt.Order("featured DESC").Order("title ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM items WHERE active = ?`, true).Scan(&count).Error
	return count, err
}
