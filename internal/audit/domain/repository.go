package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	// List returns up to filter.Limit+1 rows, newest first, so callers can tell whether a next page exists.
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}
