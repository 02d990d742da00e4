package domain

import (
	"context"
	"errors"
)

// Service is the read side of the catalog. Prices returned here are authoritative.
type Service interface {
	GetItem(ctx context.Context, id string) (Item, error)
	GetItems(ctx context.Context, ids []string) (map[string]Item, error)
	ListItems(ctx context.Context, req ListRequest) ([]Item, error)
	CountActive(ctx context.Context) (int64, error)
	DownloadName(item Item) string
}

type ListRequest struct {
	IncludeInactive bool
	FeaturedOnly    bool
	CategoryID      string
}

var (
	ErrNotFound  = errors.New("item_not_found")
	ErrInvalidID = errors.New("invalid_item_id")
)
