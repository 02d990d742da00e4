package domain

import (
	"time"

	"github.com/smallbiznis/bookshelf/pkg/money"
)

// Item is a purchasable e-book. Price is in minor units of Currency.
type Item struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Description   *string   `json:"description,omitempty"`
	Price         int64     `json:"price"`
	Currency      string    `json:"currency"`
	CoverImageURL *string   `json:"cover_image_url,omitempty"`
	FileURL       string    `json:"-"`
	CategoryID    *string   `json:"category_id,omitempty"`
	Active        bool      `json:"active" gorm:"not null;index:ix_items_active,priority:1"`
	Featured      bool      `json:"featured" gorm:"not null;index:ix_items_active,priority:2"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Item) TableName() string { return "items" }

func (i Item) PriceMoney() money.Money {
	return money.New(i.Price, i.Currency)
}
