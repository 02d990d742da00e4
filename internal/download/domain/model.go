package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Event is one download of one item. Rows are counters, never an authorization gate.
type Event struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID       string       `json:"user_id" gorm:"size:191;not null"`
	ItemID       string       `json:"item_id" gorm:"size:191;not null;index:ix_download_events_item"`
	DownloadedAt time.Time    `json:"downloaded_at" gorm:"not null"`
}

func (Event) TableName() string { return "download_events" }

type ItemCount struct {
	ItemID    string `json:"item_id"`
	Title     string `json:"title"`
	Downloads int64  `json:"downloads"`
}

type Analytics struct {
	TotalDownloads int64       `json:"total_downloads"`
	TotalBooks     int64       `json:"total_books"`
	TopItems       []ItemCount `json:"top_items"`
	GeneratedAt    time.Time   `json:"generated_at"`
}
