package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is a received provider webhook. (provider, provider_event_id) is unique.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"size:32;not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"size:191;not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"size:128;not null"`
	ExternalRef     string         `json:"external_ref" gorm:"size:191;not null;default:''"`
	OrderID         *snowflake.ID  `json:"order_id"`
	Amount          int64          `json:"amount"`
	Currency        string         `json:"currency"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	// EventTypeCaptureCompleted carries the captured amount; it completes the purchase.
	EventTypeCaptureCompleted = "capture_completed"
	// EventTypeOrderApproved means the buyer approved but nothing is captured yet.
	EventTypeOrderApproved = "order_approved"
	EventTypePaymentFailed = "payment_failed"
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	// ExternalRef is the provider order (PayPal order id, Stripe payment intent id).
	ExternalRef string
	// OrderID is our order id echoed back through provider metadata, when present.
	OrderID    *snowflake.ID
	ItemID     string
	Amount     int64
	Currency   string
	OccurredAt time.Time
	RawPayload []byte
}
