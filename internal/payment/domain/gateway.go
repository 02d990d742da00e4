package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/pkg/money"
)

type OrderMetadata struct {
	OrderID snowflake.ID
	ItemID  string
}

type CreateOrderRequest struct {
	Amount      money.Money
	Description string
	Metadata    OrderMetadata
	// IdempotencyKey makes retried creates return the same provider order.
	IdempotencyKey string
}

type CreateOrderResult struct {
	ExternalOrderID string
	ApprovalURL     string
}

type CaptureStatus string

const (
	CaptureStatusCaptured CaptureStatus = "captured"
	CaptureStatusPending  CaptureStatus = "pending"
	CaptureStatusFailed   CaptureStatus = "failed"
)

type CaptureResult struct {
	Status         CaptureStatus
	CapturedAmount money.Money
	CaptureID      string
}

//go:generate mockgen -source=gateway.go -destination=../mocks/mock_gateway.go -package=mocks

// Gateway is the only surface the entitlement engine sees of a payment provider.
type Gateway interface {
	Provider() string
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error)
	CaptureOrder(ctx context.Context, externalOrderID string) (*CaptureResult, error)
}

// WebhookAdapter verifies and normalizes provider webhooks.
type WebhookAdapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// ProviderAdapter is implemented by every configured provider.
type ProviderAdapter interface {
	Gateway
	WebhookAdapter
}

type GatewayResolver interface {
	Gateway(provider string) (Gateway, error)
	DefaultProvider() string
}
