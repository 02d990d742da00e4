package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
)

// Service is the entitlement engine: the only writer of orders and entitlements.
type Service interface {
	CanDownload(ctx context.Context, req CanDownloadRequest) (Decision, error)
	InitiatePurchase(ctx context.Context, req InitiatePurchaseRequest) (*InitiatePurchaseResult, error)
	CompletePurchase(ctx context.Context, req CompletePurchaseRequest) (*CompletePurchaseResult, error)
	VerifyPurchase(ctx context.Context, orderID snowflake.ID) (*VerifyResult, error)
	CompleteByGatewayRef(ctx context.Context, req GatewayCompletion) (*CompletePurchaseResult, error)
	VerifyByGatewayRef(ctx context.Context, ref GatewayOrderRef) (*VerifyResult, error)
	RepairEntitlement(ctx context.Context, orderID snowflake.ID) (*CompletePurchaseResult, error)
	ExpireOrder(ctx context.Context, orderID snowflake.ID) (bool, error)

	GetOrder(ctx context.Context, orderID snowflake.ID) (*purchasedomain.Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]purchasedomain.Order, error)
	ListLibrary(ctx context.Context, userID string) ([]LibraryEntry, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]ReconciliationIssue, error)
}

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidItem           = errors.New("invalid_item")
	ErrInvalidOrder          = errors.New("invalid_order")
	ErrItemNotFound          = errors.New("item_not_found")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrAlreadyOwned          = errors.New("already_owned")
	ErrAmountMismatch        = errors.New("amount_mismatch")
	ErrInvalidPaymentMethod  = errors.New("invalid_payment_method")
	ErrOrderNotCaptured      = errors.New("order_not_captured")
	ErrReconciliationFailure = errors.New("reconciliation_failure")
)
