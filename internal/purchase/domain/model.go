package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/pkg/money"
)

type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusCaptured     OrderStatus = "captured"
	OrderStatusFailed       OrderStatus = "failed"
	OrderStatusAlreadyOwned OrderStatus = "already_owned"
)

type PaymentMethod string

const (
	PaymentMethodPayPal PaymentMethod = "paypal"
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodDirect PaymentMethod = "direct"
)

// ParsePaymentMethod normalizes client input. Empty input returns ok=false.
func ParsePaymentMethod(value string) (PaymentMethod, bool) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(value))) {
	case PaymentMethodPayPal:
		return PaymentMethodPayPal, true
	case PaymentMethodStripe:
		return PaymentMethodStripe, true
	case PaymentMethodDirect:
		return PaymentMethodDirect, true
	default:
		return "", false
	}
}

// UsesGateway reports whether orders with this method are settled by an external provider.
func (m PaymentMethod) UsesGateway() bool {
	return m != PaymentMethodDirect
}

// Failure reasons recorded on orders.
const (
	FailureGatewayTransient = "gateway_transient"
	FailureGatewayFatal     = "gateway_fatal"
	FailureGatewayDeclined  = "gateway_declined"
	FailureAmountMismatch   = "amount_mismatch"
	FailureExpired          = "expired"
)

type Order struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID        string        `json:"user_id" gorm:"size:191;not null;index:ix_orders_user"`
	ItemID        string        `json:"item_id" gorm:"size:191;not null"`
	Amount        int64         `json:"amount" gorm:"not null"`
	Currency      string        `json:"currency" gorm:"size:3;not null"`
	Status        OrderStatus   `json:"status" gorm:"size:32;not null;index:ix_orders_status_created,priority:1"`
	PaymentMethod PaymentMethod `json:"payment_method" gorm:"size:32;not null"`
	Provider      string        `json:"provider" gorm:"size:32;not null;default:''"`
	ExternalRef   *string       `json:"external_ref,omitempty" gorm:"size:191;index:ix_orders_external_ref"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	CapturedAt    *time.Time    `json:"captured_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null;index:ix_orders_status_created,priority:2"`
	UpdatedAt     time.Time     `json:"updated_at" gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

func (o Order) Price() money.Money {
	return money.New(o.Amount, o.Currency)
}

func (o Order) GatewayRef() string {
	if o.ExternalRef == nil {
		return ""
	}
	return *o.ExternalRef
}

// OrderLine is 1:1 with Order today; the table allows multi-item orders later.
type OrderLine struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID   snowflake.ID `json:"order_id" gorm:"not null;uniqueIndex:ux_order_lines_order"`
	ItemID    string       `json:"item_id" gorm:"size:191;not null"`
	UnitPrice int64        `json:"unit_price" gorm:"not null"`
	Currency  string       `json:"currency" gorm:"size:3;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (OrderLine) TableName() string { return "order_lines" }
