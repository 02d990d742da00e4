package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"gorm.io/datatypes"
)

// Entitlement is the single authorization gate for a (user, item) pair. It is never deleted.
type Entitlement struct {
	ID        snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID    string        `json:"user_id" gorm:"size:191;not null;uniqueIndex:ux_entitlements_user_item,priority:1"`
	ItemID    string        `json:"item_id" gorm:"size:191;not null;uniqueIndex:ux_entitlements_user_item,priority:2"`
	OrderID   *snowflake.ID `json:"order_id,omitempty"`
	GrantedAt time.Time     `json:"granted_at" gorm:"not null"`
}

func (Entitlement) TableName() string { return "entitlements" }

type Reason string

const (
	ReasonTrial            Reason = "trial"
	ReasonPurchased        Reason = "purchased"
	ReasonPurchaseRequired Reason = "purchase_required"
)

type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     Reason `json:"reason"`
}

// TrialEvidence is what a caller may present for blanket trial access. Either field may be empty.
type TrialEvidence struct {
	StartedAt *time.Time
	Token     string
}

type CanDownloadRequest struct {
	UserID string
	ItemID string
	Trial  *TrialEvidence
}

type InitiatePurchaseRequest struct {
	UserID        string
	ItemID        string
	PaymentMethod purchasedomain.PaymentMethod
}

type InitiatePurchaseResult struct {
	OrderID        snowflake.ID               `json:"order_id"`
	ApprovalHandle string                     `json:"approval_url,omitempty"`
	Status         purchasedomain.OrderStatus `json:"status"`
	Retryable      bool                       `json:"retryable,omitempty"`
}

type CompletePurchaseRequest struct {
	OrderID    snowflake.ID
	GatewayRef string
	PaidAmount int64
	Currency   string
}

type CompletePurchaseResult struct {
	Success      bool `json:"success"`
	AlreadyOwned bool `json:"already_owned"`
}

// GatewayOrderRef locates an order from provider-side identifiers. OrderID is the id we
// echoed through provider metadata and is used when the external ref is not stored yet.
type GatewayOrderRef struct {
	Provider   string
	GatewayRef string
	OrderID    *snowflake.ID
}

type GatewayCompletion struct {
	GatewayOrderRef
	PaidAmount int64
	Currency   string
}

type VerifyResult struct {
	Status       purchasedomain.OrderStatus `json:"status"`
	Success      bool                       `json:"success"`
	AlreadyOwned bool                       `json:"already_owned"`
	Retryable    bool                       `json:"retryable,omitempty"`
}

type LibraryEntry struct {
	ItemID    string    `json:"item_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	GrantedAt time.Time `json:"granted_at"`
}

type IssueStage string

const (
	IssueStageGrant IssueStage = "entitlement_grant"
)

// ReconciliationIssue is an order that was paid for but whose entitlement could not be written.
type ReconciliationIssue struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderID    snowflake.ID   `json:"order_id" gorm:"not null"`
	UserID     string         `json:"user_id" gorm:"size:191;not null"`
	ItemID     string         `json:"item_id" gorm:"size:191;not null"`
	GatewayRef string         `json:"gateway_ref" gorm:"size:191;not null;default:''"`
	Stage      IssueStage     `json:"stage" gorm:"size:64;not null"`
	Error      string         `json:"error" gorm:"not null"`
	Detail     datatypes.JSON `json:"detail"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" gorm:"index:ix_reconciliation_issues_open,priority:1"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null;index:ix_reconciliation_issues_open,priority:2"`
}

func (ReconciliationIssue) TableName() string { return "reconciliation_issues" }
