package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/pkg/db/pagination"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeUser    ActorType = "user"
	ActorTypeSystem  ActorType = "system"
	ActorTypeWebhook ActorType = "webhook"
)

type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorType  string            `json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type" gorm:"size:64;index:ix_audit_logs_target,priority:1"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"size:191;index:ix_audit_logs_target,priority:2"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	IPAddress  *string           `json:"ip_address,omitempty"`
	UserAgent  *string           `json:"user_agent,omitempty"`
	RequestID  *string           `json:"request_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *pagination.Cursor
	Limit      int
}
