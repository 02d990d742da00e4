package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/bookshelf/pkg/db/pagination"
)

// Entry is one auditable event. An empty ActorType is resolved from the request context
// (the authenticated user, otherwise the system).
type Entry struct {
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListResponse struct {
	AuditLogs []AuditLog
	PageInfo  pagination.PageInfo
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
