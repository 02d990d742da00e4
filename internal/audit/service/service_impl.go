package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/mssola/useragent"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	"github.com/smallbiznis/bookshelf/internal/audit/masking"
	"github.com/smallbiznis/bookshelf/internal/clock"
	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"github.com/smallbiznis/bookshelf/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

// Record writes one audit row. Metadata is redacted and enriched with the caller's
// origin; the request id links the row to the request log line.
func (s *Service) Record(ctx context.Context, e auditdomain.Entry) error {
	action := strings.TrimSpace(e.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(e.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}
	actorType, actorID := s.resolveActor(ctx, e.ActorType, e.ActorID)

	client := obscontext.ClientFromContext(ctx)
	metadata := masking.Redact(e.Metadata)
	for key, value := range clientFields(client.UserAgent) {
		metadata[key] = value
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(actorType),
		ActorID:    optional(actorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   optional(e.TargetID),
		Metadata:   datatypes.JSONMap(metadata),
		IPAddress:  optional(client.IPAddress),
		UserAgent:  optional(client.UserAgent),
		RequestID:  optional(obscontext.RequestIDFromContext(ctx)),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

// clientFields summarizes the user agent so audit readers need not parse raw strings.
func clientFields(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	out := map[string]any{
		"client_os":     ua.OS(),
		"client_mobile": ua.Mobile(),
		"client_bot":    ua.Bot(),
	}
	if browser != "" {
		out["client_browser"] = strings.TrimSpace(browser + " " + version)
	}
	return out
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTimeRange
	}

	cursor, err := pagination.Decode(req.PageToken)
	if err != nil {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
	}

	limit := req.Size()
	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ActorType:  req.ActorType,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	logs, pageInfo := pagination.Trim(rows, limit, func(entry auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: entry.ID, CreatedAt: entry.CreatedAt}
	})
	if logs == nil {
		logs = []auditdomain.AuditLog{}
	}
	return auditdomain.ListResponse{AuditLogs: logs, PageInfo: pageInfo}, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType auditdomain.ActorType, actorID string) (auditdomain.ActorType, string) {
	actorID = strings.TrimSpace(actorID)
	if actorType != "" {
		return actorType, actorID
	}
	if userID, ok := obscontext.UserIDFromContext(ctx); ok {
		if actorID == "" {
			actorID = userID
		}
		return auditdomain.ActorTypeUser, actorID
	}
	return auditdomain.ActorTypeSystem, actorID
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
