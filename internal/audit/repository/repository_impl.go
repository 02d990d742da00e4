package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/bookshelf/internal/audit/domain"
	"gorm.io/gorm"
)

const auditColumns = `id, actor_type, actor_id, action, target_type, target_id,
	metadata, ip_address, user_agent, request_id, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ActorType,
		entry.ActorID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Metadata,
		entry.IPAddress,
		entry.UserAgent,
		entry.RequestID,
		entry.CreatedAt.UTC(),
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	eq := func(column, value string) {
		if value = strings.TrimSpace(value); value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	eq("action", filter.Action)
	eq("target_type", filter.TargetType)
	eq("target_id", filter.TargetID)
	eq("actor_type", filter.ActorType)

	if filter.StartAt != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.EndAt.UTC())
	}
	if c := filter.Cursor; c != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, c.CreatedAt.UTC(), c.CreatedAt.UTC(), c.ID)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	var logs []domain.AuditLog
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
