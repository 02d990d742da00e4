// Package context carries request-scoped identifiers used by logs, traces and audit entries.
package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type userIDKey struct{}
type roleKey struct{}
type clientKey struct{}

// Client describes the caller's network origin.
type Client struct {
	IPAddress string
	UserAgent string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithUser records the authenticated user and role on the context.
func WithUser(ctx context.Context, userID, role string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, userIDKey{}, userID)
	if role = strings.TrimSpace(role); role != "" {
		ctx = context.WithValue(ctx, roleKey{}, role)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(userIDKey{}).(string)
	return value, ok && value != ""
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(roleKey{}).(string)
	return value
}

func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

func ClientFromContext(ctx context.Context) Client {
	if ctx == nil {
		return Client{}
	}
	value, _ := ctx.Value(clientKey{}).(Client)
	return value
}
