package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestWithContextAddsRequestAndUser(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithUser(ctx, "user-7", "customer")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id req-1, got %v", fields["request_id"])
	}
	if fields["user_id"] != "user-7" {
		t.Fatalf("expected user_id user-7, got %v", fields["user_id"])
	}
}

func TestWithOrderCarriesMoneyPathFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	WithOrder(zap.New(core), "42", "user-1", "book-1", "PAY-9").Info("captured")

	fields := logs.All()[0].ContextMap()
	for key, want := range map[string]string{
		"order_id":    "42",
		"user_id":     "user-1",
		"item_id":     "book-1",
		"gateway_ref": "PAY-9",
	} {
		if fields[key] != want {
			t.Fatalf("expected %s=%s, got %v", key, want, fields[key])
		}
	}
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                          "SELECT",
		"  insert into orders values (1)":   "INSERT",
		"WITH x AS (SELECT 1) UPDATE items": "SELECT",
		"":                                  "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %s, want %s", sql, got, want)
		}
	}
}

func TestTableFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT id FROM orders WHERE id = ?":         "orders",
		"INSERT INTO entitlements (id) VALUES (?)":   "entitlements",
		`UPDATE "payment_events" SET processed_at=?`: "payment_events",
		"SELECT 1": "",
	}
	for sql, want := range cases {
		if got := tableFromSQL(sql); got != want {
			t.Fatalf("tableFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}

func TestQueryLoggerQuietOnMissingRowsAndConflicts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()
	ctx := context.Background()
	ql := NewQueryLogger(DefaultQueryLogConfig())
	fc := func() (string, int64) { return "INSERT INTO entitlements (id) VALUES (?)", 0 }

	ql.Trace(ctx, time.Now(), fc, gorm.ErrRecordNotFound)
	if logs.Len() != 0 {
		t.Fatalf("record not found should not be logged, got %d entries", logs.Len())
	}

	ql.Trace(ctx, time.Now(), fc, gorm.ErrDuplicatedKey)
	ql.Trace(ctx, time.Now(), fc, errors.New("boom"))
	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["table"] != "entitlements" {
		t.Fatalf("expected table field, got %v", entries[1].ContextMap())
	}
}

func TestRequestLevel(t *testing.T) {
	cases := []struct {
		route     string
		status    int
		errorType string
		want      zapcore.Level
	}{
		{"/api/purchases", 201, "", zapcore.InfoLevel},
		{"/api/purchases", 503, "gateway_unavailable", zapcore.ErrorLevel},
		{"/metrics", 200, "", zapcore.DebugLevel},
		{"/api/payments/webhooks/:provider", 400, "validation_error", zapcore.DebugLevel},
		{"/api/payments/webhooks/:provider", 404, "not_found", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := requestLevel(tc.route, tc.status, tc.errorType); got != tc.want {
			t.Fatalf("requestLevel(%s, %d, %s) = %v, want %v", tc.route, tc.status, tc.errorType, got, tc.want)
		}
	}
}
