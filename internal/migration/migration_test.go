package migration

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/bookshelf/internal/entitlement/repository"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	purchaserepo "github.com/smallbiznis/bookshelf/internal/purchase/repository"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first version 1, got %d", first)
	}

	next, err := src.Next(first)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected version 2 after 1, got %d", next)
	}
}

func TestInitMigrationDeclaresEntitlementUniqueness(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	body, _, err := src.ReadUp(1)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{
		"UNIQUE (user_id, item_id)",
		"UNIQUE (order_id)",
		"UNIQUE (provider, provider_event_id)",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("expected schema to contain %q", want)
		}
	}
}

func TestAutoMigrateEnforcesInsertOrIgnoreKeys(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:automigrate?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	for _, tc := range []struct {
		model any
		index string
	}{
		{&entitlementdomain.Entitlement{}, "ux_entitlements_user_item"},
		{&purchasedomain.OrderLine{}, "ux_order_lines_order"},
		{&paymentdomain.EventRecord{}, "ux_payment_events_provider_event"},
	} {
		if !db.Migrator().HasIndex(tc.model, tc.index) {
			t.Fatalf("expected index %s", tc.index)
		}
	}

	ctx := context.Background()
	grants := entitlementrepo.Provide()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, want := range []bool{true, false} {
		orderID := snowflake.ID(100 + i)
		inserted, err := grants.Grant(ctx, db, &entitlementdomain.Entitlement{
			ID: snowflake.ID(i + 1), UserID: "u1", ItemID: "book-1", OrderID: &orderID, GrantedAt: now,
		})
		if err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
		if inserted != want {
			t.Fatalf("grant %d: expected inserted=%v", i, want)
		}
	}

	orders := purchaserepo.Provide()
	for i, want := range []bool{true, false} {
		inserted, err := orders.InsertLine(ctx, db, &purchasedomain.OrderLine{
			ID: snowflake.ID(i + 1), OrderID: 100, ItemID: "book-1", UnitPrice: 999, Currency: "USD", CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("insert line %d: %v", i, err)
		}
		if inserted != want {
			t.Fatalf("insert line %d: expected inserted=%v", i, want)
		}
	}
}
