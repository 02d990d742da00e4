package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogrepo "github.com/smallbiznis/bookshelf/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/bookshelf/internal/catalog/service"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	entitlementrepo "github.com/smallbiznis/bookshelf/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/bookshelf/internal/entitlement/service"
	"github.com/smallbiznis/bookshelf/internal/payment/adapters"
	"github.com/smallbiznis/bookshelf/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/bookshelf/internal/payment/repository"
	paymentservice "github.com/smallbiznis/bookshelf/internal/payment/service"
	paymentwebhook "github.com/smallbiznis/bookshelf/internal/payment/webhook"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	purchaserepo "github.com/smallbiznis/bookshelf/internal/purchase/repository"
	"github.com/smallbiznis/bookshelf/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	svc     paymentdomain.WebhookService
	orderID snowflake.ID
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	dbtest.SeedItem(t, db, "book-1", "Quiet Systems", 999)
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	orders := purchaserepo.Provide()
	orderID := node.Generate()
	ref := "pi_1"
	if err := orders.Insert(context.Background(), db, &purchasedomain.Order{
		ID:            orderID,
		UserID:        "u1",
		ItemID:        "book-1",
		Amount:        999,
		Currency:      "USD",
		Status:        purchasedomain.OrderStatusPending,
		PaymentMethod: purchasedomain.PaymentMethodStripe,
		Provider:      "stripe",
		ExternalRef:   &ref,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	engine := entitlementservice.New(entitlementservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Policy:    config.StaticPolicy(config.DefaultStorefrontPolicy()),
		Repo:      entitlementrepo.Provide(),
		OrderRepo: orders,
		Catalog:   catalogservice.New(catalogservice.Params{DB: db, Log: log, Repo: catalogrepo.Provide()}),
	})

	adapter, err := stripe.New(stripe.Config{SecretKey: "sk_test", WebhookSecret: webhookSecret}, nil, clk, log)
	if err != nil {
		t.Fatalf("new stripe adapter: %v", err)
	}

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Engine: engine,
		Repo:   paymentrepo.Provide(),
	})
	svc := paymentwebhook.NewService(paymentwebhook.Params{
		Log:        log,
		PaymentSvc: paymentSvc,
		Adapters:   adapters.NewRegistry("stripe", adapter),
	})
	return &fixture{db: db, svc: svc, orderID: orderID}
}

func stripePayload(t *testing.T, eventID, eventType string, orderID snowflake.ID, amount int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": testNow.Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":              "pi_1",
				"amount":          amount,
				"amount_received": amount,
				"currency":        "usd",
				"created":         testNow.Unix(),
				"metadata":        map[string]any{"order_id": orderID.String(), "item_id": "book-1"},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func signed(secret string, payload []byte) http.Header {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", testNow.Unix(), string(payload))))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", testNow.Unix(), hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func orderStatus(t *testing.T, db *gorm.DB, id snowflake.ID) (string, string) {
	t.Helper()
	var row struct {
		Status        string
		FailureReason *string
	}
	if err := db.Raw(`SELECT status, failure_reason FROM orders WHERE id = ?`, id).Scan(&row).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	reason := ""
	if row.FailureReason != nil {
		reason = *row.FailureReason
	}
	return row.Status, reason
}

func TestIngestWebhookGrantsEntitlementOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	payload := stripePayload(t, "evt_1", "payment_intent.succeeded", f.orderID, 999)

	if err := f.svc.IngestWebhook(ctx, "stripe", payload, signed(webhookSecret, payload)); err != nil {
		t.Fatalf("ingest webhook: %v", err)
	}
	if status, _ := orderStatus(t, f.db, f.orderID); status != string(purchasedomain.OrderStatusCaptured) {
		t.Fatalf("expected captured order, got %s", status)
	}
	if got := dbtest.Count(t, f.db, "entitlements", "user_id = ? AND item_id = ?", "u1", "book-1"); got != 1 {
		t.Fatalf("expected 1 entitlement, got %d", got)
	}
	if got := dbtest.Count(t, f.db, "payment_events", "processed_at IS NOT NULL"); got != 1 {
		t.Fatalf("expected processed event, got %d", got)
	}

	if err := f.svc.IngestWebhook(ctx, "stripe", payload, signed(webhookSecret, payload)); err != nil {
		t.Fatalf("replayed webhook should be acknowledged, got %v", err)
	}
	if got := dbtest.Count(t, f.db, "payment_events", ""); got != 1 {
		t.Fatalf("expected replay to be deduplicated, got %d events", got)
	}

	// A second provider event for the same capture is idempotent too.
	second := stripePayload(t, "evt_2", "payment_intent.succeeded", f.orderID, 999)
	if err := f.svc.IngestWebhook(ctx, "stripe", second, signed(webhookSecret, second)); err != nil {
		t.Fatalf("duplicate capture event: %v", err)
	}
	if got := dbtest.Count(t, f.db, "entitlements", ""); got != 1 {
		t.Fatalf("expected 1 entitlement after duplicate event, got %d", got)
	}
}

func TestIngestWebhookUnderpaymentIsAcknowledged(t *testing.T) {
	f := setup(t)
	payload := stripePayload(t, "evt_low", "payment_intent.succeeded", f.orderID, 500)

	if err := f.svc.IngestWebhook(context.Background(), "stripe", payload, signed(webhookSecret, payload)); err != nil {
		t.Fatalf("expected mismatch to be acknowledged, got %v", err)
	}
	status, reason := orderStatus(t, f.db, f.orderID)
	if status != string(purchasedomain.OrderStatusFailed) || reason != purchasedomain.FailureAmountMismatch {
		t.Fatalf("expected failed/amount_mismatch, got %s/%s", status, reason)
	}
	if got := dbtest.Count(t, f.db, "entitlements", ""); got != 0 {
		t.Fatalf("expected no entitlement, got %d", got)
	}
}

func TestIngestWebhookRejectsBadInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	payload := stripePayload(t, "evt_1", "payment_intent.succeeded", f.orderID, 999)

	if err := f.svc.IngestWebhook(ctx, "stripe", payload, signed("wrong", payload)); err == nil {
		t.Fatalf("expected signature error")
	}
	if err := f.svc.IngestWebhook(ctx, "paypal", payload, signed(webhookSecret, payload)); err != paymentdomain.ErrProviderNotFound {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
	if err := f.svc.IngestWebhook(ctx, "stripe", []byte("{"), http.Header{}); err != paymentdomain.ErrInvalidPayload {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if got := dbtest.Count(t, f.db, "payment_events", ""); got != 0 {
		t.Fatalf("expected no stored events, got %d", got)
	}
}

func TestIngestWebhookIgnoresUnrelatedEvents(t *testing.T) {
	f := setup(t)
	payload := stripePayload(t, "evt_refund", "charge.refunded", f.orderID, 999)

	if err := f.svc.IngestWebhook(context.Background(), "stripe", payload, signed(webhookSecret, payload)); err != nil {
		t.Fatalf("expected ignored event to succeed, got %v", err)
	}
	if got := dbtest.Count(t, f.db, "payment_events", ""); got != 0 {
		t.Fatalf("expected ignored event not to be stored, got %d", got)
	}
}
