package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/clock"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/payment/gateway"
	"github.com/smallbiznis/bookshelf/pkg/money"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	adapter, err := New(Config{
		BaseURL:       baseURL,
		SecretKey:     "sk_test",
		WebhookSecret: "whsec_test",
		Retry:         gateway.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, nil, clock.NewFakeClock(testNow), zap.NewNop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)
	adapter := newTestAdapter(t, "")

	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, testNow.Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, testNow.Unix()))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	stale := testNow.Add(-10 * time.Minute).Unix()
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, stale))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
}

func TestParsePaymentIntentSucceeded(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	orderID := node.Generate()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_pi",
		"type":    "payment_intent.succeeded",
		"created": testNow.Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":              "pi_1",
				"amount":          999,
				"amount_received": 999,
				"currency":        "usd",
				"metadata": map[string]any{
					"order_id": orderID.String(),
					"item_id":  "book-1",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	event, err := newTestAdapter(t, "").Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != paymentdomain.EventTypeCaptureCompleted {
		t.Fatalf("unexpected type %s", event.Type)
	}
	if event.ExternalRef != "pi_1" || event.Amount != 999 || event.Currency != "USD" || event.ItemID != "book-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.OrderID == nil || *event.OrderID != orderID {
		t.Fatalf("expected order id %s, got %v", orderID, event.OrderID)
	}
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	_, err := newTestAdapter(t, "").Parse(context.Background(), payload)
	if !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "42" {
			t.Errorf("missing idempotency key")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("amount") != "999" || r.PostForm.Get("currency") != "usd" ||
			r.PostForm.Get("metadata[order_id]") != "42" || r.PostForm.Get("metadata[item_id]") != "book-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"id":"pi_1","client_secret":"pi_1_secret","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	result, err := newTestAdapter(t, srv.URL).CreateOrder(context.Background(), paymentdomain.CreateOrderRequest{
		Amount:         money.New(999, "USD"),
		Metadata:       paymentdomain.OrderMetadata{OrderID: 42, ItemID: "book-1"},
		IdempotencyKey: "42",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if result.ExternalOrderID != "pi_1" || result.ApprovalURL != "pi_1_secret" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCreateOrderRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"oops"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"pi_2","client_secret":"secret"}`))
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL).CreateOrder(context.Background(), paymentdomain.CreateOrderRequest{
		Amount: money.New(999, "USD"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestCreateOrderClientErrorIsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"amount_too_small","message":"Amount too small"}}`))
	}))
	defer srv.Close()

	_, err := newTestAdapter(t, srv.URL).CreateOrder(context.Background(), paymentdomain.CreateOrderRequest{
		Amount: money.New(1, "USD"),
	})
	if !errors.Is(err, paymentdomain.ErrGatewayFatal) {
		t.Fatalf("expected ErrGatewayFatal, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls)
	}
}

func TestCaptureOrderCapturesAuthorizedIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_1":
			_, _ = w.Write([]byte(`{"id":"pi_1","status":"requires_capture","amount":999,"currency":"usd"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents/pi_1/capture":
			_, _ = w.Write([]byte(`{"id":"pi_1","status":"succeeded","amount":999,"amount_received":999,"currency":"usd","latest_charge":"ch_1"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	result, err := newTestAdapter(t, srv.URL).CaptureOrder(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if result.Status != paymentdomain.CaptureStatusCaptured || result.CapturedAmount != money.New(999, "USD") || result.CaptureID != "ch_1" {
		t.Fatalf("unexpected capture result %+v", result)
	}
}

func TestCaptureOrderPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pi_1","status":"processing","amount":999,"currency":"usd"}`))
	}))
	defer srv.Close()

	result, err := newTestAdapter(t, srv.URL).CaptureOrder(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if result.Status != paymentdomain.CaptureStatusPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
