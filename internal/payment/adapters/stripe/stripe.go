package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/payment/gateway"
	"github.com/smallbiznis/bookshelf/pkg/money"
	"go.uber.org/zap"
)

const (
	providerName       = "stripe"
	signatureTolerance = 5 * time.Minute
	maxResponseBytes   = 1 << 20
)

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Retry         gateway.RetryPolicy
}

type Adapter struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	retry         gateway.RetryPolicy
	client        *http.Client
	clock         clock.Clock
	log           *zap.Logger
}

var _ domain.ProviderAdapter = (*Adapter)(nil)

func New(cfg Config, client *http.Client, clk clock.Clock, log *zap.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, domain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		baseURL:       baseURL,
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		retry:         cfg.Retry,
		client:        client,
		clock:         clk,
		log:           log.Named("payment.stripe"),
	}, nil
}

func (a *Adapter) Provider() string {
	return providerName
}

type paymentIntent struct {
	ID             string         `json:"id"`
	ClientSecret   string         `json:"client_secret"`
	Status         string         `json:"status"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	LatestCharge   string         `json:"latest_charge"`
	Metadata       map[string]any `json:"metadata"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateOrder creates a PaymentIntent. The client secret is the approval handle handed to
// the browser to confirm the payment.
func (a *Adapter) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.CreateOrderResult, error) {
	if req.Amount.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount.Amount, 10))
	values.Set("currency", strings.ToLower(req.Amount.Currency))
	values.Set("automatic_payment_methods[enabled]", "true")
	values.Set("metadata[order_id]", req.Metadata.OrderID.String())
	values.Set("metadata[item_id]", req.Metadata.ItemID)
	if req.Description != "" {
		values.Set("description", req.Description)
	}

	intent, err := gateway.Call(ctx, a.retry, func(ctx context.Context) (paymentIntent, error) {
		return a.do(ctx, "create_order", http.MethodPost, "/v1/payment_intents", values, req.IdempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	return &domain.CreateOrderResult{
		ExternalOrderID: intent.ID,
		ApprovalURL:     intent.ClientSecret,
	}, nil
}

// CaptureOrder reads the intent and captures it when it was authorized with manual capture.
func (a *Adapter) CaptureOrder(ctx context.Context, externalOrderID string) (*domain.CaptureResult, error) {
	externalOrderID = strings.TrimSpace(externalOrderID)
	if externalOrderID == "" {
		return nil, domain.ErrInvalidEvent
	}
	path := "/v1/payment_intents/" + url.PathEscape(externalOrderID)

	intent, err := gateway.Call(ctx, a.retry, func(ctx context.Context) (paymentIntent, error) {
		return a.do(ctx, "capture_order", http.MethodGet, path, nil, "")
	})
	if err != nil {
		return nil, err
	}
	if intent.Status == "requires_capture" {
		intent, err = gateway.Call(ctx, a.retry, func(ctx context.Context) (paymentIntent, error) {
			return a.do(ctx, "capture_order", http.MethodPost, path+"/capture", url.Values{}, "capture-"+externalOrderID)
		})
		if err != nil {
			return nil, err
		}
	}
	return captureResult(intent), nil
}

func captureResult(intent paymentIntent) *domain.CaptureResult {
	result := &domain.CaptureResult{CaptureID: intent.LatestCharge}
	switch intent.Status {
	case "succeeded":
		result.Status = domain.CaptureStatusCaptured
		amount := intent.AmountReceived
		if amount <= 0 {
			amount = intent.Amount
		}
		result.CapturedAmount = money.New(amount, intent.Currency)
	case "canceled":
		result.Status = domain.CaptureStatusFailed
	default:
		// processing, requires_payment_method, requires_action, requires_confirmation
		result.Status = domain.CaptureStatusPending
	}
	return result
}

func (a *Adapter) do(ctx context.Context, operation, method, path string, values url.Values, idempotencyKey string) (paymentIntent, error) {
	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return paymentIntent{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.secretKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return paymentIntent{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return paymentIntent{}, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr errorResponse
		_ = json.Unmarshal(raw, &stripeErr)
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		code := stripeErr.Error.Code
		if code == "" {
			code = stripeErr.Error.Type
		}
		return paymentIntent{}, domain.ClassifyStatus(providerName, operation, resp.StatusCode, code, message)
	}

	var intent paymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return paymentIntent{}, fmt.Errorf("decode stripe response: %w", err)
	}
	if intent.ID == "" {
		return paymentIntent{}, errors.New("stripe_response_invalid")
	}
	return intent, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return domain.ErrInvalidConfig
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.Unix(sent, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", ts, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	var eventType string
	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		eventType = domain.EventTypeCaptureCompleted
	case "payment_intent.payment_failed", "payment_intent.canceled":
		eventType = domain.EventTypePaymentFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	var intent paymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	amount := intent.Amount
	if eventType == domain.EventTypeCaptureCompleted && intent.AmountReceived > 0 {
		amount = intent.AmountReceived
	}

	return &domain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Type:            eventType,
		ExternalRef:     intent.ID,
		OrderID:         parseOrderID(readMetadataValue(intent.Metadata, "order_id")),
		ItemID:          readMetadataValue(intent.Metadata, "item_id"),
		Amount:          amount,
		Currency:        money.NormalizeCurrency(intent.Currency),
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var ts string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			ts = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func parseOrderID(raw string) *snowflake.ID {
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
