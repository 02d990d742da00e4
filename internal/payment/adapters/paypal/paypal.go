// Package paypal talks to the PayPal Orders v2 API and verifies PayPal webhooks.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/payment/gateway"
	"github.com/smallbiznis/bookshelf/pkg/money"
	"go.uber.org/zap"
)

const (
	providerName     = "paypal"
	maxResponseBytes = 1 << 20
	tokenCacheKey    = "bookshelf:paypal:access_token"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
	BrandName    string
	Retry        gateway.RetryPolicy
}

type Adapter struct {
	cfg    Config
	client *http.Client
	tokens *gateway.TokenCache
	clock  clock.Clock
	log    *zap.Logger
}

var _ domain.ProviderAdapter = (*Adapter)(nil)

// New builds the adapter. rdb may be nil; when set the access token is shared across replicas.
func New(cfg Config, client *http.Client, rdb *redis.Client, clk clock.Clock, log *zap.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, domain.ErrInvalidConfig
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sandbox.paypal.com"
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
	a := &Adapter{
		cfg:    cfg,
		client: client,
		clock:  clk,
		log:    log.Named("payment.paypal"),
	}
	a.tokens = gateway.NewTokenCache(a.fetchToken, gateway.TokenCacheOptions{
		Clock:  clk,
		Redis:  rdb,
		Key:    tokenCacheKey,
		Logger: a.log,
	})
	return a, nil
}

func (a *Adapter) Provider() string {
	return providerName
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Adapter) fetchToken(ctx context.Context) (gateway.AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return gateway.AccessToken{}, err
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out tokenResponse
	if err := a.send(req, "oauth_token", &out); err != nil {
		return gateway.AccessToken{}, err
	}
	if out.AccessToken == "" {
		return gateway.AccessToken{}, errors.New("paypal_token_missing")
	}
	return gateway.AccessToken{
		Value:     out.AccessToken,
		ExpiresAt: a.clock.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnitRequest struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
	Amount      amount `json:"amount"`
}

type applicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	UserAction         string `json:"user_action"`
	ShippingPreference string `json:"shipping_preference"`
}

type createOrderRequest struct {
	Intent             string                `json:"intent"`
	PurchaseUnits      []purchaseUnitRequest `json:"purchase_units"`
	ApplicationContext applicationContext    `json:"application_context"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount amount `json:"amount"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Amount      amount `json:"amount"`
	Payments    struct {
		Captures []capture `json:"captures"`
	} `json:"payments"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []link         `json:"links"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.CreateOrderResult, error) {
	if req.Amount.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitRequest{{
			ReferenceID: req.Metadata.ItemID,
			CustomID:    req.Metadata.OrderID.String(),
			Description: req.Description,
			Amount: amount{
				CurrencyCode: req.Amount.Currency,
				Value:        req.Amount.Format(),
			},
		}},
		ApplicationContext: applicationContext{
			BrandName:          a.cfg.BrandName,
			ReturnURL:          a.cfg.ReturnURL,
			CancelURL:          a.cfg.CancelURL,
			UserAction:         "PAY_NOW",
			ShippingPreference: "NO_SHIPPING",
		},
	}

	created, err := gateway.Call(ctx, a.cfg.Retry, func(ctx context.Context) (order, error) {
		var out order
		err := a.call(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", body, req.IdempotencyKey, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("%w: paypal order id missing", domain.ErrGatewayFatal)
	}

	approval := ""
	for _, l := range created.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approval = l.Href
			break
		}
	}
	return &domain.CreateOrderResult{ExternalOrderID: created.ID, ApprovalURL: approval}, nil
}

// CaptureOrder captures an approved order. An order that was already captured, for example
// by a concurrent poll, is read back and reported as captured.
func (a *Adapter) CaptureOrder(ctx context.Context, externalOrderID string) (*domain.CaptureResult, error) {
	externalOrderID = strings.TrimSpace(externalOrderID)
	if externalOrderID == "" {
		return nil, domain.ErrInvalidEvent
	}
	path := "/v2/checkout/orders/" + url.PathEscape(externalOrderID)

	captured, err := gateway.Call(ctx, a.cfg.Retry, func(ctx context.Context) (order, error) {
		var out order
		err := a.call(ctx, "capture_order", http.MethodPost, path+"/capture", struct{}{}, "capture-"+externalOrderID, &out)
		return out, err
	})
	if err != nil {
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) {
			return nil, err
		}
		switch gwErr.Code {
		case "ORDER_NOT_APPROVED", "PAYER_ACTION_REQUIRED":
			return &domain.CaptureResult{Status: domain.CaptureStatusPending}, nil
		case "ORDER_ALREADY_CAPTURED":
			captured, err = gateway.Call(ctx, a.cfg.Retry, func(ctx context.Context) (order, error) {
				var out order
				err := a.call(ctx, "get_order", http.MethodGet, path, nil, "", &out)
				return out, err
			})
			if err != nil {
				return nil, err
			}
		case "INSTRUMENT_DECLINED", "TRANSACTION_REFUSED":
			return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
		default:
			return nil, err
		}
	}
	return captureResult(captured)
}

func captureResult(o order) (*domain.CaptureResult, error) {
	switch o.Status {
	case "VOIDED":
		return &domain.CaptureResult{Status: domain.CaptureStatusFailed}, nil
	case "COMPLETED":
	default:
		return &domain.CaptureResult{Status: domain.CaptureStatusPending}, nil
	}

	for _, unit := range o.PurchaseUnits {
		for _, c := range unit.Payments.Captures {
			switch c.Status {
			case "COMPLETED":
				paid, err := money.Parse(c.Amount.Value, c.Amount.CurrencyCode)
				if err != nil {
					return nil, fmt.Errorf("%w: capture amount: %w", domain.ErrGatewayFatal, err)
				}
				return &domain.CaptureResult{
					Status:         domain.CaptureStatusCaptured,
					CapturedAmount: paid,
					CaptureID:      c.ID,
				}, nil
			case "DECLINED", "FAILED":
				return &domain.CaptureResult{Status: domain.CaptureStatusFailed, CaptureID: c.ID}, nil
			}
		}
	}
	return &domain.CaptureResult{Status: domain.CaptureStatusPending}, nil
}

// call sends an authenticated JSON request. A 401 drops the cached token and is retried.
func (a *Adapter) call(ctx context.Context, operation, method, path string, in any, requestID string, out any) error {
	token, err := a.tokens.Get(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	err = a.send(req, operation, out)
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.Status == http.StatusUnauthorized {
		a.tokens.Invalidate(ctx)
		gwErr.Retryable = true
	}
	return err
}

func (a *Adapter) send(req *http.Request, operation string, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var ppErr errorResponse
		_ = json.Unmarshal(raw, &ppErr)
		code := ppErr.Name
		if len(ppErr.Details) > 0 && ppErr.Details[0].Issue != "" {
			code = ppErr.Details[0].Issue
		}
		message := strings.TrimSpace(ppErr.Message)
		if message == "" {
			message = "paypal_request_failed"
		}
		return domain.ClassifyStatus(providerName, operation, resp.StatusCode, code, message)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode paypal response: %w", err)
	}
	return nil
}
