package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/payment/gateway"
	"github.com/smallbiznis/bookshelf/pkg/money"
)

var transmissionHeaders = []string{
	"PAYPAL-AUTH-ALGO",
	"PAYPAL-CERT-URL",
	"PAYPAL-TRANSMISSION-ID",
	"PAYPAL-TRANSMISSION-SIG",
	"PAYPAL-TRANSMISSION-TIME",
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// Verify asks PayPal to check the transmission signature against the configured webhook id.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if strings.TrimSpace(a.cfg.WebhookID) == "" {
		return domain.ErrInvalidConfig
	}
	values := make([]string, len(transmissionHeaders))
	for i, name := range transmissionHeaders {
		values[i] = strings.TrimSpace(headers.Get(name))
		if values[i] == "" {
			return domain.ErrInvalidSignature
		}
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}

	body := verifyRequest{
		AuthAlgo:         values[0],
		CertURL:          values[1],
		TransmissionID:   values[2],
		TransmissionSig:  values[3],
		TransmissionTime: values[4],
		WebhookID:        a.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(payload),
	}

	res, err := gateway.Call(ctx, a.cfg.Retry, func(ctx context.Context) (verifyResponse, error) {
		var out verifyResponse
		err := a.call(ctx, "verify_webhook", http.MethodPost, "/v1/notifications/verify-webhook-signature", body, "", &out)
		return out, err
	})
	if err != nil {
		return err
	}
	if !strings.EqualFold(res.VerificationStatus, "SUCCESS") {
		return domain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CustomID          string `json:"custom_id"`
	Amount            amount `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.PaymentEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		return a.parseCapture(event, payload, domain.EventTypeCaptureCompleted)
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return a.parseCapture(event, payload, domain.EventTypePaymentFailed)
	case "CHECKOUT.ORDER.APPROVED":
		return a.parseApproved(event, payload)
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parseCapture(event webhookEvent, payload []byte, eventType string) (*domain.PaymentEvent, error) {
	var res captureResource
	if err := json.Unmarshal(event.Resource, &res); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	ref := strings.TrimSpace(res.SupplementaryData.RelatedIDs.OrderID)
	orderID := parseOrderID(res.CustomID)
	if ref == "" && orderID == nil {
		return nil, domain.ErrInvalidEvent
	}

	paid, err := money.Parse(res.Amount.Value, res.Amount.CurrencyCode)
	if err != nil && eventType == domain.EventTypeCaptureCompleted {
		return nil, domain.ErrInvalidAmount
	}

	return &domain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Type:            eventType,
		ExternalRef:     ref,
		OrderID:         orderID,
		Amount:          paid.Amount,
		Currency:        paid.Currency,
		OccurredAt:      parseTime(event.CreateTime),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseApproved(event webhookEvent, payload []byte) (*domain.PaymentEvent, error) {
	var res order
	if err := json.Unmarshal(event.Resource, &res); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(res.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	out := &domain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Type:            domain.EventTypeOrderApproved,
		ExternalRef:     res.ID,
		OccurredAt:      parseTime(event.CreateTime),
		RawPayload:      payload,
	}
	if len(res.PurchaseUnits) > 0 {
		unit := res.PurchaseUnits[0]
		out.OrderID = parseOrderID(unit.CustomID)
		out.ItemID = unit.ReferenceID
		if price, err := money.Parse(unit.Amount.Value, unit.Amount.CurrencyCode); err == nil {
			out.Amount = price.Amount
			out.Currency = price.Currency
		}
	}
	return out, nil
}

func parseOrderID(raw string) *snowflake.ID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
