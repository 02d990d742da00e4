package domain

import (
	"context"
	"net/http"
)

// WebhookService verifies, dedupes and applies provider webhooks.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
