package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_config")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")

	ErrGatewayTransient = errors.New("gateway_transient")
	ErrGatewayFatal     = errors.New("gateway_fatal")
	// ErrGatewayTimeout means the outcome is unknown; the provider may have succeeded.
	ErrGatewayTimeout = errors.New("gateway_timeout")
)

// GatewayError is a classified provider failure.
type GatewayError struct {
	Provider  string
	Operation string
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status %d: %s: %s", e.Provider, e.Operation, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.Status, e.Message)
}

func (e *GatewayError) Unwrap() error {
	if e.Retryable {
		return ErrGatewayTransient
	}
	return ErrGatewayFatal
}

// ClassifyStatus builds a GatewayError from an HTTP status. 5xx, 429 and 408 are retryable.
func ClassifyStatus(provider, operation string, status int, code, message string) *GatewayError {
	retryable := status >= 500 || status == 429 || status == 408
	return &GatewayError{
		Provider:  provider,
		Operation: operation,
		Status:    status,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}
