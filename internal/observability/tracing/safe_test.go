package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/purchases"),
		attribute.String("paypal.client_secret", "shh"),
		attribute.String("trial_token", "abc"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestSafeErrorRedactsBearer(t *testing.T) {
	err := SafeError(errors.New("gateway rejected Authorization: Bearer A21AAF.xyz-123"))
	if strings.Contains(err.Error(), "A21AAF") {
		t.Fatalf("token leaked: %s", err)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
