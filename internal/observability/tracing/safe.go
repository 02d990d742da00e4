package tracing

import (
	"errors"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var sensitiveKeys = []string{"token", "secret", "password", "authorization", "signature", "client_secret"}

var bearerPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-\._~\+/]+=*`)

// SafeAttributes drops attributes whose key looks like it carries a credential.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveKey(string(attr.Key)) {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error whose message has bearer tokens redacted.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := bearerPattern.ReplaceAllString(err.Error(), "Bearer [REDACTED]")
	return errors.New(msg)
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, candidate := range sensitiveKeys {
		if strings.Contains(key, candidate) {
			return true
		}
	}
	return false
}
