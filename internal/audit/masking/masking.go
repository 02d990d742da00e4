// Package masking redacts credentials and buyer contact details from audit metadata.
package masking

import "strings"

const mask = "****"

// Keys holding gateway credentials, webhook signatures or bearer tokens.
var secretKeyParts = []string{"secret", "token", "password", "authorization", "signature"}

// Keys holding payer contact details returned by the gateways.
var contactKeyParts = []string{"email", "phone"}

// Redact returns a copy of metadata with secrets and contact details masked. Nested maps
// and slices are walked. Empty keys are dropped.
func Redact(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = redactValue(key, value)
	}
	return out
}

func redactValue(key string, value any) any {
	switch v := value.(type) {
	case string:
		switch {
		case hasPart(key, secretKeyParts):
			return MaskSecret(v)
		case hasPart(key, contactKeyParts):
			return MaskEmail(v)
		}
		return v
	case map[string]any:
		return Redact(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(key, item)
		}
		return out
	default:
		return value
	}
}

// MaskSecret keeps a provider prefix such as "whsec_" and the last four characters.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	prefix := ""
	if i := strings.LastIndex(value, "_"); i >= 0 && i < len(value)-1 {
		prefix, value = value[:i+1], value[i+1:]
	}
	if len(value) <= 4 {
		return prefix + mask
	}
	return prefix + mask + value[len(value)-4:]
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(value string) string {
	value = strings.TrimSpace(value)
	at := strings.LastIndex(value, "@")
	if at <= 0 {
		return MaskSecret(value)
	}
	return value[:1] + mask + value[at:]
}

func hasPart(key string, parts []string) bool {
	key = strings.ToLower(key)
	for _, part := range parts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}
