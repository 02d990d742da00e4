package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	out := Redact(map[string]any{
		"item_id":        "book-1",
		"webhook_secret": "whsec_abcdef123456",
		"payer": map[string]any{
			"payer_email": "reader@example.com",
		},
		" ":      "dropped",
		"amount": int64(999),
	})

	assert.Equal(t, "book-1", out["item_id"])
	assert.Equal(t, "whsec_****3456", out["webhook_secret"])
	assert.Equal(t, "r****@example.com", out["payer"].(map[string]any)["payer_email"])
	assert.Equal(t, int64(999), out["amount"])
	assert.NotContains(t, out, " ")
}

func TestMaskSecretShortValues(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "tok_****", MaskSecret("tok_ab"))
}

func TestMaskEmailWithoutDomain(t *testing.T) {
	assert.Equal(t, "****5678", MaskEmail("12345678"))
}
