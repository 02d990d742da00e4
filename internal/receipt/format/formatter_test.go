package format

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
)

func TestFormatReceiptNumber(t *testing.T) {
	at := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		template string
		id       snowflake.ID
		want     string
	}{
		{DefaultReceiptNumberTemplate, 1234567890123, "RCP-20260307-67890123"},
		{"R{YY}-{ORDER6}", 42, "R26-000042"},
		{"{ORDER}", 42, "42"},
	}
	for _, tc := range cases {
		got, err := FormatReceiptNumber(tc.template, at, tc.id)
		if err != nil {
			t.Fatalf("FormatReceiptNumber(%q): %v", tc.template, err)
		}
		if got != tc.want {
			t.Fatalf("FormatReceiptNumber(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}
}

func TestFormatReceiptNumberRejectsBadInput(t *testing.T) {
	at := time.Now()
	if _, err := FormatReceiptNumber("", at, 1); err == nil {
		t.Fatal("expected error for empty template")
	}
	if _, err := FormatReceiptNumber("RCP-{SEQ}", at, 1); err == nil {
		t.Fatal("expected error for unknown token")
	}
	if _, err := FormatReceiptNumber(DefaultReceiptNumberTemplate, at, 0); err == nil {
		t.Fatal("expected error for zero order id")
	}
}
