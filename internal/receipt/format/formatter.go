package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var orderPadRe = regexp.MustCompile(`\{ORDER(\d+)\}`)

const DefaultReceiptNumberTemplate = "RCP-{YYYY}{MM}{DD}-{ORDER8}"

// FormatReceiptNumber renders a human-readable receipt number from a template, the
// capture time and the order id. {ORDERn} keeps the last n digits of the id.
func FormatReceiptNumber(template string, capturedAt time.Time, orderID snowflake.ID) (string, error) {
	if template == "" {
		return "", fmt.Errorf("receipt number template is empty")
	}
	if orderID <= 0 {
		return "", fmt.Errorf("invalid order id: %d", orderID)
	}

	out := template
	out = strings.ReplaceAll(out, "{YYYY}", capturedAt.Format("2006"))
	out = strings.ReplaceAll(out, "{YY}", capturedAt.Format("06"))
	out = strings.ReplaceAll(out, "{MM}", capturedAt.Format("01"))
	out = strings.ReplaceAll(out, "{DD}", capturedAt.Format("02"))

	full := orderID.String()
	out = strings.ReplaceAll(out, "{ORDER}", full)
	out = orderPadRe.ReplaceAllStringFunc(out, func(m string) string {
		match := orderPadRe.FindStringSubmatch(m)
		if len(match) != 2 {
			return m
		}
		width, err := strconv.Atoi(match[1])
		if err != nil || width <= 0 {
			return m
		}
		if len(full) >= width {
			return full[len(full)-width:]
		}
		return strings.Repeat("0", width-len(full)) + full
	})

	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", fmt.Errorf("unresolved token in receipt format: %s", out)
	}
	return out, nil
}
