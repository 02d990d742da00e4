// Package money represents prices as integer minor units in a single ISO-4217 currency.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrCurrencyMismatch = errors.New("currency_mismatch")
)

// Currencies PayPal and Stripe quote without a fractional part.
var zeroDecimal = map[string]struct{}{
	"JPY": {},
	"KRW": {},
	"TWD": {},
	"HUF": {},
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCurrency(currency)}
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Exponent returns the number of fractional digits used by currency.
func Exponent(currency string) int {
	if _, ok := zeroDecimal[NormalizeCurrency(currency)]; ok {
		return 0
	}
	return 2
}

// Parse converts a decimal string such as "9.99" into minor units.
func Parse(value, currency string) (Money, error) {
	currency = NormalizeCurrency(currency)
	if len(currency) != 3 {
		return Money{}, ErrInvalidCurrency
	}

	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		return Money{}, ErrInvalidAmount
	}

	whole, frac, hasFrac := strings.Cut(value, ".")
	exp := Exponent(currency)
	if hasFrac && len(frac) > exp {
		// Accept trailing zeros beyond the currency precision ("10.00" for JPY).
		if strings.Trim(frac[exp:], "0") != "" {
			return Money{}, ErrInvalidAmount
		}
		frac = frac[:exp]
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", exp-len(frac))

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	return Money{Amount: units, Currency: currency}, nil
}

// Format renders the amount as a decimal string without a currency symbol.
func (m Money) Format() string {
	exp := Exponent(m.Currency)
	if exp == 0 {
		return strconv.FormatInt(m.Amount, 10)
	}
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	divisor := int64(1)
	for i := 0; i < exp; i++ {
		divisor *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, amount/divisor, exp, amount%divisor)
}

func (m Money) String() string {
	return m.Format() + " " + m.Currency
}

// Compare returns -1, 0 or 1. Amounts in different currencies are not comparable.
func (m Money) Compare(other Money) (int, error) {
	if NormalizeCurrency(m.Currency) != NormalizeCurrency(other.Currency) {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}
