package money

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		value    string
		currency string
		want     int64
	}{
		{"9.99", "USD", 999},
		{"9.9", "usd", 990},
		{"10", "EUR", 1000},
		{".5", "USD", 50},
		{"1500", "JPY", 1500},
		{"1500.00", "JPY", 1500},
		{"9.990", "USD", 999},
	}
	for _, tc := range cases {
		got, err := Parse(tc.value, tc.currency)
		require.NoError(t, err, tc.value)
		assert.Equal(t, tc.want, got.Amount, tc.value)
		assert.Equal(t, NormalizeCurrency(tc.currency), got.Currency)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, value := range []string{"", "-1.00", "abc", "9.999", "1.2.3"} {
		_, err := Parse(value, "USD")
		assert.ErrorIs(t, err, ErrInvalidAmount, value)
	}
	_, err := Parse("1.00", "US")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "9.99", New(999, "USD").Format())
	assert.Equal(t, "0.05", New(5, "USD").Format())
	assert.Equal(t, "1500", New(1500, "JPY").Format())
	assert.Equal(t, "9.99 USD", New(999, "usd").String())
}

func TestCompare(t *testing.T) {
	cmp, err := New(1000, "USD").Compare(New(999, "USD"))
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	_, err = New(999, "USD").Compare(New(999, "EUR"))
	assert.True(t, errors.Is(err, ErrCurrencyMismatch))
}
