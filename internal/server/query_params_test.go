package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTimePlainDateCoversWholeDay(t *testing.T) {
	from, err := queryTime("from", "2026-03-07", false)
	require.NoError(t, err)
	to, err := queryTime("to", "2026-03-07", true)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2026, 3, 7, 23, 59, 59, 999999999, time.UTC), *to)

	empty, err := queryTime("to", " ", true)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = queryTime("from", "yesterday", false)
	require.Error(t, err)
	assert.Equal(t, "from", asValidationErrors(err).Errors[0].Field)
}

func TestQueryLimit(t *testing.T) {
	n, err := queryLimit("", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	n, err = queryLimit("100000", 50)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, n)

	for _, raw := range []string{"0", "-3", "ten"} {
		_, err := queryLimit(raw, 50)
		assert.Error(t, err, raw)
	}
}
