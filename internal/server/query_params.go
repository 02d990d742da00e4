package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// pathOrderID parses the :id segment as an order id and tags the request log with it.
// Malformed ids abort as not found since no such order can exist.
func pathOrderID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, ErrNotFound)
		return 0, false
	}
	c.Set("order_id", id.String())
	return id, true
}

// queryLimit returns def for an empty value and caps explicit values at maxListLimit.
func queryLimit(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func queryBool(field, raw string, def bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, newValidationError(field, "invalid_"+field, field+" must be a boolean")
	}
	return v, nil
}

// queryTime accepts RFC3339 or a plain UTC date. A plain date resolves to the start of
// that day, or to its last nanosecond when endOfDay is set.
func queryTime(field, raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, newValidationError(field, "invalid_"+field, field+" must be RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}
