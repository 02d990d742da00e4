package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Receipt struct {
	Number   string
	FileName string
	PDF      []byte
}

type Service interface {
	// Generate renders the receipt for one of userID's captured orders.
	Generate(ctx context.Context, userID string, orderID snowflake.ID) (*Receipt, error)
}

var (
	ErrNotFound    = errors.New("receipt_not_found")
	ErrNotCaptured = errors.New("order_not_captured")
)
