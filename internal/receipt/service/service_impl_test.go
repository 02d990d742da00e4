package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogrepo "github.com/smallbiznis/bookshelf/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/bookshelf/internal/catalog/service"
	"github.com/smallbiznis/bookshelf/internal/config"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	purchaserepo "github.com/smallbiznis/bookshelf/internal/purchase/repository"
	"github.com/smallbiznis/bookshelf/internal/receipt/domain"
	"github.com/smallbiznis/bookshelf/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// orderLookup serves GetOrder from a map; other engine calls are not used here.
type orderLookup struct {
	entitlementdomain.Service
	orders map[snowflake.ID]*purchasedomain.Order
}

func (l orderLookup) GetOrder(_ context.Context, id snowflake.ID) (*purchasedomain.Order, error) {
	order, ok := l.orders[id]
	if !ok {
		return nil, entitlementdomain.ErrOrderNotFound
	}
	return order, nil
}

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.SeedItem(t, db, "book-1", "Quiet Systems", 999)
	log := zap.NewNop()

	capturedAt := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	ref := "PP-1"
	orders := map[snowflake.ID]*purchasedomain.Order{
		101: {ID: 101, UserID: "u1", ItemID: "book-1", Amount: 999, Currency: "USD",
			Status: purchasedomain.OrderStatusCaptured, PaymentMethod: purchasedomain.PaymentMethodPayPal,
			ExternalRef: &ref, CapturedAt: &capturedAt},
		102: {ID: 102, UserID: "u1", ItemID: "book-1", Amount: 999, Currency: "USD",
			Status: purchasedomain.OrderStatusPending, PaymentMethod: purchasedomain.PaymentMethodPayPal},
	}

	return NewService(Params{
		DB:        db,
		Log:       log,
		Cfg:       config.Config{AppName: "bookshelf"},
		Engine:    orderLookup{orders: orders},
		OrderRepo: purchaserepo.Provide(),
		Catalog:   catalogservice.New(catalogservice.Params{DB: db, Log: log, Repo: catalogrepo.Provide()}),
	})
}

func TestGenerateCapturedOrder(t *testing.T) {
	svc := newTestService(t)

	receipt, err := svc.Generate(context.Background(), "u1", 101)
	require.NoError(t, err)
	assert.Equal(t, "RCP-20260307-00000101", receipt.Number)
	assert.Equal(t, "RCP-20260307-00000101.pdf", receipt.FileName)
	assert.True(t, bytes.HasPrefix(receipt.PDF, []byte("%PDF")))
}

func TestGenerateRejects(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Generate(ctx, "u2", 101)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Generate(ctx, "u1", 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Generate(ctx, "u1", 102)
	assert.ErrorIs(t, err, domain.ErrNotCaptured)
}
