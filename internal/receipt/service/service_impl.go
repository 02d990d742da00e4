package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"github.com/smallbiznis/bookshelf/internal/config"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"github.com/smallbiznis/bookshelf/internal/receipt/domain"
	"github.com/smallbiznis/bookshelf/internal/receipt/format"
	"github.com/smallbiznis/bookshelf/internal/receipt/pdf"
	"github.com/smallbiznis/bookshelf/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const datePaidLayout = "January 2, 2006"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Engine    entitlementdomain.Service
	OrderRepo purchasedomain.Repository
	Catalog   catalogdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	storeName string
	engine    entitlementdomain.Service
	orderRepo purchasedomain.Repository
	catalog   catalogdomain.Service
}

func NewService(p Params) domain.Service {
	storeName := strings.TrimSpace(p.Cfg.Payment.PayPal.BrandName)
	if storeName == "" {
		storeName = p.Cfg.AppName
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("receipt.service"),
		storeName: storeName,
		engine:    p.Engine,
		orderRepo: p.OrderRepo,
		catalog:   p.Catalog,
	}
}

func (s *Service) Generate(ctx context.Context, userID string, orderID snowflake.ID) (*domain.Receipt, error) {
	order, err := s.engine.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrOrderNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	// Someone else's order is reported as missing.
	if order.UserID != strings.TrimSpace(userID) {
		return nil, domain.ErrNotFound
	}
	if order.Status != purchasedomain.OrderStatusCaptured || order.CapturedAt == nil {
		return nil, domain.ErrNotCaptured
	}

	line, err := s.orderRepo.FindLine(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	unitPrice := order.Price()
	if line != nil {
		unitPrice = money.New(line.UnitPrice, line.Currency)
	}

	title, author := order.ItemID, ""
	item, err := s.catalog.GetItem(ctx, order.ItemID)
	switch {
	case err == nil:
		title, author = item.Title, item.Author
	case errors.Is(err, catalogdomain.ErrNotFound):
		s.log.Warn("receipt for unknown catalog item", zap.String("item_id", order.ItemID))
	default:
		return nil, err
	}

	capturedAt := order.CapturedAt.UTC()
	number, err := format.FormatReceiptNumber(format.DefaultReceiptNumberTemplate, capturedAt, order.ID)
	if err != nil {
		return nil, err
	}

	doc, err := pdf.Render(pdf.ReceiptData{
		StoreName:     s.storeName,
		ReceiptNumber: number,
		OrderID:       order.ID.String(),
		DatePaid:      capturedAt.Format(datePaidLayout),
		PaidBy:        order.UserID,
		PaymentMethod: string(order.PaymentMethod),
		GatewayRef:    order.GatewayRef(),
		Lines: []pdf.ReceiptLine{{
			Title:     title,
			Author:    author,
			UnitPrice: unitPrice.String(),
		}},
		Total: unitPrice.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}

	s.log.Debug("receipt generated",
		zap.String("order_id", order.ID.String()),
		zap.String("receipt_number", number),
		zap.Int("bytes", len(doc)),
	)
	return &domain.Receipt{
		Number:   number,
		FileName: number + ".pdf",
		PDF:      doc,
	}, nil
}
