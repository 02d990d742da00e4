package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	"github.com/smallbiznis/bookshelf/pkg/money"
)

type initiatePurchaseRequest struct {
	ItemID        string `json:"item_id"`
	PaymentMethod string `json:"payment_method"`
}

type completePurchaseRequest struct {
	GatewayRef string      `json:"gateway_ref"`
	PaidAmount json.Number `json:"paid_amount"`
	Currency   string      `json:"currency"`
}

func (s *Server) InitiatePurchase(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req initiatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		AbortWithError(c, newValidationError("item_id", "required", "item_id is required"))
		return
	}
	c.Set("item_id", itemID)

	res, err := s.engineSvc.InitiatePurchase(c.Request.Context(), entitlementdomain.InitiatePurchaseRequest{
		UserID:        id.UserID,
		ItemID:        itemID,
		PaymentMethod: purchasedomain.PaymentMethod(strings.TrimSpace(req.PaymentMethod)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("order_id", res.OrderID.String())

	status := http.StatusCreated
	if res.Retryable {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

type listPurchasesQuery struct {
	Limit string `form:"limit"`
}

func (s *Server) ListPurchases(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query listPurchasesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	limit, err := queryLimit(query.Limit, 0)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orders, err := s.engineSvc.ListOrders(c.Request.Context(), id.UserID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": orders})
}

func (s *Server) GetPurchase(c *gin.Context) {
	order, ok := s.loadOwnOrder(c, true)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, order)
}

// CompletePurchase settles an order from the client side. Gateway orders never take the
// caller's word for the amount: they are captured with the provider and the captured
// amount is what gets validated. Only the direct method accepts a client-reported amount.
func (s *Server) CompletePurchase(c *gin.Context) {
	order, ok := s.loadOwnOrder(c, false)
	if !ok {
		return
	}

	var req completePurchaseRequest
	if order.PaymentMethod.UsesGateway() {
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				AbortWithError(c, invalidRequestError())
				return
			}
		}
		s.completeGatewayOrder(c, order, strings.TrimSpace(req.GatewayRef))
		return
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = order.Currency
	}
	paid, err := money.Parse(req.PaidAmount.String(), currency)
	if err != nil {
		AbortWithError(c, newValidationError("paid_amount", "invalid_paid_amount", "paid_amount must be a positive decimal"))
		return
	}

	res, err := s.engineSvc.CompletePurchase(c.Request.Context(), entitlementdomain.CompletePurchaseRequest{
		OrderID:    order.ID,
		GatewayRef: strings.TrimSpace(req.GatewayRef),
		PaidAmount: paid.Amount,
		Currency:   paid.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) completeGatewayOrder(c *gin.Context, order *purchasedomain.Order, gatewayRef string) {
	if stored := order.GatewayRef(); gatewayRef != "" && stored != "" && stored != gatewayRef {
		AbortWithError(c, entitlementdomain.ErrOrderNotFound)
		return
	}

	res, err := s.engineSvc.VerifyPurchase(c.Request.Context(), order.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !res.Success && res.Status == purchasedomain.OrderStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) VerifyPurchase(c *gin.Context) {
	order, ok := s.loadOwnOrder(c, true)
	if !ok {
		return
	}

	res, err := s.engineSvc.VerifyPurchase(c.Request.Context(), order.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) DownloadReceipt(c *gin.Context) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	orderID, ok := pathOrderID(c)
	if !ok {
		return
	}

	receipt, err := s.receiptSvc.Generate(c.Request.Context(), id.UserID, orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+receipt.FileName+`"`)
	c.Data(http.StatusOK, "application/pdf", receipt.PDF)
}

// loadOwnOrder resolves :id to an order owned by the caller. Orders of other users are
// reported as missing unless allowStaff is set and the caller may view any order.
func (s *Server) loadOwnOrder(c *gin.Context, allowStaff bool) (*purchasedomain.Order, bool) {
	id, ok := currentIdentity(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return nil, false
	}
	orderID, ok := pathOrderID(c)
	if !ok {
		return nil, false
	}

	order, err := s.engineSvc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if order.UserID != id.UserID && !(allowStaff && s.canViewAnyOrder(c)) {
		AbortWithError(c, entitlementdomain.ErrOrderNotFound)
		return nil, false
	}
	c.Set("item_id", order.ItemID)
	return order, true
}
