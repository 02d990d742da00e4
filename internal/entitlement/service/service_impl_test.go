package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	auditrepo "github.com/smallbiznis/bookshelf/internal/audit/repository"
	auditservice "github.com/smallbiznis/bookshelf/internal/audit/service"
	catalogrepo "github.com/smallbiznis/bookshelf/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/bookshelf/internal/catalog/service"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	"github.com/smallbiznis/bookshelf/internal/entitlement/repository"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/payment/mocks"
	purchasedomain "github.com/smallbiznis/bookshelf/internal/purchase/domain"
	purchaserepo "github.com/smallbiznis/bookshelf/internal/purchase/repository"
	"github.com/smallbiznis/bookshelf/internal/trial"
	"github.com/smallbiznis/bookshelf/pkg/db/dbtest"
	"github.com/smallbiznis/bookshelf/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type engineFixture struct {
	svc     *Service
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *mocks.MockGateway
	params  Params
}

func newEngine(t *testing.T, repo domain.Repository) *engineFixture {
	t.Helper()

	db := dbtest.Open(t)
	dbtest.SeedItem(t, db, "book-1", "Quiet Systems", 999)
	dbtest.SeedItem(t, db, "book-2", "Loud Systems", 1500)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	policy := config.DefaultStorefrontPolicy()
	policy.GrantRetryDelayMs = 0
	holder := config.StaticPolicy(policy)

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	gw.EXPECT().Provider().Return("paypal").AnyTimes()
	resolver := mocks.NewMockGatewayResolver(ctrl)
	resolver.EXPECT().Gateway("paypal").Return(gw, nil).AnyTimes()
	resolver.EXPECT().DefaultProvider().Return("paypal").AnyTimes()

	if repo == nil {
		repo = repository.Provide()
	}
	log := zap.NewNop()
	p := Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Cfg: config.Config{Payment: config.PaymentConfig{
			Provider:       "paypal",
			CreateTimeout:  time.Second,
			CaptureTimeout: time.Second,
			AllowDirect:    true,
		}},
		Policy:    holder,
		Repo:      repo,
		OrderRepo: purchaserepo.Provide(),
		Catalog:   catalogservice.New(catalogservice.Params{DB: db, Log: log, Repo: catalogrepo.Provide()}),
		Gateways:  resolver,
		AuditSvc: auditservice.NewService(auditservice.Params{
			DB: db, Log: log, GenID: node, Repo: auditrepo.Provide(), Clock: clk,
		}),
	}
	return &engineFixture{svc: New(p), db: db, clock: clk, gateway: gw, params: p}
}

func (f *engineFixture) initiate(t *testing.T, userID, itemID, ref string) snowflake.ID {
	t.Helper()
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		Return(&paymentdomain.CreateOrderResult{ExternalOrderID: ref, ApprovalURL: "https://paypal.test/approve/" + ref}, nil)
	res, err := f.svc.InitiatePurchase(context.Background(), domain.InitiatePurchaseRequest{UserID: userID, ItemID: itemID})
	require.NoError(t, err)
	return res.OrderID
}

func (f *engineFixture) order(t *testing.T, id snowflake.ID) *purchasedomain.Order {
	t.Helper()
	order, err := f.svc.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}

func TestPurchaseLifecycle(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()

	decision, err := f.svc.CanDownload(ctx, domain.CanDownloadRequest{UserID: "u1", ItemID: "book-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Decision{Authorized: false, Reason: domain.ReasonPurchaseRequired}, decision)

	var sent paymentdomain.CreateOrderRequest
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req paymentdomain.CreateOrderRequest) (*paymentdomain.CreateOrderResult, error) {
			sent = req
			return &paymentdomain.CreateOrderResult{ExternalOrderID: "PP-1", ApprovalURL: "https://paypal.test/approve/PP-1"}, nil
		})

	started, err := f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1"})
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.OrderStatusPending, started.Status)
	assert.Equal(t, "https://paypal.test/approve/PP-1", started.ApprovalHandle)
	assert.Equal(t, money.New(999, "USD"), sent.Amount)
	assert.Equal(t, started.OrderID.String(), sent.IdempotencyKey)
	assert.Equal(t, started.OrderID, sent.Metadata.OrderID)

	order := f.order(t, started.OrderID)
	assert.Equal(t, "PP-1", order.GatewayRef())
	assert.Equal(t, purchasedomain.PaymentMethodPayPal, order.PaymentMethod)

	req := domain.CompletePurchaseRequest{OrderID: started.OrderID, GatewayRef: "PP-1", PaidAmount: 999, Currency: "USD"}
	res, err := f.svc.CompletePurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletePurchaseResult{Success: true, AlreadyOwned: false}, *res)

	decision, err = f.svc.CanDownload(ctx, domain.CanDownloadRequest{UserID: "u1", ItemID: "book-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Decision{Authorized: true, Reason: domain.ReasonPurchased}, decision)

	res, err = f.svc.CompletePurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, *res)

	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "entitlements", "user_id = ? AND item_id = ?", "u1", "book-1"))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "order_lines", "order_id = ?", started.OrderID))
	assert.Equal(t, purchasedomain.OrderStatusCaptured, f.order(t, started.OrderID).Status)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "audit_logs", "action = ?", "purchase.captured"))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "audit_logs", "action = ?", "entitlement.granted"))

	library, err := f.svc.ListLibrary(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, library, 1)
	assert.Equal(t, "Quiet Systems", library[0].Title)
}

func TestInitiatePurchaseAlreadyOwnedSkipsGateway(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()

	orderID := f.initiate(t, "u1", "book-1", "PP-1")
	_, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: orderID, PaidAmount: 999, Currency: "USD"})
	require.NoError(t, err)

	// No CreateOrder expectation: any gateway call fails the test.
	_, err = f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyOwned)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "orders", ""))
}

func TestInitiatePurchaseValidation(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()

	_, err := f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{ItemID: "book-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
	_, err = f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidItem)
	_, err = f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "missing"})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	_, err = f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1", PaymentMethod: "bitcoin"})
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentMethod)
}

func TestCanDownloadTrialWindow(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()

	started := f.clock.Now()
	f.clock.Advance(299 * time.Second)
	decision, err := f.svc.CanDownload(ctx, domain.CanDownloadRequest{
		UserID: "u1", ItemID: "book-2", Trial: &domain.TrialEvidence{StartedAt: &started},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Decision{Authorized: true, Reason: domain.ReasonTrial}, decision)

	f.clock.Advance(2 * time.Second)
	decision, err = f.svc.CanDownload(ctx, domain.CanDownloadRequest{
		UserID: "u1", ItemID: "book-2", Trial: &domain.TrialEvidence{StartedAt: &started},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Decision{Authorized: false, Reason: domain.ReasonPurchaseRequired}, decision)

	_, err = f.svc.CanDownload(ctx, domain.CanDownloadRequest{ItemID: "book-2"})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
	_, err = f.svc.CanDownload(ctx, domain.CanDownloadRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidItem)
}

func TestCanDownloadTrialToken(t *testing.T) {
	f := newEngine(t, nil)
	f.params.Trial = trial.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), f.clock, f.params.Policy)
	svc := New(f.params)
	ctx := context.Background()

	tok, err := f.params.Trial.Issue("u1")
	require.NoError(t, err)

	decision, err := svc.CanDownload(ctx, domain.CanDownloadRequest{
		UserID: "u1", ItemID: "book-1", Trial: &domain.TrialEvidence{Token: tok.Value},
	})
	require.NoError(t, err)
	assert.True(t, decision.Authorized)
	assert.Equal(t, domain.ReasonTrial, decision.Reason)

	// A token minted for someone else is ignored rather than rejected.
	decision, err = svc.CanDownload(ctx, domain.CanDownloadRequest{
		UserID: "u2", ItemID: "book-1", Trial: &domain.TrialEvidence{Token: tok.Value},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonPurchaseRequired, decision.Reason)
}

func TestCompletePurchaseUnderpayment(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()
	orderID := f.initiate(t, "u1", "book-1", "PP-1")

	_, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: orderID, GatewayRef: "PP-1", PaidAmount: 500, Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)

	order := f.order(t, orderID)
	assert.Equal(t, purchasedomain.OrderStatusFailed, order.Status)
	require.NotNil(t, order.FailureReason)
	assert.Equal(t, purchasedomain.FailureAmountMismatch, *order.FailureReason)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "entitlements", ""))

	_, err = f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: orderID, GatewayRef: "PP-1", PaidAmount: 999, Currency: "EUR"})
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)
}

func TestCompletePurchaseUnknownOrder(t *testing.T) {
	f := newEngine(t, nil)
	_, err := f.svc.CompletePurchase(context.Background(), domain.CompletePurchaseRequest{OrderID: 42, PaidAmount: 999, Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestInitiatePurchaseGatewayTimeoutLeavesPending(t *testing.T) {
	f := newEngine(t, nil)
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: create_order", paymentdomain.ErrGatewayTimeout))

	res, err := f.svc.InitiatePurchase(context.Background(), domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1"})
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	assert.Equal(t, purchasedomain.OrderStatusPending, res.Status)
	assert.Equal(t, purchasedomain.OrderStatusPending, f.order(t, res.OrderID).Status)
}

func TestInitiatePurchaseGatewayFatalFailsOrder(t *testing.T) {
	f := newEngine(t, nil)
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		Return(nil, paymentdomain.ClassifyStatus("paypal", "create_order", 422, "UNPROCESSABLE_ENTITY", "bad amount"))

	_, err := f.svc.InitiatePurchase(context.Background(), domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayFatal)

	var orderID snowflake.ID
	require.NoError(t, f.db.Raw(`SELECT id FROM orders LIMIT 1`).Scan(&orderID).Error)
	order := f.order(t, orderID)
	assert.Equal(t, purchasedomain.OrderStatusFailed, order.Status)
	require.NotNil(t, order.FailureReason)
	assert.Equal(t, purchasedomain.FailureGatewayFatal, *order.FailureReason)
}

type flakyGrantRepo struct {
	domain.Repository
	failures int
	calls    int
}

func (r *flakyGrantRepo) Grant(ctx context.Context, db *gorm.DB, ent *domain.Entitlement) (bool, error) {
	r.calls++
	if r.calls <= r.failures {
		return false, errors.New("database is locked")
	}
	return r.Repository.Grant(ctx, db, ent)
}

func TestCompletePurchaseRetriesGrant(t *testing.T) {
	repo := &flakyGrantRepo{Repository: repository.Provide(), failures: 2}
	f := newEngine(t, repo)
	orderID := f.initiate(t, "u1", "book-1", "PP-1")

	res, err := f.svc.CompletePurchase(context.Background(), domain.CompletePurchaseRequest{OrderID: orderID, PaidAmount: 999, Currency: "USD"})
	require.NoError(t, err)
	assert.False(t, res.AlreadyOwned)
	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "reconciliation_issues", ""))
}

func TestCompletePurchaseGrantExhaustedThenRepaired(t *testing.T) {
	repo := &flakyGrantRepo{Repository: repository.Provide(), failures: 100}
	f := newEngine(t, repo)
	ctx := context.Background()
	orderID := f.initiate(t, "u1", "book-1", "PP-1")

	_, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: orderID, GatewayRef: "PP-1", PaidAmount: 999, Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrReconciliationFailure)
	assert.Equal(t, 3, repo.calls)
	assert.Equal(t, purchasedomain.OrderStatusCaptured, f.order(t, orderID).Status)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "reconciliation_issues", "order_id = ? AND resolved_at IS NULL", orderID))

	issues, err := f.svc.ListIssues(ctx, domain.IssueFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "PP-1", issues[0].GatewayRef)

	repo.failures = 0
	res, err := f.svc.RepairEntitlement(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletePurchaseResult{Success: true, AlreadyOwned: false}, *res)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "reconciliation_issues", "resolved_at IS NULL"))

	res, err = f.svc.RepairEntitlement(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyOwned)
}

func TestRepairEntitlementRequiresCapture(t *testing.T) {
	f := newEngine(t, nil)
	orderID := f.initiate(t, "u1", "book-1", "PP-1")
	_, err := f.svc.RepairEntitlement(context.Background(), orderID)
	assert.ErrorIs(t, err, domain.ErrOrderNotCaptured)
}

func TestSecondOrderForOwnedItemIsFlagged(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()
	first := f.initiate(t, "u1", "book-1", "PP-1")
	second := f.initiate(t, "u1", "book-1", "PP-2")

	_, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: first, PaidAmount: 999, Currency: "USD"})
	require.NoError(t, err)

	res, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: second, PaidAmount: 999, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, *res)
	assert.Equal(t, purchasedomain.OrderStatusAlreadyOwned, f.order(t, second).Status)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "entitlements", ""))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "audit_logs", "action = ?", "purchase.already_owned"))
}

// staleFindRepo misses the entitlement lookup a fixed number of times, replaying the window
// where two completions both read "not owned" before either grants.
type staleFindRepo struct {
	domain.Repository
	misses int
}

func (r *staleFindRepo) Find(ctx context.Context, db *gorm.DB, userID, itemID string) (*domain.Entitlement, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.Repository.Find(ctx, db, userID, itemID)
}

func TestCompletePurchaseLosingOrderIsMarkedAlreadyOwned(t *testing.T) {
	repo := &staleFindRepo{Repository: repository.Provide()}
	f := newEngine(t, repo)
	ctx := context.Background()
	first := f.initiate(t, "u1", "book-1", "PP-1")
	second := f.initiate(t, "u1", "book-1", "PP-2")

	_, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: first, GatewayRef: "PP-1", PaidAmount: 999, Currency: "USD"})
	require.NoError(t, err)

	repo.misses = 1
	res, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: second, GatewayRef: "PP-2", PaidAmount: 999, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, *res)

	assert.Equal(t, purchasedomain.OrderStatusCaptured, f.order(t, first).Status)
	assert.Equal(t, purchasedomain.OrderStatusAlreadyOwned, f.order(t, second).Status)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "orders", "user_id = ? AND item_id = ? AND status = ?", "u1", "book-1", purchasedomain.OrderStatusCaptured))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "entitlements", ""))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "audit_logs", "action = ?", "purchase.duplicate_capture"))

	// The repair job must not pick the demoted order up again.
	res, err = f.svc.RepairEntitlement(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.AlreadyOwned)
	_, err = f.svc.RepairEntitlement(ctx, second)
	assert.ErrorIs(t, err, domain.ErrOrderNotCaptured)
}

func TestCompletePurchaseSameOrderTwiceAfterStaleRead(t *testing.T) {
	repo := &staleFindRepo{Repository: repository.Provide()}
	f := newEngine(t, repo)
	ctx := context.Background()
	orderID := f.initiate(t, "u1", "book-1", "PP-1")
	req := domain.CompletePurchaseRequest{OrderID: orderID, GatewayRef: "PP-1", PaidAmount: 999, Currency: "USD"}

	_, err := f.svc.CompletePurchase(ctx, req)
	require.NoError(t, err)

	repo.misses = 1
	res, err := f.svc.CompletePurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletePurchaseResult{Success: true, AlreadyOwned: true}, *res)

	assert.Equal(t, purchasedomain.OrderStatusCaptured, f.order(t, orderID).Status)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "entitlements", ""))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "order_lines", "order_id = ?", orderID))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "audit_logs", "action = ?", "purchase.captured"))
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "audit_logs", "action = ?", "purchase.duplicate_capture"))
}

func TestCompletePurchaseConcurrentCallers(t *testing.T) {
	cases := []struct {
		name   string
		orders int
	}{
		{name: "same order", orders: 1},
		{name: "two orders", orders: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngine(t, nil)
			ids := make([]snowflake.ID, 0, tc.orders)
			for i := 0; i < tc.orders; i++ {
				ids = append(ids, f.initiate(t, "u1", "book-1", fmt.Sprintf("PP-%d", i+1)))
			}

			const callers = 8
			results := make([]*domain.CompletePurchaseResult, callers)
			var g errgroup.Group
			for i := 0; i < callers; i++ {
				orderID := ids[i%len(ids)]
				g.Go(func() error {
					res, err := f.svc.CompletePurchase(context.Background(), domain.CompletePurchaseRequest{
						OrderID:    orderID,
						PaidAmount: 999,
						Currency:   "USD",
					})
					results[i] = res
					return err
				})
			}
			require.NoError(t, g.Wait())

			fresh := 0
			for _, res := range results {
				require.NotNil(t, res)
				assert.True(t, res.Success)
				if !res.AlreadyOwned {
					fresh++
				}
			}
			assert.Equal(t, 1, fresh)
			assert.Equal(t, int64(1), dbtest.Count(t, f.db, "entitlements", "user_id = ? AND item_id = ?", "u1", "book-1"))
			assert.Equal(t, int64(1), dbtest.Count(t, f.db, "orders", "status = ?", purchasedomain.OrderStatusCaptured))
			assert.Equal(t, int64(tc.orders-1), dbtest.Count(t, f.db, "orders", "status = ?", purchasedomain.OrderStatusAlreadyOwned))
			if tc.orders == 1 {
				assert.Equal(t, int64(1), dbtest.Count(t, f.db, "order_lines", ""))
			}
		})
	}
}

func TestVerifyPurchaseCapturesPendingOrder(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()
	orderID := f.initiate(t, "u1", "book-1", "PP-1")

	f.gateway.EXPECT().CaptureOrder(gomock.Any(), "PP-1").
		Return(&paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusCaptured, CapturedAmount: money.New(999, "USD"), CaptureID: "CAP-1"}, nil)

	res, err := f.svc.VerifyPurchase(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyResult{Status: purchasedomain.OrderStatusCaptured, Success: true}, *res)

	// Already terminal: no second capture call.
	res, err = f.svc.VerifyPurchase(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.AlreadyOwned)
}

func TestVerifyPurchaseOutcomes(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()

	pending := f.initiate(t, "u1", "book-1", "PP-1")
	f.gateway.EXPECT().CaptureOrder(gomock.Any(), "PP-1").
		Return(&paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusPending}, nil)
	res, err := f.svc.VerifyPurchase(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.OrderStatusPending, res.Status)

	f.gateway.EXPECT().CaptureOrder(gomock.Any(), "PP-1").
		Return(nil, fmt.Errorf("%w: capture_order", paymentdomain.ErrGatewayTimeout))
	res, err = f.svc.VerifyPurchase(ctx, pending)
	require.NoError(t, err)
	assert.True(t, res.Retryable)

	f.gateway.EXPECT().CaptureOrder(gomock.Any(), "PP-1").
		Return(&paymentdomain.CaptureResult{Status: paymentdomain.CaptureStatusFailed}, nil)
	res, err = f.svc.VerifyPurchase(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.OrderStatusFailed, res.Status)
	order := f.order(t, pending)
	require.NotNil(t, order.FailureReason)
	assert.Equal(t, purchasedomain.FailureGatewayDeclined, *order.FailureReason)
}

func TestCompleteByGatewayRefFallsBackToOrderID(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()
	f.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: create_order", paymentdomain.ErrGatewayTimeout))
	started, err := f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1"})
	require.NoError(t, err)

	orderID := started.OrderID
	res, err := f.svc.CompleteByGatewayRef(ctx, domain.GatewayCompletion{
		GatewayOrderRef: domain.GatewayOrderRef{Provider: "paypal", GatewayRef: "PP-9", OrderID: &orderID},
		PaidAmount:      999,
		Currency:        "USD",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "PP-9", f.order(t, orderID).GatewayRef())

	_, err = f.svc.CompleteByGatewayRef(ctx, domain.GatewayCompletion{
		GatewayOrderRef: domain.GatewayOrderRef{Provider: "stripe", GatewayRef: "pi_1"},
		PaidAmount:      999,
		Currency:        "USD",
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestDirectPurchaseAndExpiry(t *testing.T) {
	f := newEngine(t, nil)
	ctx := context.Background()

	res, err := f.svc.InitiatePurchase(ctx, domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-2", PaymentMethod: purchasedomain.PaymentMethodDirect})
	require.NoError(t, err)
	assert.Empty(t, res.ApprovalHandle)

	verify, err := f.svc.VerifyPurchase(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, purchasedomain.OrderStatusPending, verify.Status)

	expired, err := f.svc.ExpireOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, expired)
	expired, err = f.svc.ExpireOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.False(t, expired)

	// A late capture still wins over expiry.
	done, err := f.svc.CompletePurchase(ctx, domain.CompletePurchaseRequest{OrderID: res.OrderID, PaidAmount: 1500, Currency: "USD"})
	require.NoError(t, err)
	assert.False(t, done.AlreadyOwned)
	assert.Equal(t, purchasedomain.OrderStatusCaptured, f.order(t, res.OrderID).Status)
}

func TestDirectMethodDisabled(t *testing.T) {
	f := newEngine(t, nil)
	f.params.Cfg.Payment.AllowDirect = false
	svc := New(f.params)

	_, err := svc.InitiatePurchase(context.Background(), domain.InitiatePurchaseRequest{UserID: "u1", ItemID: "book-1", PaymentMethod: purchasedomain.PaymentMethodDirect})
	assert.ErrorIs(t, err, domain.ErrInvalidPaymentMethod)
}
