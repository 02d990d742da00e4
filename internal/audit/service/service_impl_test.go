package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	"github.com/smallbiznis/bookshelf/internal/audit/repository"
	"github.com/smallbiznis/bookshelf/internal/clock"
	obscontext "github.com/smallbiznis/bookshelf/internal/observability/context"
	"github.com/smallbiznis/bookshelf/pkg/db/dbtest"
	"github.com/smallbiznis/bookshelf/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clk,
	})
	return svc, clk
}

func TestAuditLogResolvesActorAndClient(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := obscontext.WithUser(context.Background(), "u1", "customer")
	ctx = obscontext.WithRequestID(ctx, "req-1")
	ctx = obscontext.WithClient(ctx, obscontext.Client{
		IPAddress: "10.0.0.1",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	})

	err := svc.Record(ctx, auditdomain.Entry{
		Action:     "purchase.initiated",
		TargetType: "order",
		TargetID:   "42",
		Metadata: map[string]any{
			"item_id":      "book-1",
			"access_token": "tok_abcdefgh",
		},
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "user", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "u1", *entry.ActorID)
	require.NotNil(t, entry.RequestID)
	assert.Equal(t, "req-1", *entry.RequestID)
	assert.Equal(t, "book-1", entry.Metadata["item_id"])
	assert.Equal(t, "tok_****efgh", entry.Metadata["access_token"])
	assert.Contains(t, entry.Metadata["client_os"], "Linux")
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Record(context.Background(), auditdomain.Entry{Action: " ", TargetType: "order"})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginates(t *testing.T) {
	svc, clk := newTestService(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(context.Background(), auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeSystem,
			Action:     "reconcile.run",
			TargetType: "job",
		}))
		clk.Advance(time.Second)
	}

	first, err := svc.List(context.Background(), auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "system", first.AuditLogs[0].ActorType)

	second, err := svc.List(context.Background(), auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.PageInfo.HasMore)

	_, err = svc.List(context.Background(), auditdomain.ListRequest{
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
