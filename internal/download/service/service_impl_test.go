package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogrepo "github.com/smallbiznis/bookshelf/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/bookshelf/internal/catalog/service"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/download/domain"
	"github.com/smallbiznis/bookshelf/internal/download/repository"
	"github.com/smallbiznis/bookshelf/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type failingRepo struct {
	domain.Repository
}

func (failingRepo) Insert(context.Context, *gorm.DB, *domain.Event) error {
	return errors.New("disk full")
}

func newTestService(t *testing.T, repo domain.Repository) (domain.Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.SeedItem(t, db, "book-1", "Quiet Systems", 999)
	dbtest.SeedItem(t, db, "book-2", "Loud Systems", 1500)
	dbtest.SeedItem(t, db, "book-3", "Still Systems", 500)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zap.NewNop()
	svc := NewService(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
		Repo:    repo,
		Catalog: catalogservice.New(catalogservice.Params{DB: db, Log: log, Repo: catalogrepo.Provide()}),
	})
	return svc, db
}

func TestRecordDownloadAndAnalytics(t *testing.T) {
	svc, _ := newTestService(t, repository.Provide())
	ctx := context.Background()

	svc.RecordDownload(ctx, "u1", "book-2")
	svc.RecordDownload(ctx, "u2", "book-2")
	svc.RecordDownload(ctx, "u1", "book-1")
	svc.RecordDownload(ctx, "", "book-1")

	total, err := svc.TotalForItem(ctx, "book-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	stats, err := svc.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalDownloads)
	assert.Equal(t, int64(3), stats.TotalBooks)
	require.Len(t, stats.TopItems, 2)
	assert.Equal(t, domain.ItemCount{ItemID: "book-2", Title: "Loud Systems", Downloads: 2}, stats.TopItems[0])
	assert.Equal(t, "book-1", stats.TopItems[1].ItemID)
}

func TestRecordDownloadSwallowsErrors(t *testing.T) {
	svc, db := newTestService(t, failingRepo{Repository: repository.Provide()})

	assert.NotPanics(t, func() { svc.RecordDownload(context.Background(), "u1", "book-1") })
	assert.Equal(t, int64(0), dbtest.Count(t, db, "download_events", ""))
}
