package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/download/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const topItemsLimit = 10

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Catalog catalogdomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	catalog catalogdomain.Service
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("download.service"),
		genID:   p.GenID,
		clock:   clk,
		repo:    p.Repo,
		catalog: p.Catalog,
	}
}

func (s *Service) RecordDownload(ctx context.Context, userID, itemID string) {
	userID = strings.TrimSpace(userID)
	itemID = strings.TrimSpace(itemID)
	if userID == "" || itemID == "" {
		s.log.Warn("download not recorded: missing identifiers",
			zap.String("user_id", userID),
			zap.String("item_id", itemID),
		)
		return
	}

	err := s.repo.Insert(ctx, s.db, &domain.Event{
		ID:           s.genID.Generate(),
		UserID:       userID,
		ItemID:       itemID,
		DownloadedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("download not recorded",
			zap.String("user_id", userID),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
	}
}

func (s *Service) TotalForItem(ctx context.Context, itemID string) (int64, error) {
	return s.repo.CountForItem(ctx, s.db, strings.TrimSpace(itemID))
}

func (s *Service) Analytics(ctx context.Context) (*domain.Analytics, error) {
	var (
		out = &domain.Analytics{GeneratedAt: s.clock.Now().UTC()}
		top []domain.ItemCount
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		total, err := s.repo.CountAll(gctx, s.db)
		out.TotalDownloads = total
		return err
	})
	g.Go(func() error {
		books, err := s.catalog.CountActive(gctx)
		out.TotalBooks = books
		return err
	})
	g.Go(func() error {
		var err error
		top, err = s.repo.TopItems(gctx, s.db, topItemsLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.TopItems = make([]domain.ItemCount, 0, len(top))
	if len(top) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(top))
	for _, row := range top {
		ids = append(ids, row.ItemID)
	}
	items, err := s.catalog.GetItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, row := range top {
		row.Title = items[row.ItemID].Title
		out.TopItems = append(out.TopItems, row)
	}
	return out, nil
}
