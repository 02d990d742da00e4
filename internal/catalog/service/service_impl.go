package service

import (
	"context"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetItem(ctx context.Context, id string) (domain.Item, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Item{}, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Item{}, err
	}
	if item == nil {
		return domain.Item{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetItems(ctx context.Context, ids []string) (map[string]domain.Item, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	items, err := s.repo.FindByIDs(ctx, s.db, unique)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Item, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}

func (s *Service) ListItems(ctx context.Context, req domain.ListRequest) ([]domain.Item, error) {
	return s.repo.List(ctx, s.db, domain.ListFilter{
		ActiveOnly:   !req.IncludeInactive,
		FeaturedOnly: req.FeaturedOnly,
		CategoryID:   strings.TrimSpace(req.CategoryID),
	})
}

func (s *Service) CountActive(ctx context.Context) (int64, error) {
	return s.repo.CountActive(ctx, s.db)
}

// DownloadName builds the attachment file name, e.g. "quiet-systems-lin-okafor.pdf".
func (s *Service) DownloadName(item domain.Item) string {
	parts := make([]string, 0, 2)
	if title := slug.Make(item.Title); title != "" {
		parts = append(parts, title)
	}
	if author := slug.Make(item.Author); author != "" {
		parts = append(parts, author)
	}
	if len(parts) == 0 {
		parts = append(parts, slug.Make(item.ID))
	}
	return strings.Join(parts, "-") + ".pdf"
}
