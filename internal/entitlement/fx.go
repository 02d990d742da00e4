package entitlement

import (
	"github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	"github.com/smallbiznis/bookshelf/internal/entitlement/repository"
	"github.com/smallbiznis/bookshelf/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(service.New, fx.As(new(domain.Service))),
	),
)
