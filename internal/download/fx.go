package download

import (
	"github.com/smallbiznis/bookshelf/internal/download/repository"
	"github.com/smallbiznis/bookshelf/internal/download/service"
	"go.uber.org/fx"
)

var Module = fx.Module("download.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
