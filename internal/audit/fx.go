package audit

import (
	"github.com/smallbiznis/bookshelf/internal/audit/repository"
	"github.com/smallbiznis/bookshelf/internal/audit/service"
	"go.uber.org/fx"
)

// Module exposes the audit trail service. The repository stays private; everything else
// writes through Record.
var Module = fx.Module("audit",
	fx.Provide(fx.Private, repository.Provide),
	fx.Provide(service.NewService),
)
