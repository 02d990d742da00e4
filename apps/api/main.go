package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/audit"
	"github.com/smallbiznis/bookshelf/internal/authorization"
	"github.com/smallbiznis/bookshelf/internal/catalog"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/download"
	"github.com/smallbiznis/bookshelf/internal/entitlement"
	"github.com/smallbiznis/bookshelf/internal/identity"
	"github.com/smallbiznis/bookshelf/internal/observability"
	"github.com/smallbiznis/bookshelf/internal/payment"
	"github.com/smallbiznis/bookshelf/internal/purchase"
	"github.com/smallbiznis/bookshelf/internal/ratelimit"
	"github.com/smallbiznis/bookshelf/internal/receipt"
	"github.com/smallbiznis/bookshelf/internal/reconcile"
	"github.com/smallbiznis/bookshelf/internal/server"
	"github.com/smallbiznis/bookshelf/internal/trial"
	"github.com/smallbiznis/bookshelf/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		catalog.Module,
		purchase.Module,
		audit.Module,
		authorization.Module,
		identity.Module,
		trial.Module,
		payment.Module,
		entitlement.Module,
		download.Module,
		receipt.Module,

		// Manual runs from the admin API only; the loop lives in apps/reconciler.
		fx.Provide(reconcile.New),

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
