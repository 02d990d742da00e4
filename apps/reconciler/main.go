package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookshelf/internal/audit"
	"github.com/smallbiznis/bookshelf/internal/catalog"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/entitlement"
	"github.com/smallbiznis/bookshelf/internal/migration"
	"github.com/smallbiznis/bookshelf/internal/observability"
	"github.com/smallbiznis/bookshelf/internal/payment"
	"github.com/smallbiznis/bookshelf/internal/purchase"
	"github.com/smallbiznis/bookshelf/internal/ratelimit"
	"github.com/smallbiznis/bookshelf/internal/reconcile"
	"github.com/smallbiznis/bookshelf/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		observability.PushModule,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Only what the reconcile jobs call into.
		catalog.Module,
		purchase.Module,
		audit.Module,
		payment.Module,
		entitlement.Module,

		// No HTTP listener here; metrics leave through observability.PushModule.
		reconcile.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
