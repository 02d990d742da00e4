package migration

import (
	"fmt"

	"github.com/smallbiznis/bookshelf/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(run),
)

func run(cfg config.Config, db *gorm.DB, log *zap.Logger) error {
	switch dialect := db.Dialector.Name(); dialect {
	case "postgres":
	case "sqlite", "mysql":
		if err := AutoMigrate(db); err != nil {
			return err
		}
		log.Warn("schema built from models; the catalog seed only ships for postgres",
			zap.String("dialect", dialect))
		return nil
	default:
		return fmt.Errorf("unsupported database dialect %q", dialect)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.DBName, err)
	}
	log.Info("migrations applied")
	return nil
}
