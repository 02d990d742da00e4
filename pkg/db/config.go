package db

import (
	"strings"
	"time"

	"github.com/smallbiznis/bookshelf/internal/config"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int

	QueryLog logger.QueryLogConfig
}

// ConfigFrom extracts the database settings from the application config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Type:            cfg.DBType,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		SSLMode:         cfg.DBSSLMode,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		QueryLog:        queryLogConfig(cfg),
	}
}

// queryLogConfig logs every statement at debug level and only failures and slow
// statements otherwise.
func queryLogConfig(cfg config.Config) logger.QueryLogConfig {
	out := logger.DefaultQueryLogConfig()
	if strings.EqualFold(cfg.Telemetry.LogLevel, "debug") {
		out.Level = gormlogger.Info
	}
	if cfg.DBSlowQueryMillis > 0 {
		out.SlowThreshold = time.Duration(cfg.DBSlowQueryMillis) * time.Millisecond
	}
	return out
}
