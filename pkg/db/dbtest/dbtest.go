// Package dbtest opens an isolated in-memory sqlite database carrying the storefront schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		description TEXT,
		price INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		cover_image_url TEXT,
		file_url TEXT NOT NULL DEFAULT '',
		category_id TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		featured BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		external_ref TEXT,
		failure_reason TEXT,
		captured_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE order_lines (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL UNIQUE,
		item_id TEXT NOT NULL,
		unit_price INTEGER NOT NULL,
		currency TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE entitlements (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		order_id INTEGER,
		granted_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, item_id)
	)`,
	`CREATE TABLE download_events (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		downloaded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		order_id INTEGER,
		amount INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		UNIQUE (provider, provider_event_id)
	)`,
	`CREATE TABLE reconciliation_issues (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		gateway_ref TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		error TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '{}',
		resolved_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		ip_address TEXT,
		user_agent TEXT,
		request_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Open returns a fresh database named after the test so parallel tests never share rows.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// SeedItem inserts an active catalog item priced in minor units.
func SeedItem(t *testing.T, db *gorm.DB, id, title string, price int64) {
	t.Helper()
	now := time.Now().UTC()
	err := db.Exec(
		`INSERT INTO items (id, title, author, price, currency, file_url, active, featured, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'USD', ?, ?, ?, ?, ?)`,
		id, title, "Test Author", price, "https://files.test/"+id+".pdf", true, false, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed item %s: %v", id, err)
	}
}

// Count returns the number of rows in table matching the optional where clause.
func Count(t *testing.T, db *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()
	query := "SELECT COUNT(1) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
