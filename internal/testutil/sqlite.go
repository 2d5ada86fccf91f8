// Package testutil opens throwaway SQLite databases carrying the same tables as
// the postgres migrations, for package tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// OpenSQLite returns an in-memory database with the full schema. The pool is
// pinned to one connection so concurrent tests serialize on it the way row
// locks serialize writers on postgres.
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared&_time_format=sqlite", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range Schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake node or fails the test.
func NewNode(t testing.TB, n int64) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(n)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// AssertCount fails the test unless the query returns want.
func AssertCount(t testing.TB, db *gorm.DB, query string, want int64, args ...any) {
	t.Helper()
	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d rows, got %d (%s)", want, got, query)
	}
}

var Schema = []string{
	`CREATE TABLE service_providers (
		id BIGINT PRIMARY KEY,
		display_name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		accepts_bookings BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE bookings (
		id BIGINT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		customer_email TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		distance_km REAL NOT NULL DEFAULT 0,
		is_walk_in BOOLEAN NOT NULL DEFAULT FALSE,
		payment_method TEXT NOT NULL,
		user_voucher_id BIGINT,
		credit_to_apply BIGINT NOT NULL DEFAULT 0,
		service_subtotal BIGINT NOT NULL,
		travel_cost BIGINT NOT NULL,
		platform_fee BIGINT NOT NULL,
		commission BIGINT NOT NULL,
		provider_net BIGINT NOT NULL,
		platform_revenue BIGINT NOT NULL,
		discount BIGINT NOT NULL DEFAULT 0,
		credit_applied BIGINT NOT NULL DEFAULT 0,
		total BIGINT NOT NULL,
		amount_due BIGINT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'MYR',
		status TEXT NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		confirmed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE booking_items (
		id BIGINT PRIMARY KEY,
		booking_id BIGINT NOT NULL,
		service_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		price_cents BIGINT NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE payment_intents (
		id BIGINT PRIMARY KEY,
		booking_id BIGINT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		bill_id TEXT NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		payment_url TEXT NOT NULL,
		status TEXT NOT NULL,
		settled_via TEXT,
		settled_at TIMESTAMP,
		failed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		bill_id TEXT NOT NULL,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		signature_valid BOOLEAN NOT NULL,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		review_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_provider_event_id ON payment_events(provider, provider_event_id)`,
	`CREATE TABLE settlement_tasks (
		id BIGINT PRIMARY KEY,
		booking_id BIGINT NOT NULL,
		bill_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_settlement_tasks_bill_kind ON settlement_tasks(bill_id, kind)`,
	`CREATE TABLE vouchers (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		value BIGINT NOT NULL,
		min_spend BIGINT NOT NULL DEFAULT 0,
		max_discount BIGINT,
		points_cost BIGINT NOT NULL DEFAULT 0,
		valid_from TIMESTAMP NOT NULL,
		valid_until TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		max_redemptions INTEGER,
		current_redemptions INTEGER NOT NULL DEFAULT 0,
		max_per_user INTEGER,
		applicable_services TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE user_vouchers (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		voucher_id BIGINT NOT NULL,
		points_spent BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		redeemed_at TIMESTAMP NOT NULL,
		used_at TIMESTAMP,
		used_for_booking_id BIGINT,
		expired_at TIMESTAMP
	)`,
	`CREATE TABLE booking_vouchers (
		id BIGINT PRIMARY KEY,
		booking_id BIGINT NOT NULL UNIQUE,
		customer_id BIGINT NOT NULL,
		user_voucher_id BIGINT NOT NULL,
		voucher_code TEXT NOT NULL,
		voucher_title TEXT NOT NULL,
		original_total BIGINT NOT NULL,
		discount_applied BIGINT NOT NULL,
		final_total BIGINT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE points_balances (
		user_id BIGINT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE points_transactions (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		booking_id BIGINT,
		user_voucher_id BIGINT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_points_transactions_user_seq ON points_transactions(user_id, seq)`,
	`CREATE UNIQUE INDEX ux_points_transactions_booking ON points_transactions(user_id, booking_id, type) WHERE booking_id IS NOT NULL`,
	`CREATE TABLE credit_balances (
		user_id BIGINT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE credit_transactions (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		source TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		booking_id BIGINT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_credit_transactions_user_seq ON credit_transactions(user_id, seq)`,
	`CREATE UNIQUE INDEX ux_credit_transactions_booking ON credit_transactions(user_id, booking_id, type) WHERE booking_id IS NOT NULL`,
}
