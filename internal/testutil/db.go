// Package testutil builds the sqlite schema shared by package tests.
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

var schema = []string{
	`CREATE TABLE token_balances (
		principal_id BIGINT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE ledger_transactions (
		id BIGINT PRIMARY KEY,
		transfer_id BIGINT NOT NULL,
		principal_id BIGINT NOT NULL,
		counterparty_id BIGINT,
		type TEXT NOT NULL,
		token_amount BIGINT NOT NULL,
		usd_cents BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		external_reference TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_ledger_transactions_reference ON ledger_transactions(principal_id, type, external_reference)`,
	`CREATE TABLE refill_settings (
		principal_id BIGINT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		refill_tokens BIGINT NOT NULL,
		payment_method_ref TEXT,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE external_event_records (
		id BIGINT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		processing_status TEXT NOT NULL,
		failure_reason TEXT,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_external_event_records_event_id ON external_event_records(event_id)`,
	`CREATE TABLE withdrawal_requests (
		id BIGINT PRIMARY KEY,
		creator_id BIGINT NOT NULL,
		token_amount BIGINT NOT NULL,
		usd_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		payout_date TIMESTAMP NOT NULL,
		external_transfer_id TEXT,
		failure_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE earnings_snapshots (
		creator_id BIGINT PRIMARY KEY,
		total_earned BIGINT NOT NULL,
		buffered_earnings BIGINT NOT NULL,
		total_paid_out BIGINT NOT NULL,
		pending_withdrawals BIGINT NOT NULL,
		available_balance BIGINT NOT NULL,
		computed_at TIMESTAMP NOT NULL
	)`,
}

// NewDB opens a private in-memory database with the full schema. The pool
// holds a single connection so concurrent callers queue on it the way row
// locks would serialize them.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
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

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return db
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// SeedBalance sets a principal's balance directly, bypassing the ledger.
func SeedBalance(t testing.TB, db *gorm.DB, principalID snowflake.ID, balance int64) {
	t.Helper()

	err := db.Exec(
		`INSERT INTO token_balances (principal_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (principal_id) DO UPDATE SET balance = excluded.balance`,
		principalID, balance, time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func Balance(t testing.TB, db *gorm.DB, principalID snowflake.ID) int64 {
	t.Helper()

	var balance int64
	if err := db.Raw(`SELECT COALESCE((SELECT balance FROM token_balances WHERE principal_id = ?), 0)`, principalID).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}
