package store

import (
	"context"
	"fmt"

	"github.com/crosslogic/metering/pkg/database"
)

// Schema is the DDL for every table the service owns. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_events (
		id UUID PRIMARY KEY,
		request_id TEXT UNIQUE,
		user_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		reasoning_tokens BIGINT NOT NULL DEFAULT 0,
		cached_input_tokens BIGINT NOT NULL DEFAULT 0,
		cost NUMERIC(20,10) NOT NULL DEFAULT 0,
		pricing_missing BOOLEAN NOT NULL DEFAULT FALSE,
		thread_id TEXT,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_user_occurred ON usage_events (user_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		balance NUMERIC(20,10) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES wallets(user_id),
		kind TEXT NOT NULL,
		amount NUMERIC(20,10) NOT NULL,
		balance_after NUMERIC(20,10) NOT NULL,
		reference_id TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user ON wallet_transactions (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		billing_interval TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_start TIMESTAMPTZ NOT NULL,
		current_period_end TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_updated ON subscriptions (user_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS stripe_customers (
		user_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL UNIQUE
	)`,
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db *database.Database) error {
	for _, stmt := range Schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
