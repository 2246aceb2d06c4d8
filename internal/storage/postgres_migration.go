package storage

import (
	"context"
	"fmt"
)

// migrationStatements create the metering schema. Statements are idempotent
// so every boot can run them.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		seconds_balance BIGINT NOT NULL DEFAULT 0 CHECK (seconds_balance >= 0),
		coin_balance BIGINT NOT NULL DEFAULT 0 CHECK (coin_balance >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		action TEXT NOT NULL,
		seconds BIGINT NOT NULL DEFAULT 0,
		coins BIGINT NOT NULL DEFAULT 0,
		source_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_purchase_source
		ON ledger_entries (source_id) WHERE action = 'purchase'`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_user_created
		ON ledger_entries (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		last_heartbeat_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS streams_status ON streams (status)`,
	`CREATE TABLE IF NOT EXISTS viewer_sessions (
		id TEXT PRIMARY KEY,
		viewer_id TEXT NOT NULL REFERENCES users(id),
		stream_id TEXT NOT NULL REFERENCES streams(id),
		joined_at TIMESTAMPTZ NOT NULL,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		active_seconds BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		ended_at TIMESTAMPTZ,
		ended_reason TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS viewer_sessions_one_active
		ON viewer_sessions (viewer_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS viewer_sessions_stream
		ON viewer_sessions (stream_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS minute_usage (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES viewer_sessions(id),
		stream_id TEXT NOT NULL REFERENCES streams(id),
		viewer_id TEXT NOT NULL REFERENCES users(id),
		minute_bucket TIMESTAMPTZ NOT NULL,
		billed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (session_id, minute_bucket)
	)`,
	`CREATE INDEX IF NOT EXISTS minute_usage_unbilled
		ON minute_usage (stream_id) WHERE NOT billed`,
	`CREATE TABLE IF NOT EXISTS stream_earnings (
		stream_id TEXT PRIMARY KEY REFERENCES streams(id),
		host_id TEXT NOT NULL REFERENCES users(id),
		total_cents BIGINT NOT NULL DEFAULT 0,
		minutes_billed BIGINT NOT NULL DEFAULT 0,
		last_calculated_at TIMESTAMPTZ NOT NULL
	)`,
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
